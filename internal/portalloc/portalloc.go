// Package portalloc picks free host ports for SSH forwarding into containers.
//
// A port is free when it does not appear as a local address anywhere in the
// host's TCP/UDP socket table at the moment of allocation. Nothing is
// reserved: the caller has to bind the port promptly, and two concurrent
// allocations can return the same port.
package portalloc

import (
	"context"
	"errors"
	"fmt"

	psnet "github.com/shirou/gopsutil/v4/net"
)

const (
	// DefaultLo is the lowest port handed out by default.
	DefaultLo = 12300
	// DefaultHi is the highest port handed out by default.
	DefaultHi = 65535
)

var (
	// ErrExhausted is matched by every [ExhaustedError].
	ErrExhausted = errors.New("no free port in range")

	// ErrInvalidRange is returned for ranges outside [1, 65535] or with
	// lo > hi.
	ErrInvalidRange = errors.New("invalid port range")
)

// ExhaustedError is returned when every port in [Lo, Hi] is occupied.
type ExhaustedError struct {
	Lo, Hi int
}

// Error implements the [error] interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all ports in range [%d, %d] are in use", e.Lo, e.Hi)
}

// Is implements the [errors.Is] interface.
func (e *ExhaustedError) Is(other error) bool {
	return other == ErrExhausted
}

// TableFunc returns the set of local ports currently present in the host's
// socket table.
type TableFunc func(ctx context.Context) (map[int]struct{}, error)

// Allocator hands out the lowest free port of its range.
type Allocator struct {
	Lo, Hi int

	// Table snapshots the socket table. [HostTable] if nil.
	Table TableFunc
}

// New returns an [Allocator] over [lo, hi] backed by the host socket table.
func New(lo, hi int) *Allocator {
	return &Allocator{Lo: lo, Hi: hi, Table: HostTable}
}

// Allocate returns the lowest port in the allocator's range that is not in
// use right now.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	table := a.Table
	if table == nil {
		table = HostTable
	}
	return allocate(ctx, table, a.Lo, a.Hi)
}

// Allocate returns the lowest port in [lo, hi] absent from the host's live
// TCP/UDP socket table.
func Allocate(ctx context.Context, lo, hi int) (int, error) {
	return allocate(ctx, HostTable, lo, hi)
}

func allocate(ctx context.Context, table TableFunc, lo, hi int) (int, error) {
	if err := validateRange(lo, hi); err != nil {
		return 0, err
	}

	occupied, err := table(ctx)
	if err != nil {
		return 0, fmt.Errorf("read socket table: %w", err)
	}

	return FirstFree(occupied, lo, hi)
}

// FirstFree scans [lo, hi] in ascending order and returns the first port not
// in occupied.
func FirstFree(occupied map[int]struct{}, lo, hi int) (int, error) {
	if err := validateRange(lo, hi); err != nil {
		return 0, err
	}

	for port := lo; port <= hi; port++ {
		if _, used := occupied[port]; !used {
			return port, nil
		}
	}

	return 0, &ExhaustedError{Lo: lo, Hi: hi}
}

func validateRange(lo, hi int) error {
	if lo < 1 || hi > 65535 || lo > hi {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, lo, hi)
	}
	return nil
}

// HostTable reads the local ports of all IPv4 and IPv6 TCP and UDP sockets.
func HostTable(ctx context.Context) (map[int]struct{}, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}

	occupied := make(map[int]struct{}, len(conns))
	for _, conn := range conns {
		if conn.Laddr.Port == 0 {
			continue
		}
		occupied[int(conn.Laddr.Port)] = struct{}{}
	}

	return occupied, nil
}
