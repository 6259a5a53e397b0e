package portalloc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(ports ...int) map[int]struct{} {
	s := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

func TestFirstFree(t *testing.T) {
	tests := []struct {
		name     string
		occupied map[int]struct{}
		lo, hi   int
		want     int
	}{
		{"empty table", set(), 12300, 65535, 12300},
		{"lowest taken", set(12300), 12300, 65535, 12301},
		{"gap in the middle", set(12300, 12301, 12303), 12300, 65535, 12302},
		{"unrelated ports", set(22, 80, 443), 12300, 12310, 12300},
		{"last port free", set(100, 101, 102), 100, 103, 103},
		{"single port free", set(), 5000, 5000, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstFree(tt.occupied, tt.lo, tt.hi)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstFree_Exhausted(t *testing.T) {
	_, err := FirstFree(set(12300), 12300, 12300)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 12300, exhausted.Lo)
	assert.Equal(t, 12300, exhausted.Hi)
	assert.Equal(t, "all ports in range [12300, 12300] are in use", err.Error())
}

func TestFirstFree_InvalidRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {10, 65536}, {20, 10}} {
		_, err := FirstFree(set(), r[0], r[1])
		assert.ErrorIs(t, err, ErrInvalidRange, "range %v", r)
		assert.NotErrorIs(t, err, ErrExhausted, "range %v", r)
	}
}

// The result is the smallest port in range that is not occupied, for any
// occupied set.
func TestFirstFree_Smallest(t *testing.T) {
	const lo, hi = 40000, 40031

	for mask := 0; mask < 1<<10; mask++ {
		occupied := set()
		for bit := 0; bit < 10; bit++ {
			if mask&(1<<bit) != 0 {
				occupied[lo+bit*3] = struct{}{}
				occupied[lo+bit*3+1] = struct{}{}
			}
		}

		got, err := FirstFree(occupied, lo, hi)
		require.NoError(t, err)

		_, used := occupied[got]
		assert.False(t, used)
		for p := lo; p < got; p++ {
			_, used := occupied[p]
			assert.True(t, used, "port %d below result %d is free", p, got)
		}
	}
}

func TestAllocator_Deterministic(t *testing.T) {
	calls := 0
	a := &Allocator{
		Lo: 12300,
		Hi: 12400,
		Table: func(context.Context) (map[int]struct{}, error) {
			calls++
			return set(12300, 12301), nil
		},
	}

	first, err := a.Allocate(context.Background())
	require.NoError(t, err)
	second, err := a.Allocate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12302, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, calls, "table must be read fresh on every allocation")
}

func TestAllocator_TableError(t *testing.T) {
	errTable := errors.New("no proc")
	a := &Allocator{
		Lo: 1, Hi: 2,
		Table: func(context.Context) (map[int]struct{}, error) { return nil, errTable },
	}

	_, err := a.Allocate(context.Background())
	assert.ErrorIs(t, err, errTable)
}

func TestAllocate_SkipsListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	port := ln.Addr().(*net.TCPAddr).Port

	occupied, err := HostTable(context.Background())
	if err != nil {
		t.Skipf("socket table not readable here: %v", err)
	}
	if _, ok := occupied[port]; !ok {
		t.Skip("socket table does not expose this process' sockets")
	}

	got, err := Allocate(context.Background(), port, 65535)
	require.NoError(t, err)
	assert.NotEqual(t, port, got)
	assert.Greater(t, got, port)
}
