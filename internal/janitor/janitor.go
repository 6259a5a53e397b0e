// Package janitor provides background cleanup of daemon state.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmcdo/jabberwocky-container-manager/internal/state"
)

// Reaper is the part of the container manager the janitor drives.
type Reaper interface {
	// ReapDead marks containers whose VM has gone away as stopped.
	ReapDead(ctx context.Context) (int, error)
	// ForgetRemoved drops the state of uninstalled containers.
	ForgetRemoved(ctx context.Context) (int, error)
}

// Janitor periodically reconciles container state and prunes boot history.
type Janitor struct {
	store     *state.Store
	reaper    Reaper
	retention time.Duration
	logger    *slog.Logger
}

// New creates a new Janitor. A zero retention keeps boot history forever.
func New(st *state.Store, reaper Reaper, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     st,
		reaper:    reaper,
		retention: retention,
		logger:    logger.With("component", "janitor"),
	}
}

// Start runs the cleanup loop. It blocks until the context is cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("starting janitor",
		"interval", interval,
		"history_retention", j.retention,
	)

	// Run once immediately
	j.cleanup(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *Janitor) cleanup(ctx context.Context) {
	if n, err := j.reaper.ReapDead(ctx); err != nil {
		j.logger.Error("failed to reap dead containers", "error", err)
	} else if n > 0 {
		j.logger.Info("reaped dead containers", "count", n)
	}

	if n, err := j.reaper.ForgetRemoved(ctx); err != nil {
		j.logger.Error("failed to forget removed containers", "error", err)
	} else if n > 0 {
		j.logger.Info("forgot removed containers", "count", n)
	}

	if j.retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-j.retention)
	n, err := j.store.PruneBootRecords(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to prune boot records", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned boot records", "count", n, "cutoff", cutoff)
	}
}
