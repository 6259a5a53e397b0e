package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dmcdo/jabberwocky-container-manager/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type countingReaper struct {
	mu      sync.Mutex
	reaps   int
	forgets int
	err     error
}

func (r *countingReaper) ReapDead(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaps++
	return 1, r.err
}

func (r *countingReaper) ForgetRemoved(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgets++
	return 0, r.err
}

func (r *countingReaper) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reaps, r.forgets
}

func runFor(j *Janitor, interval, d time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx, interval)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	<-done
}

func TestJanitor_RunsPeriodically(t *testing.T) {
	st := newTestStore(t)
	r := &countingReaper{}

	runFor(New(st, r, 0, slog.Default()), 20*time.Millisecond, 150*time.Millisecond)

	reaps, forgets := r.counts()
	assert.GreaterOrEqual(t, reaps, 2)
	assert.Equal(t, reaps, forgets)
}

func TestJanitor_PrunesHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateBootRecord(ctx, &state.BootRecord{ID: "old", Container: "foo", StartedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, st.CreateBootRecord(ctx, &state.BootRecord{ID: "new", Container: "foo", StartedAt: now}))

	runFor(New(st, &countingReaper{}, 24*time.Hour, nil), time.Hour, 50*time.Millisecond)

	recs, err := st.ListBootRecords(ctx, "foo", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].ID)
}

func TestJanitor_ZeroRetentionKeepsHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateBootRecord(ctx, &state.BootRecord{ID: "ancient", Container: "foo", StartedAt: time.Unix(0, 0).UTC()}))

	runFor(New(st, &countingReaper{}, 0, nil), time.Hour, 50*time.Millisecond)

	recs, err := st.ListBootRecords(ctx, "foo", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestJanitor_ReaperErrorsDoNotStopLoop(t *testing.T) {
	st := newTestStore(t)
	r := &countingReaper{err: errors.New("database is locked")}

	runFor(New(st, r, time.Hour, nil), 20*time.Millisecond, 100*time.Millisecond)

	reaps, _ := r.counts()
	assert.GreaterOrEqual(t, reaps, 2)
}
