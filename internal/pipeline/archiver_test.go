package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	mu       sync.Mutex
	fillCuts []time.Time
	audit    int
	fillErr  error
}

func (r *recordingArchiver) ArchiveFills(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fillCuts = append(r.fillCuts, before)
	return 3, r.fillErr
}

func (r *recordingArchiver) ArchiveAudit(context.Context, time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit++
	return 1, nil
}

func (r *recordingArchiver) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fillCuts)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunUsesRetentionCutoff(t *testing.T) {
	rec := &recordingArchiver{}
	a := NewArchiver(rec, 30, quietLogger())
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, rec.fillCuts, 1)
	assert.Equal(t, time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC), rec.fillCuts[0])
	assert.Equal(t, 1, rec.audit)
}

func TestRunStopsOnFillError(t *testing.T) {
	rec := &recordingArchiver{fillErr: errors.New("bucket gone")}
	a := NewArchiver(rec, 1, quietLogger())

	err := a.Run(context.Background())
	require.ErrorContains(t, err, "bucket gone")
	assert.Zero(t, rec.audit)
}

func TestRunEveryKeepsGoingAfterFailure(t *testing.T) {
	rec := &recordingArchiver{fillErr: errors.New("transient")}
	a := NewArchiver(rec, 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunEvery(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return rec.calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunEvery did not return after cancel")
	}
}
