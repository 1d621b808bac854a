package status

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recwarden/agent/internal/agent/controller"
	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/logging"
)

type fakeRepo struct {
	mu        sync.Mutex
	snapshots []*models.StatusSnapshot
	err       error
}

func (f *fakeRepo) Upsert(_ context.Context, s *models.StatusSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func (f *fakeRepo) last() *models.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return nil
	}
	return f.snapshots[len(f.snapshots)-1]
}

type fakeSessions struct{ snap controller.Snapshot }

func (f *fakeSessions) Snapshot() controller.Snapshot { return f.snap }

type fakeQueue struct{ depth int }

func (f *fakeQueue) Depth() int { return f.depth }

type fakeHealth struct{ ok bool }

func (f *fakeHealth) HealthCheck(context.Context) bool { return f.ok }

type fixedCounter struct{ n int64 }

func (f *fixedCounter) ErrorCount() int64 { return f.n }

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newReporter(repo *fakeRepo, sessions *fakeSessions, q *fakeQueue, h *fakeHealth, counters ...ErrorCounter) *Reporter {
	return New(repo, sessions, q, h, counters, testLogger(), Options{
		ResourceID: "cam-1",
		Interval:   10 * time.Millisecond,
	})
}

func TestPublish_ComposesLiveState(t *testing.T) {
	repo := &fakeRepo{}
	r := newReporter(repo,
		&fakeSessions{snap: controller.Snapshot{State: models.SessionActive, IsRecording: true, ReservationID: "r-1"}},
		&fakeQueue{depth: 3},
		&fakeHealth{ok: true},
		&fixedCounter{n: 2}, &fixedCounter{n: 5})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.publish(context.Background())

	require.Equal(t, 1, repo.count())
	s := repo.last()
	assert.Equal(t, "cam-1", s.ResourceID)
	assert.Equal(t, "active", s.State)
	assert.True(t, s.IsRecording)
	assert.Equal(t, 3, s.QueueDepth)
	assert.Equal(t, now, s.LastHeartbeat)
	assert.Equal(t, int64(7), s.ErrorCount)
}

func TestPublish_DegradedWhenIdleAndCaptureUnhealthy(t *testing.T) {
	repo := &fakeRepo{}
	r := newReporter(repo,
		&fakeSessions{snap: controller.Snapshot{State: models.SessionIdle}},
		&fakeQueue{}, &fakeHealth{ok: false})

	r.publish(context.Background())

	require.Equal(t, 1, repo.count())
	assert.Equal(t, "degraded", repo.last().State)
}

func TestPublish_HealthNotConsultedMidRecording(t *testing.T) {
	// A recording session is its own proof of life; the probe path must
	// not poke the device while it is busy.
	repo := &fakeRepo{}
	r := newReporter(repo,
		&fakeSessions{snap: controller.Snapshot{State: models.SessionActive, IsRecording: true}},
		&fakeQueue{}, &fakeHealth{ok: false})

	r.publish(context.Background())

	assert.Equal(t, "active", repo.last().State)
}

func TestPublish_UpsertFailureIsCountedNotFatal(t *testing.T) {
	repo := &fakeRepo{err: errors.New("store down")}
	r := newReporter(repo,
		&fakeSessions{snap: controller.Snapshot{State: models.SessionIdle}},
		&fakeQueue{}, &fakeHealth{ok: true})

	r.publish(context.Background())
	r.publish(context.Background())

	assert.Equal(t, int64(2), r.errs.Load())
}

func TestRun_FinalSnapshotIsStopped(t *testing.T) {
	repo := &fakeRepo{}
	r := newReporter(repo,
		&fakeSessions{snap: controller.Snapshot{State: models.SessionIdle}},
		&fakeQueue{}, &fakeHealth{ok: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return repo.count() >= 2 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	assert.Equal(t, "stopped", repo.last().State)
}
