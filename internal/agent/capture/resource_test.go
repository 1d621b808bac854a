package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recwarden/agent/internal/common"
	"github.com/recwarden/agent/internal/logging"
)

// fakeBackend simulates a capture process, optionally growing the output
// file in the background the way a real encoder would.
type fakeBackend struct {
	mu      sync.Mutex
	running bool
	grow    bool
	dest    string
	stopped int
	cancel  context.CancelFunc
}

func (f *fakeBackend) Name() string                    { return "fake" }
func (f *fakeBackend) Probe(ctx context.Context) error { return nil }

func (f *fakeBackend) Start(ctx context.Context, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.running = true
	f.dest = destPath

	if !f.grow {
		return nil
	}

	growCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		for i := 0; ; i++ {
			select {
			case <-growCtx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			fh, err := os.OpenFile(destPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return
			}
			_, _ = fh.Write([]byte("frame"))
			_ = fh.Close()
		}
	}()
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	f.running = false
	f.stopped++
	return nil
}

func (f *fakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newTestResource(t *testing.T, grow bool) (*Resource, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{grow: grow}
	r := NewResource(b, testLogger(), Options{StartGrace: 2 * time.Second})
	return r, b
}

func TestAcquire_ExactlyOneWinner(t *testing.T) {
	r, _ := newTestResource(t, true)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Acquire()
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, common.ErrBusy) {
			t.Fatalf("unexpected acquire error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent Acquire must succeed")
}

func TestAcquire_ReleaseFreesResource(t *testing.T) {
	r, _ := newTestResource(t, true)

	h, err := r.Acquire()
	require.NoError(t, err)

	_, err = r.Acquire()
	require.ErrorIs(t, err, common.ErrBusy)

	r.Release(h)

	_, err = r.Acquire()
	require.NoError(t, err)
}

func TestRelease_StaleHandleIsNoop(t *testing.T) {
	r, _ := newTestResource(t, true)

	h, err := r.Acquire()
	require.NoError(t, err)

	r.Release(h + 99)

	_, err = r.Acquire()
	assert.ErrorIs(t, err, common.ErrBusy, "stale release must not free the resource")
}

func TestStartRecording_ConfirmsGrowth(t *testing.T) {
	r, _ := newTestResource(t, true)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	h, err := r.Acquire()
	require.NoError(t, err)

	err = r.StartRecording(context.Background(), h, dest)
	require.NoError(t, err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestStartRecording_NoGrowthIsCaptureError(t *testing.T) {
	b := &fakeBackend{grow: false}
	r := NewResource(b, testLogger(), Options{StartGrace: 300 * time.Millisecond})
	dest := filepath.Join(t.TempDir(), "out.mp4")

	h, err := r.Acquire()
	require.NoError(t, err)

	err = r.StartRecording(context.Background(), h, dest)
	require.ErrorIs(t, err, common.ErrCaptureFailed)
	assert.Equal(t, 1, b.stopped, "backend must be stopped after a failed start")
}

func TestStartRecording_RequiresHolder(t *testing.T) {
	r, _ := newTestResource(t, true)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	_, err := r.Acquire()
	require.NoError(t, err)

	err = r.StartRecording(context.Background(), Handle(999), dest)
	assert.ErrorIs(t, err, common.ErrNotHolder)
}

func TestStopRecording_Idempotent(t *testing.T) {
	r, b := newTestResource(t, true)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	h, err := r.Acquire()
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(context.Background(), h, dest))

	first, err := r.StopRecording(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, dest, first)

	second, err := r.StopRecording(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, b.stopped, "second stop must have no side effects")
}

func TestStopRecording_NothingRecorded(t *testing.T) {
	r, _ := newTestResource(t, true)

	h, err := r.Acquire()
	require.NoError(t, err)

	_, err = r.StopRecording(context.Background(), h)
	assert.ErrorIs(t, err, common.ErrCaptureFailed)
}

func TestHealthCheck_WhileRecording(t *testing.T) {
	r, b := newTestResource(t, true)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	h, err := r.Acquire()
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(context.Background(), h, dest))

	assert.True(t, r.HealthCheck(context.Background()))

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	assert.False(t, r.HealthCheck(context.Background()), "dead capture process must fail the health check")
}
