package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/recwarden/agent/internal/common"
	"github.com/recwarden/agent/internal/logging"
)

// Handle is an opaque ownership token returned by Acquire. All recording
// operations require the handle of the current holder.
type Handle uint64

// Options tune Resource behavior.
type Options struct {
	// StartGrace is how long StartRecording waits for the output file to
	// appear and grow before declaring the capture failed.
	StartGrace time.Duration

	// PreemptProcesses are process names terminated (best effort) before
	// the first acquisition, to evict foreign holders of the device.
	PreemptProcesses []string
}

// Resource serializes access to the single physical capture device.
// Acquisition is true mutual exclusion: a second Acquire while held fails
// fast with ErrBusy, it never blocks.
type Resource struct {
	backend Backend
	log     logging.Logger
	opts    Options

	preemptOnce sync.Once

	mu         sync.Mutex
	nextHandle Handle
	holder     Handle // 0 means free
	recording  bool
	lastFile   string
}

func NewResource(backend Backend, log logging.Logger, opts Options) *Resource {
	if opts.StartGrace <= 0 {
		opts.StartGrace = 5 * time.Second
	}
	return &Resource{
		backend: backend,
		log:     log.With("component", "capture", "backend", backend.Name()),
		opts:    opts,
	}
}

// Acquire takes exclusive ownership of the device, failing fast with
// ErrBusy when another holder exists.
func (r *Resource) Acquire() (Handle, error) {
	r.preemptOnce.Do(r.preempt)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != 0 {
		return 0, common.ErrBusy
	}
	r.nextHandle++
	r.holder = r.nextHandle
	return r.holder, nil
}

// Release frees the device. Releasing with a stale handle is a no-op, so
// callers on failure paths can release unconditionally.
func (r *Resource) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != h {
		return
	}
	r.holder = 0
	r.recording = false
}

// StartRecording launches the capture and returns only once the output
// file has been observed to exist and grow within the grace period.
// Anything less is a capture error, not a retryable timeout.
func (r *Resource) StartRecording(ctx context.Context, h Handle, destPath string) error {
	r.mu.Lock()
	if r.holder != h {
		r.mu.Unlock()
		return common.ErrNotHolder
	}
	if r.recording {
		r.mu.Unlock()
		return fmt.Errorf("%w: already recording", common.ErrCaptureFailed)
	}
	r.mu.Unlock()

	if err := r.backend.Start(ctx, destPath); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCaptureFailed, err)
	}

	if err := r.waitForGrowth(ctx, destPath); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if stopErr := r.backend.Stop(stopCtx); stopErr != nil {
			r.log.Warn(ctx, "failed to stop capture after bad start", "error", stopErr)
		}
		return err
	}

	r.mu.Lock()
	r.recording = true
	r.lastFile = destPath
	r.mu.Unlock()

	r.log.Info(ctx, "recording confirmed", "path", destPath)
	return nil
}

// waitForGrowth polls destPath until its size strictly increases past the
// first non-empty observation, or the grace period runs out.
func (r *Resource) waitForGrowth(ctx context.Context, destPath string) error {
	deadline := time.Now().Add(r.opts.StartGrace)
	interval := r.opts.StartGrace / 20
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}

	baseline := int64(-1)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if !r.backend.Running() {
			return fmt.Errorf("%w: capture process exited during startup", common.ErrCaptureFailed)
		}

		info, err := os.Stat(destPath)
		if err != nil {
			continue
		}
		size := info.Size()
		if size <= 0 {
			continue
		}
		if baseline < 0 {
			baseline = size
			continue
		}
		if size > baseline {
			return nil
		}
	}

	return fmt.Errorf("%w: output %s did not grow within %s", common.ErrCaptureFailed, destPath, r.opts.StartGrace)
}

// StopRecording stops the capture and returns the recorded file path.
// It is idempotent: a second call returns the same path with no side
// effects.
func (r *Resource) StopRecording(ctx context.Context, h Handle) (string, error) {
	r.mu.Lock()
	if r.holder != h {
		r.mu.Unlock()
		return "", common.ErrNotHolder
	}
	recording, lastFile := r.recording, r.lastFile
	r.mu.Unlock()

	if !recording {
		if lastFile == "" {
			return "", fmt.Errorf("%w: nothing was recorded", common.ErrCaptureFailed)
		}
		return lastFile, nil
	}

	if err := r.backend.Stop(ctx); err != nil {
		return "", fmt.Errorf("%w: stop: %v", common.ErrCaptureFailed, err)
	}

	r.mu.Lock()
	r.recording = false
	r.mu.Unlock()

	r.log.Info(ctx, "recording stopped", "path", lastFile)
	return lastFile, nil
}

// HealthCheck reports whether the device is usable: a live capture process
// while recording, a passing probe otherwise.
func (r *Resource) HealthCheck(ctx context.Context) bool {
	r.mu.Lock()
	recording := r.recording
	r.mu.Unlock()

	if recording {
		return r.backend.Running()
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.backend.Probe(ctx) == nil
}

// preempt terminates known competing holders of the device. This is
// advisory cleanup: failures are logged as warnings and never treated as
// success or correctness.
func (r *Resource) preempt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range r.opts.PreemptProcesses {
		if err := exec.CommandContext(ctx, "pkill", "-TERM", "-x", name).Run(); err == nil {
			r.log.Warn(ctx, "preempted competing capture process", "process", name)
		}
	}
}
