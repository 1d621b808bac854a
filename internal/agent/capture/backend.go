// Package capture wraps a camera capture backend behind a minimal
// start/stop/health contract and enforces single-owner access to the
// physical device.
//
// Two subprocess backends are provided: libcamera-vid for the Pi camera
// stack and ffmpeg for V4L2 USB devices. Selection happens once at startup
// by capability probing; callers only ever see the Backend interface.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Settings describe the capture geometry handed to a backend.
type Settings struct {
	Device  string
	Width   int
	Height  int
	FPS     int
	Bitrate int
}

// Backend drives one capture process writing to a destination file.
// Implementations must tolerate Stop being called when nothing runs.
type Backend interface {
	// Name identifies the backend for logs and status.
	Name() string

	// Probe reports whether the backend can run on this host.
	Probe(ctx context.Context) error

	// Start launches the capture process writing to destPath. It returns
	// once the process is running; output verification is the caller's job.
	Start(ctx context.Context, destPath string) error

	// Stop terminates the capture process and waits for it to finalize
	// the output file.
	Stop(ctx context.Context) error

	// Running reports whether the capture process is currently alive.
	Running() bool
}

// procRunner owns a single capture subprocess. Stop sends SIGINT first so
// encoders can finalize container metadata, then escalates to SIGKILL.
type procRunner struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *procRunner) start(cmd *exec.Cmd) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.running() {
		return errors.New("capture process already running")
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done

	go func() {
		// The exit status is uninteresting here: capture processes are
		// stopped by signal, so a non-zero exit is the normal case. Health
		// is judged by output growth and liveness, not by exit codes.
		_ = cmd.Wait()
		close(done)
	}()

	return nil
}

// running must be called with p.mu held.
func (p *procRunner) running() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *procRunner) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running()
}

func (p *procRunner) stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		// Process may have exited between the check and the signal.
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("signal capture process: %w", err)
		}
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	// Did not exit in time; force it.
	_ = cmd.Process.Kill()
	<-done
	return nil
}
