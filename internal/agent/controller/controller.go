// Package controller owns the recording state machine. It is the only
// component that talks to the capture resource: reservations flow in from
// the poller, finished recordings flow out through the upload queue.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recwarden/agent/internal/agent/capture"
	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/agent/queue"
	"github.com/recwarden/agent/internal/agent/repositories/reservations"
	"github.com/recwarden/agent/internal/logging"
)

// Options tune the controller.
type Options struct {
	ResourceID    string
	RecordingsDir string

	// TickInterval is the state machine evaluation cadence.
	TickInterval time.Duration

	// PreStartBuffer is how early before window_start a recording may
	// begin, so the camera is already rolling at the nominal start.
	PreStartBuffer time.Duration

	// StopRetries bounds in-place retries when the capture refuses to stop.
	StopRetries int

	// RemoteTimeout bounds each reservation-store call.
	RemoteTimeout time.Duration

	// ShutdownGrace bounds the stop-and-finalize attempt on shutdown.
	ShutdownGrace time.Duration
}

// Snapshot is the read-only view published for the status reporter.
type Snapshot struct {
	State         models.SessionState
	ReservationID string
	IsRecording   bool
	StartedAt     time.Time
}

// Controller drives one capture resource through reservation windows.
// All mutable state is guarded by mu; Offer and Snapshot may be called
// from other goroutines while Run ticks.
type Controller struct {
	resource     *capture.Resource
	queue        *queue.Queue
	reservations reservations.Repository
	log          logging.Logger
	opts         Options

	now func() time.Time

	mu         sync.Mutex
	state      models.SessionState
	bound      *models.Reservation
	session    *models.RecordingSession
	handle     capture.Handle
	candidates []*models.Reservation
	offeredAt  time.Time

	errs atomic.Int64
}

func New(resource *capture.Resource, q *queue.Queue, res reservations.Repository,
	log logging.Logger, opts Options) *Controller {

	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.PreStartBuffer < 0 {
		opts.PreStartBuffer = 0
	}
	if opts.StopRetries <= 0 {
		opts.StopRetries = 3
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Controller{
		resource:     resource,
		queue:        q,
		reservations: res,
		log:          log.With("component", "controller"),
		opts:         opts,
		now:          time.Now,
		state:        models.SessionIdle,
	}
}

// Offer replaces the candidate reservation set with the poller's latest
// view of the remote store. The bound reservation disappearing from a
// fresh offer is how external cancellation reaches the controller.
func (c *Controller) Offer(batch []*models.Reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = batch
	c.offeredAt = c.now()
}

// Run evaluates the state machine on every tick until ctx is cancelled.
// On shutdown an in-progress recording gets a bounded grace period to be
// stopped and handed to the upload queue before the loop returns.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick advances the state machine by at most one transition.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case models.SessionIdle:
		c.maybeStart(ctx)
	case models.SessionActive:
		c.superviseActive(ctx)
	case models.SessionFailed:
		c.recoverFailed(ctx)
	}
}

// maybeStart binds the controller to an eligible reservation and starts
// the capture. Eligibility: the window has not ended and its start is at
// most PreStartBuffer away.
func (c *Controller) maybeStart(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var eligible []*models.Reservation
	for _, r := range c.candidates {
		if !now.Before(r.WindowEnd) {
			continue
		}
		if now.Before(r.WindowStart.Add(-c.opts.PreStartBuffer)) {
			continue
		}
		eligible = append(eligible, r)
	}

	if len(eligible) == 0 {
		c.mu.Unlock()
		return
	}

	chosen := eligible[0]
	for _, r := range eligible[1:] {
		if r.WindowStart.Before(chosen.WindowStart) {
			chosen = r
		}
	}
	for _, r := range eligible {
		if r.ID != chosen.ID {
			c.log.Warn(ctx, "overlapping eligible reservation deferred",
				"chosen", chosen.ID, "deferred", r.ID)
		}
	}

	c.state = models.SessionStarting
	c.bound = chosen
	c.mu.Unlock()

	c.start(ctx, chosen)
}

func (c *Controller) start(ctx context.Context, r *models.Reservation) {
	handle, err := c.resource.Acquire()
	if err != nil {
		c.fail(ctx, fmt.Errorf("acquire capture: %w", err), false)
		return
	}

	dest := filepath.Join(c.opts.RecordingsDir, recordingName(r.ID, r.OwnerID, c.now()))
	if err := os.MkdirAll(c.opts.RecordingsDir, 0o770); err != nil {
		c.resource.Release(handle)
		c.fail(ctx, fmt.Errorf("recordings dir: %w", err), false)
		return
	}

	if err := c.resource.StartRecording(ctx, handle, dest); err != nil {
		c.resource.Release(handle)
		// A partial output would otherwise be picked up as an orphan by
		// the next restart's recovery scan.
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.log.Warn(ctx, "failed to remove partial recording", "path", dest, "error", rmErr)
		}
		c.fail(ctx, fmt.Errorf("start recording: %w", err), true)
		return
	}

	c.mu.Lock()
	c.state = models.SessionActive
	c.handle = handle
	c.session = &models.RecordingSession{
		ReservationID: r.ID,
		FilePath:      dest,
		StartedAt:     c.now(),
		State:         models.SessionActive,
	}
	c.mu.Unlock()

	c.log.Info(ctx, "recording session started",
		"reservation_id", r.ID, "path", dest,
		"window_start", r.WindowStart, "window_end", r.WindowEnd)
}

// superviseActive stops the session when the window has elapsed or the
// reservation was cancelled remotely.
func (c *Controller) superviseActive(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	bound := c.bound
	started := time.Time{}
	if c.session != nil {
		started = c.session.StartedAt
	}
	cancelled := false
	if bound != nil && c.offeredAt.After(started) {
		cancelled = true
		for _, r := range c.candidates {
			if r.ID == bound.ID {
				cancelled = false
				break
			}
		}
	}
	c.mu.Unlock()

	if bound == nil {
		return
	}

	switch {
	case !now.Before(bound.WindowEnd):
		c.stopAndFinalize(ctx, "window elapsed")
	case cancelled:
		c.log.Info(ctx, "reservation cancelled remotely, stopping early",
			"reservation_id", bound.ID)
		c.stopAndFinalize(ctx, "cancelled")
	}
}

// stopAndFinalize runs Stopping and Finalizing back to back: stop the
// capture (bounded retries), verify the file, hand it to the upload
// queue, release the device.
func (c *Controller) stopAndFinalize(ctx context.Context, reason string) {
	c.mu.Lock()
	c.state = models.SessionStopping
	bound, handle := c.bound, c.handle
	c.mu.Unlock()

	var (
		file string
		err  error
	)
	for attempt := 0; attempt < c.opts.StopRetries; attempt++ {
		file, err = c.resource.StopRecording(ctx, handle)
		if err == nil {
			break
		}
		c.log.Warn(ctx, "stop attempt failed",
			"reservation_id", bound.ID, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		c.fail(ctx, fmt.Errorf("stop recording: %w", err), true)
		return
	}

	c.mu.Lock()
	c.state = models.SessionFinalizing
	c.mu.Unlock()

	info, statErr := os.Stat(file)
	if statErr != nil || info.Size() == 0 {
		c.fail(ctx, fmt.Errorf("recording %s unusable after stop (stat: %v)", file, statErr), true)
		return
	}

	if _, err := c.queue.Enqueue(file, bound.ID, c.opts.ResourceID, bound.OwnerID); err != nil {
		// The file stays on disk; the startup recovery scan will pick it
		// up if this process never manages to enqueue it.
		c.fail(ctx, fmt.Errorf("enqueue upload: %w", err), true)
		return
	}

	c.resource.Release(handle)

	c.mu.Lock()
	c.state = models.SessionIdle
	c.bound = nil
	c.session = nil
	c.handle = 0
	c.mu.Unlock()

	c.log.Info(ctx, "recording session finalized",
		"reservation_id", bound.ID, "path", file,
		"size_bytes", info.Size(), "reason", reason)
}

// fail records a session failure: the reservation (if bound) is marked
// errored remotely so it is not picked up again, and the machine parks in
// Failed until the next tick cleans up.
func (c *Controller) fail(ctx context.Context, cause error, markRemote bool) {
	c.errs.Add(1)

	c.mu.Lock()
	bound := c.bound
	c.state = models.SessionFailed
	c.mu.Unlock()

	reservationID := ""
	if bound != nil {
		reservationID = bound.ID
	}
	c.log.Error(ctx, "recording session failed",
		"reservation_id", reservationID, "error", cause)

	if markRemote && bound != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RemoteTimeout)
		defer cancel()
		if err := c.reservations.MarkError(mctx, bound.ID, cause.Error()); err != nil {
			c.log.Warn(ctx, "failed to mark reservation errored",
				"reservation_id", bound.ID, "error", err)
		}
	}
}

// recoverFailed releases whatever the failed session still held and
// returns to Idle.
func (c *Controller) recoverFailed(ctx context.Context) {
	c.mu.Lock()
	handle := c.handle
	c.handle = 0
	c.bound = nil
	c.session = nil
	c.state = models.SessionIdle
	c.mu.Unlock()

	if handle != 0 {
		c.resource.Release(handle)
	}
	c.log.Info(ctx, "controller recovered to idle")
}

// shutdown gives an in-progress recording a bounded chance to be stopped
// and enqueued before the process exits.
func (c *Controller) shutdown(ctx context.Context) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != models.SessionActive && state != models.SessionStarting {
		return
	}

	c.log.Info(ctx, "shutting down with active session, finalizing")
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ShutdownGrace)
	defer cancel()
	c.stopAndFinalize(gctx, "shutdown")

	c.mu.Lock()
	handle := c.handle
	c.handle = 0
	c.mu.Unlock()
	if handle != 0 {
		// Forced release; the finalize above did not get that far.
		c.resource.Release(handle)
	}
}

// Snapshot publishes the current state for the status reporter.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{State: c.state}
	if c.bound != nil {
		s.ReservationID = c.bound.ID
	}
	if c.session != nil {
		s.IsRecording = c.state == models.SessionActive
		s.StartedAt = c.session.StartedAt
	}
	return s
}

// ErrorCount reports session failures since startup.
func (c *Controller) ErrorCount() int64 {
	return c.errs.Load()
}

// RecoverOrphans scans the recordings directory for finished files that
// never made it into the upload queue (the process died between stop and
// enqueue) and enqueues them. Files already referenced by the persisted
// queue are left alone.
func (c *Controller) RecoverOrphans(ctx context.Context) error {
	entries, err := os.ReadDir(c.opts.RecordingsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan recordings dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		reservationID, ownerID, ok := parseRecordingName(e.Name())
		if !ok {
			continue
		}
		full := filepath.Join(c.opts.RecordingsDir, e.Name())
		if c.queue.References(full) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			c.log.Warn(ctx, "skipping unusable orphaned recording", "path", full)
			continue
		}
		if _, err := c.queue.Enqueue(full, reservationID, c.opts.ResourceID, ownerID); err != nil {
			return fmt.Errorf("enqueue orphan %s: %w", full, err)
		}
		c.log.Info(ctx, "recovered orphaned recording",
			"path", full, "reservation_id", reservationID)
	}
	return nil
}

// recordingName builds the destination file name. The reservation and
// owner ids are embedded so a crash-recovery scan can rebuild the upload
// task from the file name alone. Ids are expected to be UUID-like and
// must not contain underscores.
func recordingName(reservationID, ownerID string, t time.Time) string {
	return fmt.Sprintf("rec_%s_%s_%d.mp4", reservationID, ownerID, t.Unix())
}

// parseRecordingName inverts recordingName.
func parseRecordingName(name string) (reservationID, ownerID string, ok bool) {
	if !strings.HasPrefix(name, "rec_") || !strings.HasSuffix(name, ".mp4") {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".mp4"), "_")
	if len(parts) != 4 {
		return "", "", false
	}
	if _, err := strconv.ParseInt(parts[3], 10, 64); err != nil {
		return "", "", false
	}
	return parts[1], parts[2], true
}
