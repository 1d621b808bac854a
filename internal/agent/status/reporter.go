// Package status publishes a periodic heartbeat for this resource to the
// remote store. It only reads state other components publish; it never
// sits on any control path, so a slow or failing store cannot stall a
// recording.
package status

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/recwarden/agent/internal/agent/controller"
	"github.com/recwarden/agent/internal/agent/models"
	statusrepo "github.com/recwarden/agent/internal/agent/repositories/status"
	"github.com/recwarden/agent/internal/logging"
)

// SessionSource is the controller's published view.
type SessionSource interface {
	Snapshot() controller.Snapshot
}

// QueueStats is the slice of the upload queue the heartbeat reports.
type QueueStats interface {
	Depth() int
}

// HealthChecker reports capture device usability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// ErrorCounter exposes a component's failure count since startup.
type ErrorCounter interface {
	ErrorCount() int64
}

// Options tune the reporter.
type Options struct {
	ResourceID string

	// Interval is the heartbeat cadence, deliberately shorter than the
	// reservation poll so staleness detection upstream stays tight.
	Interval time.Duration

	// RemoteTimeout bounds each upsert.
	RemoteTimeout time.Duration
}

type Reporter struct {
	repo     statusrepo.Repository
	sessions SessionSource
	queue    QueueStats
	health   HealthChecker
	counters []ErrorCounter
	log      logging.Logger
	opts     Options

	now  func() time.Time
	errs atomic.Int64
}

func New(repo statusrepo.Repository, sessions SessionSource, q QueueStats,
	health HealthChecker, counters []ErrorCounter, log logging.Logger, opts Options) *Reporter {

	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 30 * time.Second
	}
	return &Reporter{
		repo:     repo,
		sessions: sessions,
		queue:    q,
		health:   health,
		counters: counters,
		log:      log.With("component", "status"),
		opts:     opts,
		now:      time.Now,
	}
}

// Run publishes heartbeats until ctx is cancelled, then one final
// "stopped" snapshot so the remote side sees a clean shutdown instead of
// a heartbeat going stale.
func (r *Reporter) Run(ctx context.Context) {
	r.publish(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.publishStopped(ctx)
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	snap := r.compose(ctx)

	uctx, cancel := context.WithTimeout(ctx, r.opts.RemoteTimeout)
	defer cancel()

	if err := r.repo.Upsert(uctx, snap); err != nil {
		r.errs.Add(1)
		r.log.Warn(ctx, "heartbeat upsert failed", "error", err)
	}
}

// compose assembles the snapshot from live component state.
func (r *Reporter) compose(ctx context.Context) *models.StatusSnapshot {
	session := r.sessions.Snapshot()

	var errCount int64 = r.errs.Load()
	for _, c := range r.counters {
		errCount += c.ErrorCount()
	}

	state := string(session.State)
	if !session.IsRecording && !r.health.HealthCheck(ctx) {
		state = "degraded"
	}

	return &models.StatusSnapshot{
		ResourceID:    r.opts.ResourceID,
		State:         state,
		IsRecording:   session.IsRecording,
		QueueDepth:    r.queue.Depth(),
		LastHeartbeat: r.now(),
		ErrorCount:    errCount,
	}
}

// publishStopped writes the terminal snapshot with a fresh lifetime since
// the run context is already cancelled.
func (r *Reporter) publishStopped(ctx context.Context) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.RemoteTimeout)
	defer cancel()

	err := r.repo.Upsert(uctx, &models.StatusSnapshot{
		ResourceID:    r.opts.ResourceID,
		State:         "stopped",
		LastHeartbeat: r.now(),
		ErrorCount:    r.errs.Load(),
	})
	if err != nil {
		r.log.Warn(ctx, "final heartbeat failed", "error", err)
	}
}
