// Package poller periodically reads upcoming reservations for this
// resource from the remote store and hands them to the controller. The
// remote store stays the source of truth; the poller never caches across
// cycles, so deletions there surface here within one interval.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/agent/repositories/reservations"
	"github.com/recwarden/agent/internal/common"
	"github.com/recwarden/agent/internal/logging"
)

// Sink receives each completed poll's reservation batch.
type Sink interface {
	Offer(batch []*models.Reservation)
}

// Options tune the poll loop.
type Options struct {
	ResourceID string

	// Interval is the poll cadence.
	Interval time.Duration

	// Lookahead is how far past now the overlap query reaches, so sessions
	// starting inside the pre-start buffer are already known.
	Lookahead time.Duration

	// RemoteTimeout bounds each store query.
	RemoteTimeout time.Duration
}

type Poller struct {
	repo reservations.Repository
	sink Sink
	log  logging.Logger
	opts Options

	now  func() time.Time
	errs atomic.Int64
}

func New(repo reservations.Repository, sink Sink, log logging.Logger, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = time.Minute
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 30 * time.Second
	}
	return &Poller{
		repo: repo,
		sink: sink,
		log:  log.With("component", "poller"),
		opts: opts,
		now:  time.Now,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately so
// the controller does not wait a full interval after startup.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll runs one query cycle. A failed cycle logs and leaves the
// controller's last known batch in place; it never aborts the loop.
func (p *Poller) poll(ctx context.Context) {
	now := p.now()

	qctx, cancel := context.WithTimeout(ctx, p.opts.RemoteTimeout)
	defer cancel()

	batch, err := p.repo.SelectOverlapping(qctx, reservations.Filter{
		ResourceID: p.opts.ResourceID,
		Status:     models.ReservationConfirmed,
		From:       now,
		Until:      now.Add(p.opts.Lookahead),
	})
	if err != nil {
		p.errs.Add(1)
		p.log.Warn(ctx, "reservation poll failed", "error", err)
		return
	}

	valid := batch[:0]
	for _, r := range batch {
		if !r.ValidWindow() {
			p.log.Warn(ctx, "skipping reservation",
				"reservation_id", r.ID, "error", common.ErrBadWindow,
				"window_start", r.WindowStart, "window_end", r.WindowEnd)
			continue
		}
		valid = append(valid, r)
	}

	p.sink.Offer(valid)
	p.log.Debug(ctx, "reservation poll complete", "count", len(valid))
}

// ErrorCount reports failed poll cycles since startup.
func (p *Poller) ErrorCount() int64 {
	return p.errs.Load()
}
