// Package shipper drains the durable upload queue: each claimed task is
// uploaded to the blob store, recorded in the artifact metadata table, its
// reservation deleted from the remote store, and the local file reclaimed.
// Every remote step can fail independently; a failed attempt requeues the
// task with backoff and nothing is ever dropped silently.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/agent/queue"
	"github.com/recwarden/agent/internal/agent/repositories/artifacts"
	"github.com/recwarden/agent/internal/agent/repositories/reservations"
	"github.com/recwarden/agent/internal/agent/storage"
	"github.com/recwarden/agent/internal/common"
	"github.com/recwarden/agent/internal/logging"
)

// probeDuration is a seam for tests; it asks ffprobe for the clip length
// and returns 0 when ffprobe is unavailable or unhappy.
var probeDuration = func(ctx context.Context, filePath string) float64 {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		filePath).Output()
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0
	}
	return d
}

// Options tune the shipper loops.
type Options struct {
	// Workers is the number of concurrent queue drainers.
	Workers int

	// IdleWait is how long a worker sleeps when the queue has nothing
	// eligible.
	IdleWait time.Duration

	// AttemptTimeout bounds one full shipment attempt across all four
	// remote steps.
	AttemptTimeout time.Duration
}

type Shipper struct {
	queue        *queue.Queue
	blobs        storage.BlobStore
	artifacts    artifacts.Repository
	reservations reservations.Repository
	log          logging.Logger
	opts         Options

	errs atomic.Int64
}

func New(q *queue.Queue, blobs storage.BlobStore, arts artifacts.Repository,
	res reservations.Repository, log logging.Logger, opts Options) *Shipper {

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 2 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = time.Minute
	}
	return &Shipper{
		queue:        q,
		blobs:        blobs,
		artifacts:    arts,
		reservations: res,
		log:          log.With("component", "shipper"),
		opts:         opts,
	}
}

// Run drains the queue until ctx is cancelled. Cancellation is cooperative
// at attempt boundaries: a claimed task always finishes or fails cleanly
// before its worker exits, never killed mid-upload.
func (s *Shipper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.drain(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (s *Shipper) drain(ctx context.Context, worker int) {
	log := s.log.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok := s.queue.ClaimNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.IdleWait):
			}
			continue
		}

		// The attempt gets its own lifetime so shutdown does not abort a
		// transfer already in progress.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AttemptTimeout)
		err := s.ship(attemptCtx, task)
		cancel()

		if err != nil {
			s.errs.Add(1)
			log.Warn(ctx, "shipment attempt failed",
				"task_id", task.ID, "reservation_id", task.ReservationID,
				"attempt", task.Attempts+1, "error", err)
			if rqErr := s.queue.Requeue(task.ID, err); rqErr != nil {
				log.Error(ctx, "requeue failed", "task_id", task.ID, "error", rqErr)
			}
			continue
		}

		if cmpErr := s.queue.Complete(task.ID); cmpErr != nil {
			log.Error(ctx, "complete failed", "task_id", task.ID, "error", cmpErr)
			continue
		}
		log.Info(ctx, "recording shipped",
			"task_id", task.ID, "reservation_id", task.ReservationID)
	}
}

// ship performs one full shipment attempt: blob upload (skipped when a
// previous attempt already stored it), metadata insert, reservation
// delete, local file delete. The first failing step aborts the attempt.
func (s *Shipper) ship(ctx context.Context, task *models.UploadTask) error {
	key := storage.StorageKey(task.OwnerID, task.FilePath)

	info, statErr := os.Stat(task.FilePath)

	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}

	if exists {
		s.log.Info(ctx, "blob already stored, skipping upload", "key", key)
	} else {
		if statErr != nil {
			return fmt.Errorf("local file gone before upload: %w", statErr)
		}
		backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if upErr := s.blobs.Upload(ctx, key, task.FilePath); upErr != nil {
				return retry.RetryableError(upErr)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
	}

	artifact := &models.Artifact{
		OwnerID:       task.OwnerID,
		ResourceID:    task.ResourceID,
		ReservationID: task.ReservationID,
		Filename:      filepath.Base(task.FilePath),
		StorageKey:    key,
		RecordedAt:    task.EnqueuedAt,
	}
	if statErr == nil {
		artifact.SizeBytes = info.Size()
		artifact.DurationSeconds = probeDuration(ctx, task.FilePath)
	}
	if err := s.artifacts.Insert(ctx, artifact); err != nil {
		return fmt.Errorf("metadata insert: %w", err)
	}

	if err := s.reservations.Delete(ctx, task.ReservationID); err != nil {
		// A previous attempt may have got this far already.
		if !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("reservation delete: %w", err)
		}
	}

	if err := os.Remove(task.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("local file delete: %w", err)
	}

	return nil
}

// ErrorCount reports failed shipment attempts since startup.
func (s *Shipper) ErrorCount() int64 {
	return s.errs.Load()
}
