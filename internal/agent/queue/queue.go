package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/common"
)

// Policy tunes the retry behavior of the queue.
type Policy struct {
	// MaxAttempts is the attempt count after which a task is dead-lettered
	// instead of requeued.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the exponential delay
	// (base × 2^attempts, capped, with jitter) between attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Queue is the durable upload work queue shared by the controller
// (enqueue) and the shipper workers (claim/requeue/complete). Every
// mutation is persisted through the Store before it is observable, so no
// partial state survives a restart.
//
// Tasks found InFlight at load time are returned to Queued: their worker
// did not live to finish them.
type Queue struct {
	mu     sync.Mutex
	store  Store
	tasks  []models.UploadTask
	policy Policy

	now  func() time.Time
	rand *rand.Rand

	completed    int64
	deadLettered int64
}

func New(store Store, policy Policy) (*Queue, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = 30 * time.Second
	}
	if policy.BackoffCap <= 0 {
		policy.BackoffCap = 15 * time.Minute
	}

	tasks, err := store.Load()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		store:  store,
		tasks:  tasks,
		policy: policy,
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// Reclaim work orphaned by a previous process.
	reclaimed := false
	for i := range q.tasks {
		if q.tasks[i].Status == models.TaskInFlight {
			q.tasks[i].Status = models.TaskQueued
			reclaimed = true
		}
	}
	if reclaimed {
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// Enqueue adds a new task for the given recording and persists it.
func (q *Queue) Enqueue(filePath, reservationID, resourceID, ownerID string) (*models.UploadTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	task := models.UploadTask{
		ID:            uuid.NewString(),
		FilePath:      filePath,
		ReservationID: reservationID,
		ResourceID:    resourceID,
		OwnerID:       ownerID,
		EnqueuedAt:    now,
		NotBefore:     now,
		Status:        models.TaskQueued,
	}
	q.tasks = append(q.tasks, task)

	if err := q.persistLocked(); err != nil {
		q.tasks = q.tasks[:len(q.tasks)-1]
		return nil, err
	}
	return &task, nil
}

// ClaimNext atomically selects the oldest eligible queued task and marks it
// InFlight, so concurrent workers never pick up the same file twice.
// It returns false when nothing is currently eligible.
func (q *Queue) ClaimNext() (*models.UploadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i := range q.tasks {
		t := &q.tasks[i]
		if t.Status != models.TaskQueued || t.NotBefore.After(now) {
			continue
		}
		t.Status = models.TaskInFlight
		if err := q.persistLocked(); err != nil {
			t.Status = models.TaskQueued
			return nil, false
		}
		claimed := *t
		return &claimed, true
	}
	return nil, false
}

// Complete removes a finished task from the persisted queue.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.tasks {
		if q.tasks[i].ID != id {
			continue
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		if err := q.persistLocked(); err != nil {
			return err
		}
		q.completed++
		return nil
	}
	return common.ErrTaskUnknown
}

// Requeue records a failed attempt: the attempt counter is incremented,
// the cause stored, and the task scheduled for a later retry with capped
// exponential backoff. Once the attempt budget is exhausted the task is
// dead-lettered — kept in the persisted queue for operator attention but
// excluded from draining.
func (q *Queue) Requeue(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.tasks {
		t := &q.tasks[i]
		if t.ID != id {
			continue
		}

		t.Attempts++
		if cause != nil {
			t.LastError = cause.Error()
		}

		if t.Attempts >= q.policy.MaxAttempts {
			t.Status = models.TaskDeadLettered
			q.deadLettered++
		} else {
			t.Status = models.TaskQueued
			t.NotBefore = q.now().Add(q.backoff(t.Attempts))
		}

		return q.persistLocked()
	}
	return common.ErrTaskUnknown
}

// backoff computes base × 2^attempts capped, plus up to 25% jitter.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.policy.BackoffBase
	for i := 0; i < attempts && d < q.policy.BackoffCap; i++ {
		d *= 2
	}
	if d > q.policy.BackoffCap {
		d = q.policy.BackoffCap
	}
	jitter := time.Duration(q.rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Depth reports the number of tasks still awaiting shipment.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.tasks {
		switch q.tasks[i].Status {
		case models.TaskQueued, models.TaskInFlight:
			n++
		}
	}
	return n
}

// DeadLetters returns the tasks held for operator inspection.
func (q *Queue) DeadLetters() []models.UploadTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.UploadTask
	for i := range q.tasks {
		if q.tasks[i].Status == models.TaskDeadLettered {
			out = append(out, q.tasks[i])
		}
	}
	return out
}

// References reports whether any task points at the given file. Used by
// the startup recovery scan to avoid double-enqueueing orphans.
func (q *Queue) References(filePath string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.tasks {
		if q.tasks[i].FilePath == filePath {
			return true
		}
	}
	return false
}

// Completed reports how many tasks finished successfully since startup.
func (q *Queue) Completed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// DeadLettered reports how many tasks were dead-lettered since startup.
func (q *Queue) DeadLettered() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadLettered
}

// persistLocked writes the current task list through the store.
// Must be called with q.mu held.
func (q *Queue) persistLocked() error {
	if err := q.store.Save(q.tasks); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}
