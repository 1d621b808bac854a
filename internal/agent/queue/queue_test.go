package queue

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/common"
)

func newTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload_queue.json")
	q, err := New(NewFileStore(path), Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: time.Minute})
	require.NoError(t, err)
	return q, path
}

func TestEnqueue_PersistsImmediately(t *testing.T) {
	q, path := newTestQueue(t)

	task, err := q.Enqueue("/tmp/rec.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, task.Status)

	tasks, err := NewFileStore(path).Load()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, "/tmp/rec.mp4", tasks[0].FilePath)
}

func TestClaimNext_MarksInFlight(t *testing.T) {
	q, path := newTestQueue(t)

	_, err := q.Enqueue("/tmp/a.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)

	claimed, ok := q.ClaimNext()
	require.True(t, ok)
	assert.Equal(t, models.TaskInFlight, claimed.Status)

	// The claim must be visible in the persisted representation.
	tasks, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, models.TaskInFlight, tasks[0].Status)

	_, ok = q.ClaimNext()
	assert.False(t, ok, "an InFlight task must not be claimable again")
}

func TestClaimNext_ConcurrentWorkersNeverShareATask(t *testing.T) {
	q, _ := newTestQueue(t)

	const tasks = 8
	for i := 0; i < tasks; i++ {
		_, err := q.Enqueue(filepath.Join("/tmp", "rec", "f"+string(rune('a'+i))+".mp4"), "res", "cam-1", "owner-1")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := q.ClaimNext()
				if !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}

func TestClaimNext_HonorsNotBefore(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue("/tmp/a.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)

	claimed, ok := q.ClaimNext()
	require.True(t, ok)
	require.NoError(t, q.Requeue(claimed.ID, errors.New("upload failed")))

	_, ok = q.ClaimNext()
	assert.False(t, ok, "backoff delay must defer the next attempt")

	// Shift the queue's clock past the backoff window.
	q.now = func() time.Time { return time.Now().Add(time.Hour) }
	claimed, ok = q.ClaimNext()
	require.True(t, ok)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "upload failed", claimed.LastError)
}

func TestRequeue_DeadLettersAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)

	// Advance the queue's clock past every backoff window.
	var offset time.Duration
	q.now = func() time.Time { return time.Now().Add(offset) }

	task, err := q.Enqueue("/tmp/a.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claimed, ok := q.ClaimNext()
		require.True(t, ok, "attempt %d", i)
		require.Equal(t, task.ID, claimed.ID)
		require.NoError(t, q.Requeue(claimed.ID, errors.New("still broken")))
		offset += 10 * time.Minute
	}

	_, ok := q.ClaimNext()
	assert.False(t, ok, "dead-lettered tasks are excluded from draining")

	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, models.TaskDeadLettered, letters[0].Status)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.EqualValues(t, 1, q.DeadLettered())
	assert.Equal(t, 0, q.Depth(), "dead letters do not count toward depth")
}

func TestRestart_ReclaimsInFlightTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_queue.json")
	store := NewFileStore(path)

	q1, err := New(store, Policy{})
	require.NoError(t, err)
	_, err = q1.Enqueue("/tmp/a.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)
	_, ok := q1.ClaimNext()
	require.True(t, ok)

	// Simulate a crash mid-upload: a fresh queue over the same file.
	q2, err := New(NewFileStore(path), Policy{})
	require.NoError(t, err)

	claimed, ok := q2.ClaimNext()
	require.True(t, ok, "task lost across restart")
	assert.Equal(t, "/tmp/a.mp4", claimed.FilePath)
}

func TestComplete_RemovesFromPersistedQueue(t *testing.T) {
	q, path := newTestQueue(t)

	task, err := q.Enqueue("/tmp/a.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(task.ID))

	assert.Equal(t, 0, q.Depth())
	assert.EqualValues(t, 1, q.Completed())

	tasks, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.ErrorIs(t, q.Complete(task.ID), common.ErrTaskUnknown)
}

func TestReferences(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue("/tmp/a.mp4", "res-1", "cam-1", "owner-1")
	require.NoError(t, err)

	assert.True(t, q.References("/tmp/a.mp4"))
	assert.False(t, q.References("/tmp/other.mp4"))
}

func TestFileStore_CorruptFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	_, err := New(NewFileStore(path), Policy{})
	assert.ErrorIs(t, err, common.ErrQueueCorrupt)
}

func TestFileStore_MissingFileIsEmptyQueue(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	tasks, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	q, _ := newTestQueue(t)

	first := q.backoff(1)
	second := q.backoff(2)
	assert.GreaterOrEqual(t, second, first)

	capped := q.backoff(50)
	assert.LessOrEqual(t, capped, time.Minute+time.Minute/4, "backoff must respect the cap plus jitter")
}
