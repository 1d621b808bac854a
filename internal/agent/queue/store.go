// Package queue implements the durable upload queue: a persisted record
// list mutated atomically on every change so a process restart resumes
// exactly where it left off.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/common"
)

// Store persists the full task list. Save must be atomic: a crash mid-write
// may never leave a partially written file behind.
type Store interface {
	Load() ([]models.UploadTask, error)
	Save(tasks []models.UploadTask) error
}

// FileStore keeps the queue as a JSON file, replaced via
// write-new-then-atomic-rename on every mutation.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted task list. A missing file is an empty queue;
// unparseable content is ErrQueueCorrupt, which callers treat as fatal.
func (s *FileStore) Load() ([]models.UploadTask, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var tasks []models.UploadTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrQueueCorrupt, err)
	}
	return tasks, nil
}

// Save atomically replaces the queue file with the given task list.
func (s *FileStore) Save(tasks []models.UploadTask) error {
	if tasks == nil {
		tasks = []models.UploadTask{}
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(s.path), err)
	}

	if err := renameio.WriteFile(s.path, data, 0o640); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}
