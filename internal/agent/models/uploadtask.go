package models

import "time"

// TaskStatus is the lifecycle state of an upload task in the persisted queue.
type TaskStatus string

const (
	TaskQueued       TaskStatus = "queued"
	TaskInFlight     TaskStatus = "in_flight"
	TaskDone         TaskStatus = "done"
	TaskDeadLettered TaskStatus = "dead_lettered"
)

// UploadTask is one pending shipment of a finished recording. Tasks are
// persisted to the local queue file on every mutation so an interrupted
// process resumes exactly where it left off.
type UploadTask struct {
	ID            string     `json:"id"`
	FilePath      string     `json:"file_path"`
	ReservationID string     `json:"reservation_id"`
	ResourceID    string     `json:"resource_id"`
	OwnerID       string     `json:"owner_id"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	NotBefore     time.Time  `json:"not_before"`
	Status        TaskStatus `json:"status"`
}
