package models

import "time"

// StatusSnapshot is the heartbeat record upserted to the remote store,
// keyed by resource identity. It is recomputed on every tick and never
// persisted locally.
type StatusSnapshot struct {
	ResourceID    string
	State         string
	IsRecording   bool
	QueueDepth    int
	LastHeartbeat time.Time
	ErrorCount    int64
}

// Artifact is the metadata record inserted into the remote store after a
// recording blob has been uploaded.
type Artifact struct {
	OwnerID         string
	ResourceID      string
	ReservationID   string
	Filename        string
	StorageKey      string
	SizeBytes       int64
	DurationSeconds float64
	RecordedAt      time.Time
}
