package models

import "time"

// SessionState is the recording controller's state machine position.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionStarting   SessionState = "starting"
	SessionActive     SessionState = "active"
	SessionStopping   SessionState = "stopping"
	SessionFinalizing SessionState = "finalizing"
	SessionFailed     SessionState = "failed"
)

// RecordingSession tracks one in-progress recording. It is owned exclusively
// by the controller; ownership of the produced file transfers to the upload
// queue when the session finalizes.
type RecordingSession struct {
	ReservationID string
	FilePath      string
	StartedAt     time.Time
	StoppedAt     time.Time
	State         SessionState
}
