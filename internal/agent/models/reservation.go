// Package models defines the data types shared by the agent's components:
// reservations read from the remote store, recording sessions owned by the
// controller, upload tasks owned by the shipper, and status snapshots.
package models

import "time"

// Reservation statuses as stored in the remote reservation store.
const (
	ReservationConfirmed = "confirmed"
	ReservationError     = "error"
)

// Reservation is a time-boxed request to record, owned by the remote
// reservation store. The agent only reads it and, after the artifact is
// durably stored, deletes it.
type Reservation struct {
	ID          string
	ResourceID  string
	OwnerID     string
	WindowStart time.Time
	WindowEnd   time.Time
	Status      string
}

// ValidWindow reports whether the reservation window is well formed.
func (r *Reservation) ValidWindow() bool {
	return r.WindowEnd.After(r.WindowStart)
}

// Overlaps reports whether the window intersects [from, until].
func (r *Reservation) Overlaps(from, until time.Time) bool {
	return r.WindowEnd.After(from) && !r.WindowStart.After(until)
}
