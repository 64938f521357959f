package models

import "time"

// Lease grants one worker instance exclusive right to advance a run. At
// most one instance may hold a lease for a given run at a time.
type Lease struct {
	RunID      string    `json:"run_id"`
	InstanceID string    `json:"instance_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease's TTL has elapsed at t.
func (l Lease) Expired(t time.Time) bool {
	return !l.ExpiresAt.After(t)
}
