// Package messagestore is the durable thread/message/agent-run log: every
// write is committed before returning, and readers see their own writes.
package messagestore

import "errors"

// Sentinel errors matching the NotFound/Conflict/Unavailable failure modes.
var (
	ErrNotFound    = errors.New("messagestore: not found")
	ErrConflict    = errors.New("messagestore: non-monotonic status transition")
	ErrUnavailable = errors.New("messagestore: backing store unavailable")
)
