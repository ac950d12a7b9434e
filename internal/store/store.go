// Package store is the durable append/query adapter for session records,
// move logs and chat logs. It carries no coordination logic; the session
// registry is its only writer for gameplay data.
package store

import "time"

// TimeControlUnlimited is the default time-control mode.
const TimeControlUnlimited = "unlimited"

// SessionRecord is the durable session row.
type SessionRecord struct {
	ID           string
	TimeControl  string // "unlimited" or "regular"
	TimeLimitSec int    // 0 when unlimited
	Private      bool
	SpecterLink  string
	Winner       string // outcome token, "" while in progress
	WinReason    string
	CreatedAt    time.Time
}

// Ended reports whether a termination record exists.
func (r *SessionRecord) Ended() bool { return r != nil && r.Winner != "" }

// CreateParams are the inputs of the create-session boundary.
type CreateParams struct {
	TimeControl  string
	TimeLimitSec int
	Private      bool
	SpecterLink  string
}
