package state

import "time"

// SessionInfo describes a session at the moment both downstream legs are connected.
type SessionInfo struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Primary string    `json:"primary"`
	Shadow  string    `json:"shadow"`
	Started time.Time `json:"started"`
}

// SessionResult is reported once when a session has torn down all three connections.
type SessionResult struct {
	Reason          string        `json:"reason"`
	Duration        time.Duration `json:"duration"`
	BytesFromClient int64         `json:"bytes_from_client"`
	BytesToClient   int64         `json:"bytes_to_client"`
	BytesDiscarded  int64         `json:"bytes_discarded"`
}

// Stats is a point-in-time view for dashboards and the state API.
type Stats struct {
	Active          int              `json:"active"`
	TotalSessions   int64            `json:"total_sessions"`
	BytesFromClient int64            `json:"bytes_from_client"`
	BytesToClient   int64            `json:"bytes_to_client"`
	BytesDiscarded  int64            `json:"bytes_discarded"`
	Reasons         map[string]int64 `json:"reasons"`
	Sessions        []SessionInfo    `json:"sessions,omitempty"`
}

// Store records session lifecycle events and readiness flags.
type Store interface {
	SessionOpened(info SessionInfo)
	SessionClosed(id string, r SessionResult)
	Stats() Stats
	SetClosing(closing bool)
	SetReady(ready bool)
	IsClosing() bool
	IsReady() bool
	Close() error
}
