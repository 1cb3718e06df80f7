package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON journal + snapshot next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AssignmentRecord is the persisted form of one overflow assignment,
// unique per (GroupID, EventKey).
type AssignmentRecord struct {
	GroupID     int64     `json:"group_id"`
	EventKey    int       `json:"event_key"`
	StreamIDs   []int64   `json:"stream_ids"`
	Origin      int64     `json:"origin"`
	Destination int64     `json:"destination"`
	MovedAt     time.Time `json:"moved_at"`
	Deadline    time.Time `json:"deadline"`
}

// AuditEntry records an operator-triggered run.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	ChannelID int64     `json:"channel_id,omitempty"`
	OK        int       `json:"ok"`
	Fail      int       `json:"fail"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
