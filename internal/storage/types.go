package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed     = errors.New("storage: closed")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): snapshot files + events.jsonl next to Path
//   - "sqlite": SQLite database file at Path
//   - "memory" or "none": nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const DefaultPath = "./data/validatord"

// Event is one line of the operational event log (feedback deliveries,
// state saves, lifecycle transitions). Keep it compact and schema-stable.
type Event struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
	Meta    string    `json:"meta,omitempty"`
}
