package scheduler

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxInstances       = 3
	DefaultMisfireGrace       = 3 * time.Second
	DefaultTickResolution     = time.Second
	DefaultSkipAlertThreshold = 3
	DefaultSkipAlertInterval  = 10 * time.Minute
)

var (
	ErrInvalidJob     = errors.New("scheduler: invalid job")
	ErrDuplicateJob   = errors.New("scheduler: job already registered")
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrStopped        = errors.New("scheduler: stopped")
	ErrStopTimeout    = errors.New("scheduler: runs still in flight after stop deadline")
)

// Config controls the tick loop and the defaults applied to jobs that leave
// their own policy fields at zero.
type Config struct {
	TickResolution      time.Duration
	Timezone            string // IANA TZ, e.g. "Europe/Berlin"; empty means local
	DefaultMaxInstances int
	DefaultMisfireGrace time.Duration

	// A job that has been skipped SkipAlertThreshold times in a row logs a
	// WARN, at most once per SkipAlertInterval.
	SkipAlertThreshold int
	SkipAlertInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickResolution <= 0 {
		c.TickResolution = DefaultTickResolution
	}
	if c.DefaultMaxInstances <= 0 {
		c.DefaultMaxInstances = DefaultMaxInstances
	}
	if c.DefaultMisfireGrace <= 0 {
		c.DefaultMisfireGrace = DefaultMisfireGrace
	}
	if c.SkipAlertThreshold <= 0 {
		c.SkipAlertThreshold = DefaultSkipAlertThreshold
	}
	if c.SkipAlertInterval <= 0 {
		c.SkipAlertInterval = DefaultSkipAlertInterval
	}
	return c
}

// Job is a named unit of periodic work.
type Job struct {
	Name    string
	Trigger Trigger

	// MaxInstances caps concurrently running instances of this job.
	MaxInstances int
	// MisfireGrace is how late a fire may be noticed and still run.
	MisfireGrace time.Duration
	// Timeout bounds a single run; zero means the run is not bounded.
	Timeout time.Duration

	Run func(ctx context.Context) error
}

// SkipReason explains why a due fire did not launch.
type SkipReason string

const (
	SkipMaxInstances SkipReason = "max_instances"
	SkipMisfire      SkipReason = "misfire"
)

type JobInfo struct {
	Name             string        `json:"name"`
	Trigger          string        `json:"trigger"`
	Next             time.Time     `json:"next"`
	Prev             time.Time     `json:"prev,omitempty"`
	Running          int           `json:"running"`
	MaxInstances     int           `json:"max_instances"`
	MisfireGrace     time.Duration `json:"misfire_grace"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Runs             uint64        `json:"runs"`
	Failures         uint64        `json:"failures"`
	Skips            uint64        `json:"skips"`
	Misfires         uint64        `json:"misfires"`
	ConsecutiveSkips int           `json:"consecutive_skips"`
	LastSkip         SkipReason    `json:"last_skip,omitempty"`
	LastRunID        string        `json:"last_run_id,omitempty"`
	LastDuration     time.Duration `json:"last_duration,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Started        bool          `json:"started"`
	Stopped        bool          `json:"stopped"`
	Timezone       string        `json:"timezone"`
	TickResolution time.Duration `json:"tick_resolution"`
	InFlight       int           `json:"in_flight"`
	Jobs           []JobInfo     `json:"jobs"`
}
