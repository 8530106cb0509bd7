package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to component defaults.
type Config struct {
	Logging   LoggingConfig        `json:"logging"`
	Server    ServerConfig         `json:"server"`
	Scheduler SchedulerConfig      `json:"scheduler"`
	Jobs      map[string]JobConfig `json:"jobs,omitempty"`
	Shutdown  ShutdownConfig       `json:"shutdown"`
	Status    StatusConfig         `json:"status"`
	Storage   *StorageConfig       `json:"storage,omitempty"`
	Telemetry TelemetryConfig      `json:"telemetry"`
	Feedback  FeedbackConfig       `json:"feedback"`
	Validator ValidatorConfig      `json:"validator"`
	Pprof     PprofConfig          `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the request server.
//
// Example:
//
//	"server": { "port": 8091, "max_body_bytes": 1048576 }
type ServerConfig struct {
	Host              string `json:"host,omitempty"` // default: "0.0.0.0"
	Port              int    `json:"port"`
	MaxBodyBytes      int64  `json:"max_body_bytes,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

type SchedulerConfig struct {
	TickResolution      string `json:"tick_resolution,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	DefaultMaxInstances int    `json:"default_max_instances,omitempty"`
	DefaultMisfireGrace string `json:"default_misfire_grace,omitempty"`
	SkipAlertThreshold  int    `json:"skip_alert_threshold,omitempty"`
	SkipAlertInterval   string `json:"skip_alert_interval,omitempty"`
}

// JobConfig overrides the built-in policy of one job, keyed by job name.
// Enabled is a pointer so an omitted key keeps the job on.
type JobConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Schedule     string `json:"schedule,omitempty"` // cron, duration or HH:MM
	MaxInstances int    `json:"max_instances,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// ShutdownConfig bounds each teardown step.
type ShutdownConfig struct {
	StepTimeout   string `json:"step_timeout,omitempty"`   // default: "10s"
	CancelTimeout string `json:"cancel_timeout,omitempty"` // background task wait, default: "5s"
}

type StatusConfig struct {
	Interval string `json:"interval,omitempty"` // default: "5m"
}

// StorageConfig selects the state store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./validatord.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TelemetryConfig points at a Prometheus pushgateway. An empty PushURL
// disables pushing; /metrics is always served.
type TelemetryConfig struct {
	PushURL  string `json:"push_url,omitempty"`
	Job      string `json:"job,omitempty"`
	Instance string `json:"instance,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// FeedbackConfig controls where score feedback is delivered. Without an
// endpoint feedback is only logged.
type FeedbackConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Token    string `json:"token,omitempty"` // bearer token (do not log)
	Timeout  string `json:"timeout,omitempty"`
}

type ValidatorConfig struct {
	SyncInterval string  `json:"sync_interval,omitempty"` // main loop cadence, default "30s"
	ScoreAlpha   float64 `json:"score_alpha,omitempty"`   // EMA weight of new rewards, default 0.1
	MaxMiners    int     `json:"max_miners,omitempty"`
}

// PprofConfig enables the profiling listener. Keep Addr on loopback unless
// Token is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
