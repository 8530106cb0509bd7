package app

import (
	"fmt"
	"strings"
	"time"

	"validatord/internal/config"
	"validatord/internal/feedback"
	"validatord/internal/observability/pprof"
	"validatord/internal/server"
	"validatord/internal/storage"
	"validatord/internal/task/scheduler"
	"validatord/internal/telemetry"
	"validatord/internal/validator"
	logx "validatord/pkg/logx"
)

const (
	defaultStepTimeout    = 10 * time.Second
	defaultCancelTimeout  = 5 * time.Second
	defaultStatusInterval = 5 * time.Minute
)

// settings is the parsed, defaulted view of config.Config used at startup.
type settings struct {
	logging   logx.Config
	server    server.Config
	scheduler scheduler.Config
	storage   storage.Config
	telemetry telemetry.SessionConfig
	feedback  feedback.Config
	validator validator.Config
	pprof     pprof.Config

	stepTimeout    time.Duration
	cancelTimeout  time.Duration
	statusInterval time.Duration
}

func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return settings{}, err
	}
	var s settings
	var err error
	d := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return def
		}
		var v time.Duration
		v, err = config.ParseDurationOrDefault(path, raw, def)
		return v
	}

	s.logging = mapLogging(cfg)
	s.server = server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		ReadHeaderTimeout: d("server.read_header_timeout", cfg.Server.ReadHeaderTimeout, 0),
		IdleTimeout:       d("server.idle_timeout", cfg.Server.IdleTimeout, 0),
		ShutdownTimeout:   d("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 0),
	}
	if s.server.Port == 0 {
		s.server.Port = server.DefaultPort
	}
	s.scheduler = scheduler.Config{
		TickResolution:      d("scheduler.tick_resolution", cfg.Scheduler.TickResolution, 0),
		Timezone:            cfg.Scheduler.Timezone,
		DefaultMaxInstances: cfg.Scheduler.DefaultMaxInstances,
		DefaultMisfireGrace: d("scheduler.default_misfire_grace", cfg.Scheduler.DefaultMisfireGrace, 0),
		SkipAlertThreshold:  cfg.Scheduler.SkipAlertThreshold,
		SkipAlertInterval:   d("scheduler.skip_alert_interval", cfg.Scheduler.SkipAlertInterval, 0),
	}
	s.storage = mapStorage(cfg.Storage, d)
	s.telemetry = telemetry.SessionConfig{
		PushURL:  cfg.Telemetry.PushURL,
		Job:      cfg.Telemetry.Job,
		Instance: cfg.Telemetry.Instance,
		Timeout:  d("telemetry.timeout", cfg.Telemetry.Timeout, 0),
	}
	s.feedback = feedback.Config{
		Endpoint: cfg.Feedback.Endpoint,
		Token:    cfg.Feedback.Token,
		Timeout:  d("feedback.timeout", cfg.Feedback.Timeout, 0),
	}
	s.validator = validator.Config{
		SyncInterval: d("validator.sync_interval", cfg.Validator.SyncInterval, 0),
		ScoreAlpha:   cfg.Validator.ScoreAlpha,
		MaxMiners:    cfg.Validator.MaxMiners,
	}
	s.pprof = pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
	s.stepTimeout = d("shutdown.step_timeout", cfg.Shutdown.StepTimeout, defaultStepTimeout)
	s.cancelTimeout = d("shutdown.cancel_timeout", cfg.Shutdown.CancelTimeout, defaultCancelTimeout)
	s.statusInterval = d("status.interval", cfg.Status.Interval, defaultStatusInterval)
	if err != nil {
		return settings{}, err
	}
	return s, nil
}

func mapStorage(sc *config.StorageConfig, d func(path, raw string, def time.Duration) time.Duration) storage.Config {
	if sc == nil {
		return storage.Config{Driver: "file", Path: storage.DefaultPath}
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			path = storage.DefaultPath + ".db"
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: d("storage.busy_timeout", sc.BusyTimeout, time.Second)}
	case "memory", "none":
		return storage.Config{Driver: driver}
	default:
		return storage.Config{Driver: "file", Path: path}
	}
}

// jobPolicy applies a jobs.<name> override on top of a built-in job. The
// bool result is false when the override disables the job.
func jobPolicy(job scheduler.Job, jc config.JobConfig, loc *time.Location) (scheduler.Job, bool, error) {
	if jc.Enabled != nil && !*jc.Enabled {
		return job, false, nil
	}
	if strings.TrimSpace(jc.Schedule) != "" {
		pt, err := scheduler.ParseTrigger(jc.Schedule, loc)
		if err != nil {
			return job, false, fmt.Errorf("jobs.%s.schedule: %w", job.Name, err)
		}
		job.Trigger = pt.Trigger
	}
	if jc.MaxInstances > 0 {
		job.MaxInstances = jc.MaxInstances
	}
	var err error
	if job.MisfireGrace, err = config.ParseDurationOrDefault("jobs."+job.Name+".misfire_grace", jc.MisfireGrace, job.MisfireGrace); err != nil {
		return job, false, err
	}
	if job.Timeout, err = config.ParseDurationOrDefault("jobs."+job.Name+".timeout", jc.Timeout, job.Timeout); err != nil {
		return job, false, err
	}
	return job, true, nil
}
