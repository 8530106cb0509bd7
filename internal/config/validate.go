package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate checks field ranges and every duration string. It does not
// check that job names or schedules exist; the app does that when it
// builds the scheduler.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be >= 0"))
	}
	dur("server.read_header_timeout", c.Server.ReadHeaderTimeout)
	dur("server.idle_timeout", c.Server.IdleTimeout)
	dur("server.shutdown_timeout", c.Server.ShutdownTimeout)

	dur("scheduler.tick_resolution", c.Scheduler.TickResolution)
	dur("scheduler.default_misfire_grace", c.Scheduler.DefaultMisfireGrace)
	dur("scheduler.skip_alert_interval", c.Scheduler.SkipAlertInterval)
	if c.Scheduler.DefaultMaxInstances < 0 {
		errs = append(errs, fmt.Errorf("scheduler.default_max_instances must be >= 0"))
	}

	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		j := c.Jobs[name]
		if j.MaxInstances < 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.max_instances must be >= 0", name))
		}
		dur("jobs."+name+".misfire_grace", j.MisfireGrace)
		dur("jobs."+name+".timeout", j.Timeout)
	}

	dur("shutdown.step_timeout", c.Shutdown.StepTimeout)
	dur("shutdown.cancel_timeout", c.Shutdown.CancelTimeout)
	dur("status.interval", c.Status.Interval)
	dur("telemetry.timeout", c.Telemetry.Timeout)
	dur("feedback.timeout", c.Feedback.Timeout)
	dur("validator.sync_interval", c.Validator.SyncInterval)
	if a := c.Validator.ScoreAlpha; a < 0 || a > 1 {
		errs = append(errs, fmt.Errorf("validator.score_alpha: %v not in [0,1]", a))
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "file", "sqlite", "memory", "none":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
		}
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
	}

	return errors.Join(errs...)
}
