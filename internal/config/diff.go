package config

import (
	"reflect"

	logx "validatord/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange lists the top-level sections that differ and a few safe
// fields for logging. Secrets (feedback token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
	)
	section("server", oldCfg.Server, newCfg.Server,
		logx.Int("server.port", newCfg.Server.Port),
	)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler)
	section("jobs", oldCfg.Jobs, newCfg.Jobs, logx.Int("jobs.overrides", len(newCfg.Jobs)))
	section("shutdown", oldCfg.Shutdown, newCfg.Shutdown)
	section("status", oldCfg.Status, newCfg.Status)
	section("storage", oldCfg.Storage, newCfg.Storage)
	section("telemetry", oldCfg.Telemetry, newCfg.Telemetry,
		logx.Bool("telemetry.push", newCfg.Telemetry.PushURL != ""),
	)
	section("feedback", oldCfg.Feedback, newCfg.Feedback,
		logx.Bool("feedback.endpoint_set", newCfg.Feedback.Endpoint != ""),
	)
	section("validator", oldCfg.Validator, newCfg.Validator)
	section("pprof", oldCfg.Pprof, newCfg.Pprof, logx.Bool("pprof.enabled", newCfg.Pprof.Enabled))
	return changed, attrs
}

// NeedsRestart returns the changed sections that are not applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
