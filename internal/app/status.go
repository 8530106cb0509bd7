package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"validatord/internal/config"
	"validatord/internal/runtime/lifecycle"
	"validatord/internal/server"
	logx "validatord/pkg/logx"
)

func (a *App) statusLoop(ctx context.Context) error {
	t := time.NewTicker(a.set.statusInterval)
	defer t.Stop()
	a.reportStatus()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.reportStatus()
		}
	}
}

// reportStatus logs one operational summary and mirrors it to the
// service manager's STATUS= line.
func (a *App) reportStatus() {
	sched := a.sched.Snapshot()
	tasks := a.sup.Counters()
	var runs, failures, skips uint64
	for _, j := range sched.Jobs {
		runs += j.Runs
		failures += j.Failures
		skips += j.Skips
	}
	a.log.Info("status",
		logx.String("state", a.machine.State().String()),
		logx.Int("jobs", len(sched.Jobs)),
		logx.Int("jobs_in_flight", sched.InFlight),
		logx.Uint64("job_runs", runs),
		logx.Uint64("job_failures", failures),
		logx.Uint64("job_skips", skips),
		logx.Int64("tasks_active", tasks.Active),
		logx.Any("service", a.svc.Status()),
	)
	line := fmt.Sprintf("jobs=%d in_flight=%d runs=%d failures=%d tasks=%d", len(sched.Jobs), sched.InFlight, runs, failures, tasks.Active)
	if err := a.notifier.Notify(lifecycle.StatusLine(line)); err != nil {
		a.log.Debug("status notify failed", logx.Err(err))
	}
}

// reloadLoop applies logging changes live and reports every other
// changed section as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	last := a.cfgm.Get()
	if last == nil {
		last = a.cfg
	}
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-sub:
			if !ok {
				return nil
			}
			next = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}

		changed, attrs := config.SummarizeChange(last, next)
		last = next
		if len(changed) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		if a.logs != nil {
			a.logs.Apply(mapLogging(next))
		}
		fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
		if pending := config.NeedsRestart(changed); len(pending) > 0 {
			a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", pending))
		}
	}
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

// routes mounts the service's handlers plus coordinator introspection.
func (a *App) routes(r chi.Router) {
	if m, ok := a.svc.(interface{ Mount(chi.Router) }); ok {
		m.Mount(r)
	}
	r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		server.WriteJSON(w, http.StatusOK, a.sched.Snapshot())
	})
	r.Get("/tasks", func(w http.ResponseWriter, _ *http.Request) {
		server.WriteJSON(w, http.StatusOK, a.sup.Snapshot())
	})
	r.Get("/lifecycle", func(w http.ResponseWriter, _ *http.Request) {
		hist := a.machine.History()
		out := make([]map[string]any, 0, len(hist))
		for _, tr := range hist {
			out = append(out, map[string]any{"from": tr.From.String(), "to": tr.To.String(), "at": tr.At})
		}
		server.WriteJSON(w, http.StatusOK, map[string]any{"state": a.machine.State().String(), "history": out})
	})
}
