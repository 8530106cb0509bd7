package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"validatord/internal/runtime/lifecycle"
	"validatord/internal/runtime/supervisor"
	"validatord/internal/task/scheduler"
	"validatord/internal/telemetry"
	logx "validatord/pkg/logx"
)

// Shutdown step names, in execution order.
const (
	stepScheduler      = "scheduler.stop"
	stepRequestExit    = "service.request_exit"
	stepSaveState      = "service.save_state"
	stepTelemetryFlush = "telemetry.flush"
	stepTelemetryClose = "telemetry.close"
	stepCancelTasks    = "tasks.cancel"
	stepStorage        = "storage.close"
)

type shutdownStep struct {
	name    string
	timeout time.Duration
	fn      func(context.Context) error
	// soft errors are logged but do not fail the shutdown.
	soft []error
}

// shutdown runs the teardown in strict order. Every step runs even when an
// earlier one failed.
func (a *App) shutdown(reason lifecycle.StopReason, cause error) error {
	start := time.Now()
	a.exiting.Store(true)
	_ = a.machine.To(lifecycle.ShuttingDown)
	a.log.Info("shutting down", logx.String("reason", string(reason)), logx.Err(cause))

	steps := []shutdownStep{
		{name: stepScheduler, timeout: a.set.stepTimeout, fn: a.sched.Stop, soft: []error{scheduler.ErrStopTimeout}},
		{name: stepRequestExit, timeout: a.set.stepTimeout, fn: func(context.Context) error {
			a.svc.RequestExit()
			return nil
		}},
		{name: stepSaveState, timeout: a.set.stepTimeout, fn: a.svc.SaveState},
		{name: stepTelemetryFlush, timeout: a.set.stepTimeout, fn: a.tel.Flush},
		{name: stepTelemetryClose, timeout: a.set.stepTimeout, fn: func(context.Context) error { return a.tel.Close() }},
		{name: stepCancelTasks, timeout: a.set.cancelTimeout, fn: a.sup.CancelAll, soft: []error{supervisor.ErrWaitTimeout}},
		{name: stepStorage, timeout: a.set.stepTimeout, fn: func(context.Context) error { return a.store.Close() }},
	}

	var failed []string
	var errs []error
	for _, st := range steps {
		if err := a.step(st); err != nil {
			telemetry.ShutdownStepFailures.WithLabelValues(st.name).Inc()
			failed = append(failed, st.name)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
	}

	_ = a.machine.To(lifecycle.Stopped)
	a.log.Info("stopped",
		logx.String("reason", string(reason)),
		logx.Strings("failed_steps", failed),
		logx.Duration("took", time.Since(start)),
	)
	a.closeLogs()

	if cause == nil && len(failed) == 0 {
		return nil
	}
	return &ShutdownError{Cause: cause, Failed: failed, Errs: errs}
}

// step runs one teardown step bounded by its timeout. A step that ignores
// its context is abandoned at the deadline and reported as failed; its
// eventual completion is still logged.
func (a *App) step(st shutdownStep) error {
	start := time.Now()
	log := a.log.With(logx.String("step", st.name))
	log.Debug("shutdown step begin", logx.Duration("max", st.timeout))

	ctx, cancel := context.WithTimeout(context.Background(), st.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in shutdown step %s: %v", st.name, r)
			}
		}()
		done <- st.fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			late := <-done
			log.Warn("shutdown step finished after deadline", logx.Err(late), logx.Duration("took", time.Since(start)))
		}()
	}

	took := time.Since(start)
	if err == nil {
		log.Debug("shutdown step end", logx.Duration("took", took))
		return nil
	}
	for _, s := range st.soft {
		if errors.Is(err, s) {
			log.Warn("shutdown step incomplete", logx.Err(err), logx.Duration("took", took))
			return nil
		}
	}
	log.Error("shutdown step failed", logx.Err(err), logx.Duration("took", took))
	return err
}
