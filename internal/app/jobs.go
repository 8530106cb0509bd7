package app

import (
	"time"

	"validatord/internal/config"
	"validatord/internal/task/scheduler"
	"validatord/internal/validator"
	logx "validatord/pkg/logx"
)

// Built-in job names; also the keys accepted under "jobs" in the config.
const (
	JobSendFeedback           = "send_feedback"
	JobClassificationAccuracy = "classification_accuracy"
	JobResetAccuracy          = "reset_accuracy"
)

func validatorJobs(v *validator.Service, loc *time.Location) []scheduler.Job {
	return []scheduler.Job{
		{Name: JobSendFeedback, Trigger: scheduler.EveryHours(1), Run: v.UpdateScoreAndSendFeedback},
		{Name: JobClassificationAccuracy, Trigger: scheduler.EveryMinutes(30), Run: v.CalculateClassificationAccuracy},
		{Name: JobResetAccuracy, Trigger: scheduler.DailyAligned(24, loc), Run: v.ResetAccuracy},
	}
}

// registerJobs registers jobs with their config overrides applied.
// Overrides for unknown job names are reported and ignored.
func registerJobs(s *scheduler.Scheduler, jobs []scheduler.Job, overrides map[string]config.JobConfig, log logx.Logger) error {
	known := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		known[job.Name] = true
		job, enabled, err := jobPolicy(job, overrides[job.Name], s.Location())
		if err != nil {
			return err
		}
		if !enabled {
			log.Info("job disabled by config", logx.String("job", job.Name))
			continue
		}
		if err := s.Register(job); err != nil {
			return err
		}
	}
	for name := range overrides {
		if !known[name] {
			log.Warn("config override for unknown job ignored", logx.String("job", name))
		}
	}
	return nil
}
