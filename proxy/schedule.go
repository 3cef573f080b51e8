package proxy

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SuspendScheduler forces suspension of an application's container group on
// a cron schedule, independent of the activity clock. Useful for nightly
// shutdown windows on machines that also sleep.
type SuspendScheduler struct {
	cron *cron.Cron
}

// NewSuspendScheduler builds a scheduler over every application that
// declares a SuspendSchedule. Returns nil when none do.
func NewSuspendScheduler(ctx context.Context, apps []*App) (*SuspendScheduler, error) {
	c := cron.New()
	registered := 0
	for _, app := range apps {
		if app.cfg.SuspendSchedule == "" {
			continue
		}
		app := app
		_, err := c.AddFunc(app.cfg.SuspendSchedule, func() {
			slog.Info("scheduled suspension", "app", app.cfg.Name())
			app.controller.Suspend(ctx)
		})
		if err != nil {
			return nil, err
		}
		registered++
	}
	if registered == 0 {
		return nil, nil
	}
	return &SuspendScheduler{cron: c}, nil
}

// Start begins firing schedules; Stop waits for any in-flight job.
func (s *SuspendScheduler) Start() { s.cron.Start() }

func (s *SuspendScheduler) Stop() {
	<-s.cron.Stop().Done()
}
