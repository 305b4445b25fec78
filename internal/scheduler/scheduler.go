// Package scheduler turns configured sync_schedules into periodic
// incremental sync jobs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/store"
)

// JobCreator enqueues durable sync jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, appKey string, mode store.SyncMode, resourceTypes []string) (*store.Job, error)
}

// Scheduler owns the cron runner. Each enabled schedule entry targets one
// app and enqueues an incremental job; the worker drains them.
type Scheduler struct {
	Jobs     JobCreator
	Config   *config.Config
	Registry *connector.Registry

	cron *cron.Cron
}

// New creates a stopped scheduler.
func New(jobs JobCreator, cfg *config.Config, registry *connector.Registry) *Scheduler {
	return &Scheduler{
		Jobs:     jobs,
		Config:   cfg,
		Registry: registry,
		cron:     cron.New(),
	}
}

// Start registers every enabled schedule (standard five-field expressions)
// and begins firing.
func (s *Scheduler) Start() error {
	for _, sched := range s.Config.SyncSchedules {
		if !sched.Enabled {
			continue
		}
		appKey := sched.AppKey
		if _, err := s.cron.AddFunc(sched.Cron, func() { s.enqueue(appKey) }); err != nil {
			return fmt.Errorf("schedule for %s: invalid cron %q: %w", appKey, sched.Cron, err)
		}
		log.Info().Str("app_key", appKey).Str("cron", sched.Cron).Msg("sync_schedule_registered")
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight enqueues.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) enqueue(appKey string) {
	ctx := context.Background()

	app, ok := s.Config.App(appKey)
	if !ok {
		log.Error().Str("app_key", appKey).Msg("scheduled_sync_unknown_app")
		return
	}
	conn, err := s.Registry.ForApp(app)
	if err != nil {
		log.Error().Err(err).Str("app_key", appKey).Msg("scheduled_sync_unknown_connector")
		return
	}

	resourceTypes := app.Config.SyncResources
	if len(resourceTypes) == 0 {
		resourceTypes = conn.Metadata().ResourceTypes()
	}

	job, err := s.Jobs.CreateJob(ctx, appKey, store.ModeIncremental, resourceTypes)
	if err != nil {
		log.Error().Err(err).Str("app_key", appKey).Msg("scheduled_sync_enqueue_failed")
		return
	}
	log.Info().Str("app_key", appKey).Str("job_id", job.ID).Msg("scheduled_sync_enqueued")
}
