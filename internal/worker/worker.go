// Package worker drains queued sync tasks. Within one job tasks run
// sequentially per invocation; multiple workers may drain different jobs
// concurrently, guarded by the queue's row locking.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/metrics"
	"github.com/leftbrainit/supasaasy/internal/store"
)

// TaskQueue is the job-store surface the worker drains.
type TaskQueue interface {
	NextQueuedTask(ctx context.Context) (*store.Task, *store.Job, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	CompleteTask(ctx context.Context, taskID string, counters connector.Counters, taskErr string) error
	RequeueTask(ctx context.Context, taskID, cursor string) error
	GetTasks(ctx context.Context, jobID string) ([]store.Task, error)
	CompleteJob(ctx context.Context, jobID string) (*store.Job, error)
}

// SyncRunner executes one per-resource sync.
type SyncRunner interface {
	RunResource(ctx context.Context, app *config.AppConfig, resourceType string, mode store.SyncMode, opts connector.SyncOptions) (*connector.SyncResult, error)
}

// Worker consumes queued tasks under a soft per-invocation wall clock.
type Worker struct {
	Queue  TaskQueue
	Runner SyncRunner
	Config *config.Config

	// Budget is the soft wall clock for one RunOnce invocation.
	Budget time.Duration

	// PollInterval paces the Run loop when the queue is empty.
	PollInterval time.Duration
}

const (
	defaultBudget       = 10 * time.Minute
	defaultPollInterval = 5 * time.Second
)

// Run drains the queue until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker_invocation_failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains queued tasks in FIFO order until the queue is empty or the
// wall-clock budget expires. Tasks interrupted by the budget are requeued
// with their cursor checkpoint; re-running is safe because all writes
// funnel through the unique-triple upsert.
func (w *Worker) RunOnce(ctx context.Context) error {
	budget := w.Budget
	if budget == 0 {
		budget = defaultBudget
	}
	deadline := time.Now().Add(budget)

	for {
		if time.Now().After(deadline) {
			log.Info().Msg("worker_budget_exhausted")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, job, err := w.Queue.NextQueuedTask(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}

		if err := w.Queue.MarkJobRunning(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("mark_job_running_failed")
		}

		w.runTask(ctx, deadline, task, job)

		if err := w.maybeCompleteJob(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("job_completion_failed")
		}
	}
}

func (w *Worker) runTask(ctx context.Context, deadline time.Time, task *store.Task, job *store.Job) {
	logger := log.With().
		Str("job_id", job.ID).
		Str("task_id", task.ID).
		Str("app_key", job.AppKey).
		Str("resource_type", task.ResourceType).
		Logger()
	logger.Info().Str("mode", string(job.Mode)).Msg("sync_task_started")

	app, ok := w.Config.App(job.AppKey)
	if !ok {
		w.completeTask(ctx, task.ID, connector.Counters{Errors: 1}, "app is no longer configured: "+job.AppKey)
		return
	}

	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	opts := connector.SyncOptions{Cursor: task.Cursor}
	res, err := w.Runner.RunResource(taskCtx, app, task.ResourceType, job.Mode, opts)
	// Connectors report list failures inside the result, so a budget expiry
	// mid-pagination can also surface as an unsuccessful run on an expired
	// task context.
	budgetExpired := errors.Is(err, context.DeadlineExceeded) ||
		(errors.Is(taskCtx.Err(), context.DeadlineExceeded) && (err != nil || !res.Success))
	switch {
	case budgetExpired:
		// Budget expired mid-pagination; resume from the last checkpoint.
		if qerr := w.Queue.RequeueTask(ctx, task.ID, task.Cursor); qerr != nil {
			logger.Error().Err(qerr).Msg("task_requeue_failed")
		}
		logger.Info().Msg("sync_task_requeued")
	case err != nil:
		w.completeTask(ctx, task.ID, connector.Counters{Errors: 1}, err.Error())
		logger.Warn().Err(err).Msg("sync_task_failed")
	case res.HasMore && res.NextCursor != "":
		// Listing stopped early; checkpoint and hand the rest to the next
		// invocation.
		if qerr := w.Queue.RequeueTask(ctx, task.ID, res.NextCursor); qerr != nil {
			logger.Error().Err(qerr).Msg("task_requeue_failed")
		}
		logger.Info().Str("cursor", res.NextCursor).Msg("sync_task_checkpointed")
	default:
		taskErr := ""
		if !res.Success {
			taskErr = strings.Join(res.ErrorMessages, "; ")
		}
		w.completeTask(ctx, task.ID, res.Counters, taskErr)
		metrics.ObserveSync(job.AppKey, task.ResourceType,
			res.Counters.Created, res.Counters.Updated, res.Counters.Deleted, res.Counters.Errors,
			time.Duration(res.DurationMs)*time.Millisecond)
		logger.Info().
			Int("created", res.Counters.Created).
			Int("updated", res.Counters.Updated).
			Int("deleted", res.Counters.Deleted).
			Int("errors", res.Counters.Errors).
			Msg("sync_task_completed")
	}
}

func (w *Worker) completeTask(ctx context.Context, taskID string, counters connector.Counters, taskErr string) {
	if err := w.Queue.CompleteTask(ctx, taskID, counters, taskErr); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("task_completion_write_failed")
		return
	}
	status := string(store.StatusSucceeded)
	if taskErr != "" {
		status = string(store.StatusFailed)
	}
	metrics.ObserveTask(status)
}

// maybeCompleteJob derives the job status once every task is terminal.
func (w *Worker) maybeCompleteJob(ctx context.Context, jobID string) error {
	tasks, err := w.Queue.GetTasks(ctx, jobID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return nil
		}
	}
	job, err := w.Queue.CompleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	log.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("created", job.Counters.Created).
		Int("updated", job.Counters.Updated).
		Int("deleted", job.Counters.Deleted).
		Int("errors", job.Counters.Errors).
		Msg("sync_job_completed")
	return nil
}
