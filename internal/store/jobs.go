package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leftbrainit/supasaasy/internal/connector"
)

// Status is the job/task state lattice.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusRunning            Status = "running"
	StatusSucceeded          Status = "succeeded"
	StatusFailed             Status = "failed"
	StatusPartiallySucceeded Status = "partially_succeeded"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartiallySucceeded:
		return true
	}
	return false
}

// SyncMode selects full or incremental semantics.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Job is one requested sync run across resource types.
type Job struct {
	ID            string             `json:"job_id"`
	AppKey        string             `json:"app_key"`
	Mode          SyncMode           `json:"mode"`
	ResourceTypes []string           `json:"resource_types"`
	Status        Status             `json:"status"`
	Counters      connector.Counters `json:"counters"`
	ErrorMessages []string           `json:"error_messages,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

// Task is the per-resource unit of a job.
type Task struct {
	ID           string             `json:"task_id"`
	JobID        string             `json:"job_id"`
	ResourceType string             `json:"resource_type"`
	Status       Status             `json:"status"`
	Counters     connector.Counters `json:"counters"`
	Error        string             `json:"error,omitempty"`
	Cursor       string             `json:"cursor,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

// Jobs persists sync jobs and their per-resource tasks. Job and task rows
// are exclusively owned here.
type Jobs struct {
	DB *pgxpool.Pool
}

// NewJobs creates the job store.
func NewJobs(db *pgxpool.Pool) *Jobs {
	return &Jobs{DB: db}
}

// CreateJob inserts a queued job with one queued task per resource type,
// atomically.
func (s *Jobs) CreateJob(ctx context.Context, appKey string, mode SyncMode, resourceTypes []string) (*Job, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	defer tx.Rollback(ctx)

	job := &Job{
		ID:            uuid.New().String(),
		AppKey:        appKey,
		Mode:          mode,
		ResourceTypes: resourceTypes,
		Status:        StatusQueued,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO supasaasy.sync_jobs (id, app_key, mode, resource_types, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, job.ID, job.AppKey, job.Mode, job.ResourceTypes, job.Status).Scan(&job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	for _, rt := range resourceTypes {
		if err := s.addTask(ctx, tx, job.ID, rt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create job: commit: %w", err)
	}
	return job, nil
}

// AddTask appends a queued task to an existing job.
func (s *Jobs) AddTask(ctx context.Context, jobID, resourceType string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.addTask(ctx, tx, jobID, resourceType); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Jobs) addTask(ctx context.Context, tx pgx.Tx, jobID, resourceType string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO supasaasy.sync_job_tasks (id, job_id, resource_type, status)
		VALUES ($1, $2, $3, $4)
	`, uuid.New().String(), jobID, resourceType, StatusQueued)
	if err != nil {
		return fmt.Errorf("add task for %s: %w", resourceType, err)
	}
	return nil
}

// MarkJobRunning transitions a queued job to running and stamps started_at.
// Idempotent for already-running jobs.
func (s *Jobs) MarkJobRunning(ctx context.Context, jobID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE supasaasy.sync_jobs
		SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ($3, $2)
	`, jobID, StatusRunning, StatusQueued)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

// MarkTaskRunning transitions a task to running.
func (s *Jobs) MarkTaskRunning(ctx context.Context, taskID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE supasaasy.sync_job_tasks
		SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1
	`, taskID, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return nil
}

// CompleteTask records counters and the terminal status for one task.
func (s *Jobs) CompleteTask(ctx context.Context, taskID string, counters connector.Counters, taskErr string) error {
	status := StatusSucceeded
	if taskErr != "" {
		status = StatusFailed
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE supasaasy.sync_job_tasks
		SET status = $2, created_count = $3, updated_count = $4,
		    deleted_count = $5, error_count = $6, error = NULLIF($7, ''),
		    finished_at = NOW()
		WHERE id = $1
	`, taskID, status, counters.Created, counters.Updated, counters.Deleted, counters.Errors, taskErr)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// RequeueTask returns a running task to the queue with a pagination
// checkpoint so the next worker invocation resumes it.
func (s *Jobs) RequeueTask(ctx context.Context, taskID, cursor string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE supasaasy.sync_job_tasks
		SET status = $2, cursor = NULLIF($3, '')
		WHERE id = $1
	`, taskID, StatusQueued, cursor)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// UpdateTaskCursor persists a pagination checkpoint so an interrupted task
// resumes instead of restarting.
func (s *Jobs) UpdateTaskCursor(ctx context.Context, taskID, cursor string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE supasaasy.sync_job_tasks SET cursor = $2 WHERE id = $1
	`, taskID, cursor)
	if err != nil {
		return fmt.Errorf("update task cursor: %w", err)
	}
	return nil
}

// DeriveJobStatus rolls task counters up and derives the job's terminal
// status: failed iff every task failed; succeeded iff every task succeeded;
// otherwise partially_succeeded.
func DeriveJobStatus(tasks []Task) (Status, connector.Counters, []string) {
	var counters connector.Counters
	var errMsgs []string
	succeeded, failed := 0, 0
	for _, t := range tasks {
		counters.Add(t.Counters)
		switch t.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		}
		if t.Error != "" {
			errMsgs = append(errMsgs, fmt.Sprintf("%s: %s", t.ResourceType, t.Error))
		}
	}

	status := StatusPartiallySucceeded
	switch {
	case len(tasks) > 0 && succeeded == len(tasks):
		status = StatusSucceeded
	case len(tasks) > 0 && failed == len(tasks):
		status = StatusFailed
	}
	return status, counters, errMsgs
}

// CompleteJob derives the job's terminal status from its tasks and rolls the
// task counters up.
func (s *Jobs) CompleteJob(ctx context.Context, jobID string) (*Job, error) {
	tasks, err := s.GetTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status, counters, errMsgs := DeriveJobStatus(tasks)

	_, err = s.DB.Exec(ctx, `
		UPDATE supasaasy.sync_jobs
		SET status = $2, created_count = $3, updated_count = $4,
		    deleted_count = $5, error_count = $6, error_messages = $7,
		    finished_at = NOW()
		WHERE id = $1
	`, jobID, status, counters.Created, counters.Updated, counters.Deleted, counters.Errors, errMsgs)
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

// GetJob loads one job.
func (s *Jobs) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	err := s.DB.QueryRow(ctx, `
		SELECT id, app_key, mode, resource_types, status,
		       created_count, updated_count, deleted_count, error_count,
		       COALESCE(error_messages, '{}'), created_at, started_at, finished_at
		FROM supasaasy.sync_jobs WHERE id = $1
	`, jobID).Scan(&j.ID, &j.AppKey, &j.Mode, &j.ResourceTypes, &j.Status,
		&j.Counters.Created, &j.Counters.Updated, &j.Counters.Deleted, &j.Counters.Errors,
		&j.ErrorMessages, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// GetTasks loads a job's tasks in creation order.
func (s *Jobs) GetTasks(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, job_id, resource_type, status,
		       created_count, updated_count, deleted_count, error_count,
		       COALESCE(error, ''), COALESCE(cursor, ''), created_at, started_at, finished_at
		FROM supasaasy.sync_job_tasks
		WHERE job_id = $1
		ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.JobID, &t.ResourceType, &t.Status,
			&t.Counters.Created, &t.Counters.Updated, &t.Counters.Deleted, &t.Counters.Errors,
			&t.Error, &t.Cursor, &t.CreatedAt, &t.StartedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("get tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextQueuedTask pops the oldest queued task together with its job, or
// returns nil when the queue is empty. FOR UPDATE SKIP LOCKED keeps
// concurrent workers off the same task.
func (s *Jobs) NextQueuedTask(ctx context.Context) (*Task, *Job, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("next queued task: %w", err)
	}
	defer tx.Rollback(ctx)

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT id, job_id, resource_type, status, COALESCE(cursor, ''), created_at
		FROM supasaasy.sync_job_tasks
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, StatusQueued).Scan(&t.ID, &t.JobID, &t.ResourceType, &t.Status, &t.Cursor, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("next queued task: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE supasaasy.sync_job_tasks
		SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1
	`, t.ID, StatusRunning)
	if err != nil {
		return nil, nil, fmt.Errorf("next queued task: claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("next queued task: commit: %w", err)
	}
	t.Status = StatusRunning

	job, err := s.GetJob(ctx, t.JobID)
	if err != nil {
		return nil, nil, err
	}
	return &t, job, nil
}
