package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/metrics"
	"github.com/leftbrainit/supasaasy/internal/store"
)

type memQueue struct {
	jobs  map[string]*store.Job
	tasks []*store.Task
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[string]*store.Job)}
}

func (q *memQueue) addJob(appKey string, mode store.SyncMode, resourceTypes ...string) *store.Job {
	job := &store.Job{
		ID:            fmt.Sprintf("job-%d", len(q.jobs)+1),
		AppKey:        appKey,
		Mode:          mode,
		ResourceTypes: resourceTypes,
		Status:        store.StatusQueued,
	}
	q.jobs[job.ID] = job
	for i, rt := range resourceTypes {
		q.tasks = append(q.tasks, &store.Task{
			ID:           fmt.Sprintf("%s-task-%d", job.ID, i),
			JobID:        job.ID,
			ResourceType: rt,
			Status:       store.StatusQueued,
		})
	}
	return job
}

func (q *memQueue) NextQueuedTask(ctx context.Context) (*store.Task, *store.Job, error) {
	for _, t := range q.tasks {
		if t.Status == store.StatusQueued {
			t.Status = store.StatusRunning
			copied := *t
			return &copied, q.jobs[t.JobID], nil
		}
	}
	return nil, nil, nil
}

func (q *memQueue) MarkJobRunning(ctx context.Context, jobID string) error {
	if job := q.jobs[jobID]; job.Status == store.StatusQueued {
		job.Status = store.StatusRunning
	}
	return nil
}

func (q *memQueue) CompleteTask(ctx context.Context, taskID string, counters connector.Counters, taskErr string) error {
	for _, t := range q.tasks {
		if t.ID == taskID {
			t.Counters = counters
			t.Error = taskErr
			t.Status = store.StatusSucceeded
			if taskErr != "" {
				t.Status = store.StatusFailed
			}
		}
	}
	return nil
}

func (q *memQueue) RequeueTask(ctx context.Context, taskID, cursor string) error {
	for _, t := range q.tasks {
		if t.ID == taskID {
			t.Status = store.StatusQueued
			t.Cursor = cursor
		}
	}
	return nil
}

func (q *memQueue) GetTasks(ctx context.Context, jobID string) ([]store.Task, error) {
	var out []store.Task
	for _, t := range q.tasks {
		if t.JobID == jobID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (q *memQueue) CompleteJob(ctx context.Context, jobID string) (*store.Job, error) {
	tasks, _ := q.GetTasks(ctx, jobID)
	status, counters, errMsgs := store.DeriveJobStatus(tasks)
	job := q.jobs[jobID]
	job.Status = status
	job.Counters = counters
	job.ErrorMessages = errMsgs
	return job, nil
}

type scriptedRunner struct {
	results map[string][]*connector.SyncResult
	errs    map[string]error
	cursors []string
}

func (r *scriptedRunner) RunResource(ctx context.Context, app *config.AppConfig, resourceType string, mode store.SyncMode, opts connector.SyncOptions) (*connector.SyncResult, error) {
	r.cursors = append(r.cursors, opts.Cursor)
	if err := r.errs[resourceType]; err != nil {
		return nil, err
	}
	queue := r.results[resourceType]
	if len(queue) == 0 {
		return &connector.SyncResult{Success: true}, nil
	}
	res := queue[0]
	r.results[resourceType] = queue[1:]
	return res, nil
}

func testConfig() *config.Config {
	return &config.Config{Apps: []config.AppConfig{{
		AppKey:    "acme",
		Name:      "Acme",
		Connector: "stripe",
	}}}
}

func newWorker(q *memQueue, r *scriptedRunner) *Worker {
	metrics.Reset()
	return &Worker{Queue: q, Runner: r, Config: testConfig(), Budget: time.Minute}
}

func TestRunOnce_DrainsTasksAndDerivesJobStatus(t *testing.T) {
	q := newMemQueue()
	job := q.addJob("acme", store.ModeFull, "customer", "invoice")

	r := &scriptedRunner{results: map[string][]*connector.SyncResult{
		"customer": {{Success: true, Counters: connector.Counters{Created: 3}}},
		"invoice":  {{Success: true, Counters: connector.Counters{Updated: 2}}},
	}}

	require.NoError(t, newWorker(q, r).RunOnce(context.Background()))

	assert.Equal(t, store.StatusSucceeded, q.jobs[job.ID].Status)
	assert.Equal(t, 3, q.jobs[job.ID].Counters.Created)
	assert.Equal(t, 2, q.jobs[job.ID].Counters.Updated)
}

func TestRunOnce_PartialFailure(t *testing.T) {
	q := newMemQueue()
	job := q.addJob("acme", store.ModeIncremental, "customer", "invoice")

	r := &scriptedRunner{
		results: map[string][]*connector.SyncResult{
			"customer": {{Success: true, Counters: connector.Counters{Created: 1}}},
		},
		errs: map[string]error{"invoice": fmt.Errorf("upstream 500")},
	}

	require.NoError(t, newWorker(q, r).RunOnce(context.Background()))

	assert.Equal(t, store.StatusPartiallySucceeded, q.jobs[job.ID].Status)
	assert.Len(t, q.jobs[job.ID].ErrorMessages, 1)
}

func TestRunOnce_AllTasksFailed(t *testing.T) {
	q := newMemQueue()
	job := q.addJob("acme", store.ModeFull, "customer")

	r := &scriptedRunner{errs: map[string]error{"customer": fmt.Errorf("boom")}}

	require.NoError(t, newWorker(q, r).RunOnce(context.Background()))
	assert.Equal(t, store.StatusFailed, q.jobs[job.ID].Status)
}

func TestRunOnce_CheckpointedTaskResumes(t *testing.T) {
	q := newMemQueue()
	job := q.addJob("acme", store.ModeFull, "customer")

	r := &scriptedRunner{results: map[string][]*connector.SyncResult{
		"customer": {
			{Success: true, Counters: connector.Counters{Created: 10}, HasMore: true, NextCursor: "cus_10"},
			{Success: true, Counters: connector.Counters{Created: 4}},
		},
	}}

	require.NoError(t, newWorker(q, r).RunOnce(context.Background()))

	// First call starts fresh, second resumes from the checkpoint.
	assert.Equal(t, []string{"", "cus_10"}, r.cursors)
	assert.Equal(t, store.StatusSucceeded, q.jobs[job.ID].Status)
}

func TestRunOnce_BudgetStopsBeforeNextTask(t *testing.T) {
	q := newMemQueue()
	q.addJob("acme", store.ModeFull, "customer")

	r := &scriptedRunner{}
	w := newWorker(q, r)
	w.Budget = -time.Second

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Empty(t, r.cursors, "no task should run once the budget is exhausted")
	tasks, _ := q.GetTasks(context.Background(), "job-1")
	assert.Equal(t, store.StatusQueued, tasks[0].Status)
}

func TestRunOnce_UnknownAppFailsTask(t *testing.T) {
	q := newMemQueue()
	job := q.addJob("ghost", store.ModeFull, "customer")

	require.NoError(t, newWorker(q, &scriptedRunner{}).RunOnce(context.Background()))
	assert.Equal(t, store.StatusFailed, q.jobs[job.ID].Status)
}
