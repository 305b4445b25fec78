package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/connector/stripe"
	"github.com/leftbrainit/supasaasy/internal/metrics"
	"github.com/leftbrainit/supasaasy/internal/ratelimit"
	"github.com/leftbrainit/supasaasy/internal/store"
)

const adminKey = "admin_test_key"

type fakeJobs struct {
	jobs  map[string]*store.Job
	tasks map[string][]store.Task
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*store.Job), tasks: make(map[string][]store.Task)}
}

func (f *fakeJobs) CreateJob(ctx context.Context, appKey string, mode store.SyncMode, resourceTypes []string) (*store.Job, error) {
	job := &store.Job{
		ID:            "job-" + appKey,
		AppKey:        appKey,
		Mode:          mode,
		ResourceTypes: resourceTypes,
		Status:        store.StatusQueued,
	}
	f.jobs[job.ID] = job
	for _, rt := range resourceTypes {
		f.tasks[job.ID] = append(f.tasks[job.ID], store.Task{
			ID: "task-" + rt, JobID: job.ID, ResourceType: rt, Status: store.StatusQueued,
		})
	}
	return job, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) GetTasks(ctx context.Context, jobID string) ([]store.Task, error) {
	return f.tasks[jobID], nil
}

type fakeRunner struct {
	results map[string]*connector.SyncResult
	calls   []string
}

func (f *fakeRunner) RunResource(ctx context.Context, app *config.AppConfig, resourceType string, mode store.SyncMode, opts connector.SyncOptions) (*connector.SyncResult, error) {
	f.calls = append(f.calls, resourceType)
	if res, ok := f.results[resourceType]; ok {
		return res, nil
	}
	return &connector.SyncResult{Success: true}, nil
}

func newSyncTestServer(t *testing.T) (*Server, *fakeJobs, *fakeRunner) {
	t.Helper()
	metrics.Reset()

	registry := connector.NewRegistry()
	entities := newFakeEntities()
	registry.Register(stripe.New(entities))

	jobs := newFakeJobs()
	runner := &fakeRunner{results: make(map[string]*connector.SyncResult)}

	srv := &Server{
		Config: &config.Config{
			Apps: []config.AppConfig{{
				AppKey:    "stripe_test",
				Name:      "Stripe test",
				Connector: "stripe",
				Config: config.AppSettings{
					APIKey:        "sk_test_123",
					WebhookSecret: testSecret,
				},
			}},
		},
		Registry:    registry,
		Limiter:     ratelimit.New(),
		Entities:    entities,
		Jobs:        jobs,
		Runner:      runner,
		AdminAPIKey: adminKey,
	}
	return srv, jobs, runner
}

func postSync(srv *Server, bearer string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader([]byte(body)))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	return rr
}

func TestSync_RequiresBearer(t *testing.T) {
	srv, _, _ := newSyncTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, postSync(srv, "", `{"app_key":"stripe_test"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, postSync(srv, "wrong", `{"app_key":"stripe_test"}`).Code)
}

func TestSync_RejectsBadAppKey(t *testing.T) {
	srv, _, _ := newSyncTestServer(t)
	rr := postSync(srv, adminKey, `{"app_key":"bad key!"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSync_RejectsOversizeBody(t *testing.T) {
	srv, _, _ := newSyncTestServer(t)
	big := `{"app_key":"stripe_test","pad":"` + string(bytes.Repeat([]byte("x"), maxBodyBytes)) + `"}`
	rr := postSync(srv, adminKey, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestSync_UnknownAppAndMode(t *testing.T) {
	srv, _, _ := newSyncTestServer(t)

	assert.Equal(t, http.StatusNotFound, postSync(srv, adminKey, `{"app_key":"ghost"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		postSync(srv, adminKey, `{"app_key":"stripe_test","mode":"sideways"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		postSync(srv, adminKey, `{"app_key":"stripe_test","resource_types":["gadget"]}`).Code)
}

func TestSync_DurableEnqueuesJob(t *testing.T) {
	srv, jobs, _ := newSyncTestServer(t)

	rr := postSync(srv, adminKey, `{"app_key":"stripe_test","mode":"full","resource_types":["customer"]}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	job, err := jobs.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, store.ModeFull, job.Mode)
	assert.Equal(t, []string{"customer"}, job.ResourceTypes)
	assert.Equal(t, store.StatusQueued, job.Status)
}

func TestSync_InlineAggregatesResults(t *testing.T) {
	srv, _, runner := newSyncTestServer(t)
	srv.InlineSync = true
	runner.results["customer"] = &connector.SyncResult{
		Success:  true,
		Counters: connector.Counters{Created: 2, Updated: 1},
	}
	runner.results["invoice"] = &connector.SyncResult{
		Success:       false,
		Counters:      connector.Counters{Errors: 1},
		ErrorMessages: []string{"invoice in_9: upstream 500"},
	}

	rr := postSync(srv, adminKey, `{"app_key":"stripe_test","resource_types":["customer","invoice"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res connector.SyncResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Counters.Created)
	assert.Equal(t, 1, res.Counters.Updated)
	assert.Equal(t, 1, res.Counters.Errors)
	assert.Equal(t, []string{"customer", "invoice"}, runner.calls)
}

func TestSync_DefaultsToAllSupportedResources(t *testing.T) {
	srv, jobs, _ := newSyncTestServer(t)

	rr := postSync(srv, adminKey, `{"app_key":"stripe_test"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	job, err := jobs.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, []string{"customer", "subscription", "invoice"}, job.ResourceTypes)
	assert.Equal(t, store.ModeIncremental, job.Mode)
}

func TestSync_RateLimitKeyedOnBearer(t *testing.T) {
	srv, _, _ := newSyncTestServer(t)
	srv.SyncRateLimit = 2

	body := `{"app_key":"stripe_test","resource_types":["customer"]}`
	assert.Equal(t, http.StatusAccepted, postSync(srv, adminKey, body).Code)
	assert.Equal(t, http.StatusAccepted, postSync(srv, adminKey, body).Code)

	rr := postSync(srv, adminKey, body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestJobs_StatusEndpoints(t *testing.T) {
	srv, jobs, _ := newSyncTestServer(t)

	job, err := jobs.CreateJob(context.Background(), "stripe_test", store.ModeFull, []string{"customer"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), job.ID)

	req = httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/tasks", nil)
	rr = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "customer")

	req = httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rr = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
