// Package httpapi carries the HTTP surface: webhook ingestion, sync
// triggering and job inspection.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/metrics"
	"github.com/leftbrainit/supasaasy/internal/ratelimit"
	"github.com/leftbrainit/supasaasy/internal/store"
)

// maxBodyBytes caps webhook and sync request bodies (1 MiB).
const maxBodyBytes = 1 << 20

// Default per-minute admission limits.
const (
	DefaultWebhookRateLimit = 100
	DefaultSyncRateLimit    = 10
)

// JobStore is the job persistence surface the handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, appKey string, mode store.SyncMode, resourceTypes []string) (*store.Job, error)
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
	GetTasks(ctx context.Context, jobID string) ([]store.Task, error)
}

// WebhookLogStore appends webhook request/response records.
type WebhookLogStore interface {
	Insert(ctx context.Context, entry store.WebhookLogEntry)
}

// SyncRunner executes one per-resource sync.
type SyncRunner interface {
	RunResource(ctx context.Context, app *config.AppConfig, resourceType string, mode store.SyncMode, opts connector.SyncOptions) (*connector.SyncResult, error)
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	Config      *config.Config
	Registry    *connector.Registry
	Limiter     *ratelimit.Limiter
	Entities    connector.EntityStore
	Jobs        JobStore
	WebhookLogs WebhookLogStore
	Runner      SyncRunner

	AdminAPIKey string

	// InlineSync runs syncs inside the request instead of enqueueing a
	// durable job.
	InlineSync bool

	WebhookRateLimit int
	SyncRateLimit    int
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)

	r.HandleFunc("/webhook/{app_key}", s.HandleWebhook)
	r.Post("/sync", s.HandleSync)
	r.Get("/jobs/{job_id}", s.GetJob)
	r.Get("/jobs/{job_id}/tasks", s.GetJobTasks)
	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Healthz reports liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) webhookLimit() int {
	if s.WebhookRateLimit > 0 {
		return s.WebhookRateLimit
	}
	return DefaultWebhookRateLimit
}

func (s *Server) syncLimit() int {
	if s.SyncRateLimit > 0 {
		return s.SyncRateLimit
	}
	return DefaultSyncRateLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError emits a client-facing error body. Internal detail never goes
// through here for 5xx; callers pass the generic message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

const genericServerError = "Internal server error"
