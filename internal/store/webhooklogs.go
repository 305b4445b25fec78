package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// maxLoggedBody caps the request body stored per webhook log row. Larger
// bodies are truncated with a marker so the log never balloons storage.
const maxLoggedBody = 64 * 1024

// WebhookLogEntry is one append-only webhook request/response record.
// Header values are redacted by the caller before insert.
type WebhookLogEntry struct {
	AppKey         string
	RequestMethod  string
	RequestPath    string
	RequestHeaders map[string]string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   string
	ErrorMessage   string
	Duration       time.Duration
}

// WebhookLogs appends webhook request/response records. Insert failures are
// swallowed; logging must never change the HTTP response a client observes.
type WebhookLogs struct {
	DB *pgxpool.Pool
}

// NewWebhookLogs creates the webhook log store.
func NewWebhookLogs(db *pgxpool.Pool) *WebhookLogs {
	return &WebhookLogs{DB: db}
}

// Insert appends one log row. Errors are reported on the internal log
// channel only.
func (s *WebhookLogs) Insert(ctx context.Context, entry WebhookLogEntry) {
	headers, err := json.Marshal(entry.RequestHeaders)
	if err != nil {
		log.Error().Err(err).Msg("webhook_log_marshal_failed")
		return
	}

	body := entry.RequestBody
	truncated := false
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
		truncated = true
	}
	if !json.Valid(body) {
		// Store non-JSON (or truncated mid-token) bodies as a JSON string.
		body, _ = json.Marshal(string(body))
	}

	_, err = s.DB.Exec(ctx, `
		INSERT INTO supasaasy.webhook_logs
			(app_key, request_method, request_path, request_headers, request_body,
			 body_truncated, response_status, response_body, error_message, processing_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
	`, entry.AppKey, entry.RequestMethod, entry.RequestPath, headers, body,
		truncated, entry.ResponseStatus, entry.ResponseBody, entry.ErrorMessage,
		entry.Duration.Milliseconds())
	if err != nil {
		log.Error().Err(err).Str("app_key", entry.AppKey).Msg("webhook_log_insert_failed")
	}
}
