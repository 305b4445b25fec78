package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/metrics"
	"github.com/leftbrainit/supasaasy/internal/store"
)

const redactionMarker = "[REDACTED]"

// webhookReply is the terminal outcome of one webhook request. It feeds the
// HTTP response, the metrics outcome label and the optional webhook log.
type webhookReply struct {
	status  int
	body    any
	outcome string
	// internal error detail; never placed in a 5xx response body
	errDetail string
}

// HandleWebhook runs the admission pipeline for POST /webhook/{app_key}.
// Steps are strictly ordered; the first failing step responds and stops.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	appKey := chi.URLParam(r, "app_key")

	// Preflight gets minimal explicit headers; no wildcard origins, and no
	// CORS headers on any other method.
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rawBody, reply := s.admitWebhook(r, appKey)
	if reply == nil {
		reply = s.dispatchWebhook(r, appKey, rawBody)
	}

	if reply.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(reply.retryAfter.Seconds())))
	}
	writeJSON(w, reply.status, reply.body)

	metrics.ObserveWebhook(appKey, reply.outcome)
	if reply.errDetail != "" {
		log.Ctx(r.Context()).Error().
			Str("app_key", appKey).
			Str("outcome", reply.outcome).
			Str("detail", reply.errDetail).
			Msg("webhook_failed")
	}

	s.logWebhook(r, appKey, rawBody, reply, time.Since(started))
}

type admissionReply struct {
	webhookReply
	retryAfter time.Duration
}

// admitWebhook runs steps 1-6 of the pipeline. A nil reply means the
// request was admitted and rawBody holds the verified payload.
func (s *Server) admitWebhook(r *http.Request, appKey string) ([]byte, *admissionReply) {
	fail := func(status int, message, outcome, detail string) *admissionReply {
		return &admissionReply{webhookReply: webhookReply{
			status:    status,
			body:      map[string]string{"error": message},
			outcome:   outcome,
			errDetail: detail,
		}}
	}

	// 1. Method
	if r.Method != http.MethodPost {
		return nil, fail(http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed", "")
	}

	// 2. app_key format
	if !config.AppKeyPattern.MatchString(appKey) {
		return nil, fail(http.StatusBadRequest, "invalid app key", "bad_app_key", "")
	}

	// 3. Body size, before any body read
	if r.ContentLength > maxBodyBytes {
		return nil, fail(http.StatusRequestEntityTooLarge, "request body too large", "body_too_large", "")
	}

	// 4. Rate limit
	res := s.Limiter.Check("webhook:"+appKey, s.webhookLimit())
	if !res.Allowed {
		reply := fail(http.StatusTooManyRequests, "rate limit exceeded", "rate_limited", "")
		reply.retryAfter = res.RetryAfter
		return nil, reply
	}

	// 5. Configured app with a registered connector
	app, ok := s.Config.App(appKey)
	if !ok {
		return nil, fail(http.StatusNotFound, "unknown app", "unknown_app", "")
	}
	conn, err := s.Registry.ForApp(app)
	if err != nil {
		return nil, fail(http.StatusNotFound, "unknown app", "unknown_connector", err.Error())
	}
	if issues := conn.ValidateConfig(*app); connector.HasErrors(issues) {
		verr := &connector.ValidationError{AppKey: appKey, Issues: issues}
		return nil, fail(http.StatusInternalServerError, genericServerError, "config_invalid", verr.Error())
	}

	rawBody, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
			return nil, fail(http.StatusRequestEntityTooLarge, "request body too large", "body_too_large", "")
		}
		return nil, fail(http.StatusBadRequest, "could not read body", "body_read_failed", err.Error())
	}

	// 6. Signature
	secret, err := app.Config.ResolveWebhookSecret()
	if err != nil {
		return rawBody, fail(http.StatusInternalServerError, genericServerError, "config_invalid", err.Error())
	}
	verdict := conn.VerifyWebhook(rawBody, r.Header, secret)
	if !verdict.Valid {
		return rawBody, fail(http.StatusUnauthorized, "signature verification failed", "verification_failed", verdict.Reason)
	}

	return rawBody, nil
}

// dispatchWebhook runs steps 7-8: parse and apply the event.
func (s *Server) dispatchWebhook(r *http.Request, appKey string, rawBody []byte) *admissionReply {
	ctx := r.Context()
	app, _ := s.Config.App(appKey)
	conn, _ := s.Registry.ForApp(app)

	event, err := conn.ParseWebhookEvent(rawBody)
	if err != nil {
		return &admissionReply{webhookReply: webhookReply{
			status:    http.StatusBadRequest,
			body:      map[string]string{"error": "could not parse event"},
			outcome:   "parse_failed",
			errDetail: err.Error(),
		}}
	}

	switch event.EventType {
	case connector.EventCreate, connector.EventUpdate, connector.EventArchive:
		entity, err := conn.ExtractEntity(event, *app)
		if err != nil {
			return internalError("extract_failed", err)
		}
		if _, err := s.Entities.Upsert(ctx, *entity); err != nil {
			return internalError("upsert_failed", err)
		}
	case connector.EventDelete:
		desc, ok := conn.Metadata().Resource(event.ResourceType)
		if !ok {
			return internalError("dispatch_failed",
				fmt.Errorf("connector %s has no resource %q", app.Connector, event.ResourceType))
		}
		// Absence is not an error: out-of-order delivery is expected.
		if _, err := s.Entities.Delete(ctx, appKey, desc.CollectionKey, event.ExternalID); err != nil {
			return internalError("delete_failed", err)
		}
	default:
		return &admissionReply{webhookReply: webhookReply{
			status:    http.StatusBadRequest,
			body:      map[string]string{"error": "could not parse event"},
			outcome:   "parse_failed",
			errDetail: "unknown event type " + string(event.EventType),
		}}
	}

	log.Ctx(ctx).Info().
		Str("app_key", appKey).
		Str("event_type", string(event.EventType)).
		Str("original_event_type", event.OriginalEventType).
		Str("external_id", event.ExternalID).
		Msg("webhook_processed")

	return &admissionReply{webhookReply: webhookReply{
		status: http.StatusOK,
		body: map[string]any{
			"ok":          true,
			"event_type":  event.EventType,
			"external_id": event.ExternalID,
		},
		outcome: "ok",
	}}
}

func internalError(outcome string, err error) *admissionReply {
	return &admissionReply{webhookReply: webhookReply{
		status:    http.StatusInternalServerError,
		body:      map[string]string{"error": genericServerError},
		outcome:   outcome,
		errDetail: err.Error(),
	}}
}

// logWebhook appends the terminal outcome to the webhook log,
// fire-and-forget relative to the HTTP response.
func (s *Server) logWebhook(r *http.Request, appKey string, rawBody []byte, reply *admissionReply, duration time.Duration) {
	if s.WebhookLogs == nil || s.Config == nil || !s.Config.WebhookLoggingEnabled() {
		return
	}

	entry := store.WebhookLogEntry{
		AppKey:         appKey,
		RequestMethod:  r.Method,
		RequestPath:    r.URL.Path,
		RequestHeaders: redactHeaders(r.Header),
		RequestBody:    rawBody,
		ResponseStatus: reply.status,
		ResponseBody:   responseBodyLabel(reply),
		ErrorMessage:   reply.errDetail,
		Duration:       duration,
	}

	ctx := context.WithoutCancel(r.Context())
	go s.WebhookLogs.Insert(ctx, entry)
}

func responseBodyLabel(reply *admissionReply) string {
	if m, ok := reply.body.(map[string]string); ok {
		if msg, ok := m["error"]; ok {
			return msg
		}
	}
	return "ok"
}

// redactHeaders replaces sensitive header values before storage.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if lower == "authorization" || strings.Contains(lower, "signature") || strings.Contains(lower, "cookie") {
			out[name] = redactionMarker
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
