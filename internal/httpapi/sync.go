package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/metrics"
	"github.com/leftbrainit/supasaasy/internal/store"
)

type syncRequest struct {
	AppKey        string   `json:"app_key"`
	Mode          string   `json:"mode"`
	ResourceTypes []string `json:"resource_types"`
}

// HandleSync serves POST /sync: admin-authenticated entry point that either
// runs the sync inline or enqueues a durable job.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	// Bearer auth, constant-time against the configured admin key.
	token, ok := bearerToken(r)
	if !ok || s.AdminAPIKey == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminAPIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if r.ContentLength > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	var req syncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !config.AppKeyPattern.MatchString(req.AppKey) {
		writeError(w, http.StatusBadRequest, "invalid app_key")
		return
	}

	// Rate limit keyed on the bearer token, not the app, so one operator
	// cannot starve another's schedule.
	res := s.Limiter.Check("sync:"+token, s.syncLimit())
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	app, ok := s.Config.App(req.AppKey)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown app")
		return
	}
	conn, err := s.Registry.ForApp(app)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown app")
		return
	}
	if issues := conn.ValidateConfig(*app); connector.HasErrors(issues) {
		verr := &connector.ValidationError{AppKey: app.AppKey, Issues: issues}
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	mode := store.ModeIncremental
	switch req.Mode {
	case "", string(store.ModeIncremental):
	case string(store.ModeFull):
		mode = store.ModeFull
	default:
		writeError(w, http.StatusBadRequest, "mode must be \"full\" or \"incremental\"")
		return
	}

	resourceTypes := req.ResourceTypes
	if len(resourceTypes) == 0 {
		resourceTypes = app.Config.SyncResources
	}
	if len(resourceTypes) == 0 {
		resourceTypes = conn.Metadata().ResourceTypes()
	}
	for _, rt := range resourceTypes {
		if _, ok := conn.Metadata().Resource(rt); !ok {
			writeError(w, http.StatusBadRequest, "unsupported resource type: "+rt)
			return
		}
	}

	logger.Info().
		Str("app_key", req.AppKey).
		Str("mode", string(mode)).
		Strs("resource_types", resourceTypes).
		Bool("inline", s.InlineSync).
		Msg("sync_requested")

	if s.InlineSync {
		s.runInline(w, r, app, mode, resourceTypes)
		return
	}

	job, err := s.Jobs.CreateJob(ctx, app.AppKey, mode, resourceTypes)
	if err != nil {
		logger.Error().Err(err).Msg("sync_job_create_failed")
		writeError(w, http.StatusInternalServerError, genericServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) runInline(w http.ResponseWriter, r *http.Request, app *config.AppConfig, mode store.SyncMode, resourceTypes []string) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	total := &connector.SyncResult{Success: true}
	start := time.Now()
	for _, rt := range resourceTypes {
		res, err := s.Runner.RunResource(ctx, app, rt, mode, connector.SyncOptions{})
		if err != nil {
			var verr *connector.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			logger.Error().Err(err).Str("resource_type", rt).Msg("inline_sync_failed")
			total.Success = false
			total.Counters.Errors++
			total.ErrorMessages = append(total.ErrorMessages, rt+": "+err.Error())
			continue
		}
		total.Counters.Add(res.Counters)
		total.ErrorMessages = append(total.ErrorMessages, res.ErrorMessages...)
		if !res.Success {
			total.Success = false
		}
		metrics.ObserveSync(app.AppKey, rt,
			res.Counters.Created, res.Counters.Updated, res.Counters.Deleted, res.Counters.Errors,
			time.Duration(res.DurationMs)*time.Millisecond)
	}
	total.DurationMs = time.Since(start).Milliseconds()

	writeJSON(w, http.StatusOK, total)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
