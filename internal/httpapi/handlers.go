package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/trigger"
)

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req createUploadRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err), correlationID)
		return
	}
	if _, err := s.deps.Codes.Resolve(r.Context(), req.Code); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	rec, err := s.deps.Store.CreateUpload(r.Context(), req.record(s.now()))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	logging.Ctx(r.Context(), s.log).Info().Str("upload_id", rec.ID).Bool("has_location", rec.Location != nil).Msg("upload created")
	writeJSON(w, http.StatusCreated, createUploadResponse{Upload: rec, ObjectPrefix: rec.ID + "/"})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetUpload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleObjectFinalized runs the verifier. Missing records answer 503 so the
// platform redelivers once the record write lands. With async=true the
// notification is queued and retried by the dispatcher instead.
func (s *Server) handleObjectFinalized(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var n dotpaths.FinalizeNotification
	if !s.decodeJSONBody(w, r, correlationID, &n) {
		return
	}
	if err := validate.Struct(n); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err), correlationID)
		return
	}
	if s.deps.Dispatcher != nil && r.URL.Query().Get("async") == "true" {
		env, err := s.deps.Dispatcher.Publish(r.Context(), trigger.KindObjectFinalized, n)
		if err != nil {
			logging.Ctx(r.Context(), s.log).Error().Err(err).Msg("queue finalize notification failed")
			writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "envelopeId": env.ID})
		return
	}
	result, err := s.deps.Verifier.Verify(r.Context(), n)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "done", "result": result})
	case errors.Is(err, dotpaths.ErrNotPending):
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_pending"})
	case errors.Is(err, dotpaths.ErrNotFound):
		writeError(w, http.StatusServiceUnavailable, "not_found", err.Error(), correlationID)
	default:
		s.writeEngineError(w, r, err)
	}
}

func (s *Server) handleUploadWritten(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var change dotpaths.UploadChange
	if !s.decodeJSONBody(w, r, correlationID, &change) {
		return
	}
	if s.cfg.IgnoreChangeEvents {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if change.UploadID == "" {
		switch {
		case change.After != nil:
			change.UploadID = change.After.ID
		case change.Before != nil:
			change.UploadID = change.Before.ID
		}
	}
	result, err := s.deps.Counter.Apply(r.Context(), change)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cleanup == nil {
		writeText(w, http.StatusInternalServerError, internalErrorBody)
		return
	}
	result, err := s.deps.Cleanup.Expire(r.Context(), requestKey(r))
	switch {
	case err == nil:
		writeText(w, http.StatusOK, cleanupFinishedBody)
	case errors.Is(err, dotpaths.ErrAuthMismatch):
		writeText(w, http.StatusForbidden, cleanupForbidden)
	default:
		logging.Ctx(r.Context(), s.log).Error().Err(err).
			Int("deleted", result.Deleted).
			Int("failed", result.Failed).
			Msg("upload cleanup failed")
		writeText(w, http.StatusInternalServerError, internalErrorBody)
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	collection := chi.URLParam(r, "collection")
	batchSize, err := parseOptionalBoundedInt(r.URL.Query().Get("batchSize"), 0, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "batchSize must be between 1 and 500", correlationID)
		return
	}
	deleted, err := s.deps.Cleanup.PurgeCollection(r.Context(), collection, batchSize)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": collection, "deleted": deleted})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	items := []trigger.DeadLetter{}
	if s.deps.Dispatcher != nil {
		items = s.deps.Dispatcher.DeadLetters()
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetDot(w http.ResponseWriter, r *http.Request) {
	dot, err := dotpaths.ParseDotKey(chi.URLParam(r, "dot"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	state, err := s.deps.Paths.Load(r.Context(), dot)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleLatestChange(w http.ResponseWriter, r *http.Request) {
	change, err := s.deps.Store.GetPathChange(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	value, err := s.deps.Counter.Value(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counter": s.deps.Counter.Name(), "uploadCount": value})
}
