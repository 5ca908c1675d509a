package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/terra-clan/assessment-engine/internal/submission"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// respondServiceError maps lifecycle errors to HTTP; anything unknown is a logged 500
func respondServiceError(w http.ResponseWriter, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, submission.ErrAssessmentNotFound):
		respondError(w, http.StatusNotFound, "assessment_not_found", "assessment not found")
	case errors.Is(err, submission.ErrSubmissionNotFound):
		respondError(w, http.StatusNotFound, "not_found", "submission not found")
	case errors.Is(err, submission.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", "submission belongs to another candidate")
	case errors.Is(err, submission.ErrRetakeNotAllowed):
		respondError(w, http.StatusConflict, "retake_not_allowed", "assessment has already been taken")
	case errors.Is(err, submission.ErrNotExpired):
		respondError(w, http.StatusConflict, "not_expired", "submission has not expired yet")
	case errors.Is(err, submission.ErrAlreadyFinalized):
		respondError(w, http.StatusConflict, "already_finalized", "submission is already finalized")
	case errors.Is(err, submission.ErrExpired):
		respondError(w, http.StatusBadRequest, "expired", "submission time has expired, answers were not accepted")
	case errors.Is(err, submission.ErrInvalidReason):
		respondError(w, http.StatusBadRequest, "invalid_reason", "unknown finalize reason")
	default:
		slog.Error("failed to "+action, append([]any{"error", err}, attrs...)...)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if err := s.manager.Ping(r.Context()); err != nil {
		slog.Warn("readiness check failed", "check", "store", "error", err)
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	for name, err := range s.health.CheckAll(r.Context()) {
		if err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"checks": checks,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}
