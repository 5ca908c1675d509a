package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/submission"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.AssessmentID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "assessment_id is required")
		return
	}

	candidateID := CandidateFromContext(r.Context())
	if req.CandidateID != "" && req.CandidateID != candidateID {
		respondError(w, http.StatusForbidden, "forbidden", "candidate_id does not match token")
		return
	}

	res, err := s.manager.Start(r.Context(), req.AssessmentID, candidateID)
	if err != nil {
		respondServiceError(w, err, "start submission", "assessment_id", req.AssessmentID, "candidate_id", candidateID)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}

	sub := res.Submission
	respondJSON(w, status, models.StartResponse{
		SubmissionID:    sub.ID,
		AssessmentID:    sub.AssessmentID,
		Status:          sub.Status,
		StartedAt:       sub.StartedAt.UTC(),
		ExpiresAt:       sub.ExpiresAt.UTC(),
		DurationMinutes: res.DurationMinutes,
		Resumed:         res.Resumed,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req models.FinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.SubmissionID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "submission_id is required")
		return
	}

	if _, err := s.ownedSubmission(r.Context(), req.SubmissionID); err != nil {
		respondServiceError(w, err, "finalize submission", "id", req.SubmissionID)
		return
	}

	res, err := s.manager.Finalize(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "finalize submission", "id", req.SubmissionID, "reason", req.Reason)
		return
	}

	respondJSON(w, http.StatusOK, models.FinalizeResponse{
		SubmissionID:      res.Submission.ID,
		Status:            res.Submission.Status,
		TerminalTimestamp: res.Submission.TerminalAt(),
		AlreadyFinalized:  res.AlreadyFinalized,
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.ownedSubmission(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get submission", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ClientElapsedSeconds < 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "client_elapsed_seconds must not be negative")
		return
	}

	if _, err := s.ownedSubmission(r.Context(), id); err != nil {
		respondServiceError(w, err, "record heartbeat", "id", id)
		return
	}

	status, err := s.manager.Heartbeat(r.Context(), id, req.ClientElapsedSeconds)
	if err != nil {
		respondServiceError(w, err, "record heartbeat", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecordEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.RecordEventsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	for _, ev := range req.Events {
		if ev.Type == "" {
			respondError(w, http.StatusBadRequest, "validation_error", "event type is required")
			return
		}
	}

	if _, err := s.ownedSubmission(r.Context(), id); err != nil {
		respondServiceError(w, err, "record proctoring events", "id", id)
		return
	}

	if err := s.manager.RecordEvents(r.Context(), id, req.Events); err != nil {
		respondServiceError(w, err, "record proctoring events", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submission_id": id,
		"recorded":      len(req.Events),
	})
}

// ownedSubmission loads a submission and checks it belongs to the caller
func (s *Server) ownedSubmission(ctx context.Context, id string) (*models.Submission, error) {
	sub, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.CandidateID != CandidateFromContext(ctx) {
		return nil, submission.ErrForbidden
	}
	return sub, nil
}
