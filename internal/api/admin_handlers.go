package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/assessment-engine/internal/models"
)

func (s *Server) handleAdminListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.SubmissionFilters{
		AssessmentID: q.Get("assessment_id"),
		CandidateID:  q.Get("candidate_id"),
		Status:       models.SubmissionStatus(q.Get("status")),
		Limit:        50, // default
	}

	if filters.Status != "" && !filters.Status.IsValid() {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown status: "+string(filters.Status))
		return
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit <= 500 {
			filters.Limit = limit
		}
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}

	submissions, err := s.manager.List(r.Context(), filters)
	if err != nil {
		respondServiceError(w, err, "list submissions")
		return
	}
	if submissions == nil {
		submissions = []*models.Submission{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": submissions,
		"total":       len(submissions),
	})
}

func (s *Server) handleAdminGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.manager.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get submission", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAdminListAssessments(w http.ResponseWriter, r *http.Request) {
	assessments, err := s.manager.ListAssessments(r.Context())
	if err != nil {
		respondServiceError(w, err, "list assessments")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"total":       len(assessments),
	})
}

func (s *Server) handleAdminGetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	assessment, err := s.manager.GetAssessment(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get assessment", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, assessment)
}
