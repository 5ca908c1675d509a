package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// MemoryRepository implements Repository in process memory. It applies the
// same conditional-write rules as PostgresRepository and is used for local
// runs and tests.
type MemoryRepository struct {
	mu          sync.Mutex
	submissions map[string]*models.Submission
	assessments map[string]*models.Assessment
	clients     map[string]*models.ApiClient
	now         func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		submissions: make(map[string]*models.Submission),
		assessments: make(map[string]*models.Assessment),
		clients:     make(map[string]*models.ApiClient),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the timestamp source for created_at and last_used_at
func (r *MemoryRepository) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// AddClient registers an API client
func (r *MemoryRepository) AddClient(c *models.ApiClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ApiKey] = c
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

// --- Submissions ---

func (r *MemoryRepository) CreateSubmission(ctx context.Context, s *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.submissions[s.ID]; exists {
		return fmt.Errorf("failed to create submission: duplicate id %s", s.ID)
	}
	for _, existing := range r.submissions {
		if existing.AssessmentID == s.AssessmentID && existing.CandidateID == s.CandidateID && !existing.IsTerminal() {
			return ErrDuplicateLive
		}
	}

	r.submissions[s.ID] = cloneSubmission(s)
	return nil
}

func (r *MemoryRepository) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[id]
	if !ok {
		return nil, nil
	}
	return cloneSubmission(s), nil
}

func (r *MemoryRepository) GetLatestSubmission(ctx context.Context, assessmentID, candidateID string) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *models.Submission
	for _, s := range r.submissions {
		if s.AssessmentID != assessmentID || s.CandidateID != candidateID {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneSubmission(latest), nil
}

func (r *MemoryRepository) ListSubmissions(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*models.Submission
	for _, s := range r.submissions {
		if filters.AssessmentID != "" && s.AssessmentID != filters.AssessmentID {
			continue
		}
		if filters.CandidateID != "" && s.CandidateID != filters.CandidateID {
			continue
		}
		if filters.Status != "" && s.Status != filters.Status {
			continue
		}
		matched = append(matched, cloneSubmission(s))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}
	return matched, nil
}

func (r *MemoryRepository) FinalizeSubmission(ctx context.Context, id string, t models.Transition) (bool, error) {
	if !t.To.IsTerminal() {
		return false, fmt.Errorf("finalize target must be terminal, got %q", t.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[id]
	if !ok || !s.Status.CanTransitionTo(t.To) {
		return false, nil
	}

	at := t.At
	s.Status = t.To
	s.FinalizeReason = t.Reason
	if t.To == models.StatusExpired {
		s.ExpiredAt = &at
		s.Answers = []models.Answer{}
	} else {
		s.SubmittedAt = &at
		s.Answers = append([]models.Answer{}, t.Answers...)
	}
	s.ProctoringEvents = append(s.ProctoringEvents, t.Events...)
	return true, nil
}

func (r *MemoryRepository) ActivateSubmission(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[id]
	if !ok || s.Status != models.StatusReserved {
		return false, nil
	}
	s.Status = models.StatusInProgress
	return true, nil
}

func (r *MemoryRepository) RecordHeartbeat(ctx context.Context, id string, at time.Time, driftMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[id]
	if !ok {
		return fmt.Errorf("submission not found: %s", id)
	}
	s.LastSeenAt = &at
	s.ClientDriftMs = driftMs
	return nil
}

func (r *MemoryRepository) AppendProctoringEvents(ctx context.Context, id string, events []models.ProctoringEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.submissions[id]
	if !ok || s.IsTerminal() {
		return false, nil
	}
	s.ProctoringEvents = append(s.ProctoringEvents, events...)
	return true, nil
}

func (r *MemoryRepository) ListExpiredSubmissions(ctx context.Context, cutoff time.Time, limit int) ([]models.ExpiredSubmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.ExpiredSubmission
	for _, s := range r.submissions {
		if s.IsTerminal() || !s.ExpiresAt.Before(cutoff) {
			continue
		}
		expired = append(expired, models.ExpiredSubmission{
			ID:           s.ID,
			AssessmentID: s.AssessmentID,
			CandidateID:  s.CandidateID,
			ExpiresAt:    s.ExpiresAt,
		})
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// --- Assessments ---

func (r *MemoryRepository) UpsertAssessment(ctx context.Context, a *models.Assessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *a
	if existing, ok := r.assessments[a.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.ArchivedAt = existing.ArchivedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.assessments[a.ID] = &stored
	a.CreatedAt = stored.CreatedAt
	return nil
}

func (r *MemoryRepository) GetAssessment(ctx context.Context, id string) (*models.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assessments[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ListAssessments(ctx context.Context) ([]*models.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*models.Assessment, 0, len(r.assessments))
	for _, a := range r.assessments {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *MemoryRepository) ListArchivableAssessments(ctx context.Context, createdBefore time.Time) ([]*models.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*models.Assessment
	for _, a := range r.assessments {
		if !a.AutoCreated || a.IsArchived() || !a.CreatedAt.Before(createdBefore) || r.hasLiveSubmissions(a.ID) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) ArchiveAssessment(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assessments[id]
	if !ok || a.IsArchived() || r.hasLiveSubmissions(id) {
		return false, nil
	}
	a.ArchivedAt = &at
	return true, nil
}

// hasLiveSubmissions must be called with r.mu held
func (r *MemoryRepository) hasLiveSubmissions(assessmentID string) bool {
	for _, s := range r.submissions {
		if s.AssessmentID == assessmentID && !s.IsTerminal() {
			return true
		}
	}
	return false
}

// --- API clients ---

func (r *MemoryRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[apiKey]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[apiKey]; ok {
		now := r.now()
		c.LastUsedAt = &now
	}
	return nil
}

func cloneSubmission(s *models.Submission) *models.Submission {
	cp := *s
	cp.Answers = append([]models.Answer{}, s.Answers...)
	cp.ProctoringEvents = append([]models.ProctoringEvent{}, s.ProctoringEvents...)
	return &cp
}
