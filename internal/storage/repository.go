package storage

import (
	"context"
	"errors"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// ErrDuplicateLive is returned by CreateSubmission when the candidate already
// holds a non-terminal submission for the same assessment.
var ErrDuplicateLive = errors.New("live submission already exists")

// Repository defines the interface for submission persistence.
// Lookups return nil, nil when the row does not exist.
type Repository interface {
	// Submissions
	CreateSubmission(ctx context.Context, s *models.Submission) error
	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	GetLatestSubmission(ctx context.Context, assessmentID, candidateID string) (*models.Submission, error)
	ListSubmissions(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error)

	// FinalizeSubmission applies t only if the stored status is still
	// reserved or in-progress. It reports whether the write applied.
	FinalizeSubmission(ctx context.Context, id string, t models.Transition) (bool, error)
	// ActivateSubmission moves reserved -> in-progress; false if not reserved.
	ActivateSubmission(ctx context.Context, id string) (bool, error)
	RecordHeartbeat(ctx context.Context, id string, at time.Time, driftMs int64) error
	// AppendProctoringEvents appends to a non-terminal submission; false if terminal.
	AppendProctoringEvents(ctx context.Context, id string, events []models.ProctoringEvent) (bool, error)
	// ListExpiredSubmissions returns non-terminal submissions with expires_at before cutoff
	ListExpiredSubmissions(ctx context.Context, cutoff time.Time, limit int) ([]models.ExpiredSubmission, error)

	// Assessments
	UpsertAssessment(ctx context.Context, a *models.Assessment) error
	GetAssessment(ctx context.Context, id string) (*models.Assessment, error)
	ListAssessments(ctx context.Context) ([]*models.Assessment, error)
	ListArchivableAssessments(ctx context.Context, createdBefore time.Time) ([]*models.Assessment, error)
	ArchiveAssessment(ctx context.Context, id string, at time.Time) (bool, error)

	// API Clients
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}
