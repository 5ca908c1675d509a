package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/assessment-engine/internal/clock"
	"github.com/terra-clan/assessment-engine/internal/evaluation"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

// Common errors
var (
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrRetakeNotAllowed   = errors.New("assessment already taken")
	ErrNotExpired         = errors.New("submission has not expired yet")
	ErrExpired            = errors.New("submission time has expired")
	ErrAlreadyFinalized   = errors.New("submission is already finalized")
	ErrInvalidReason      = errors.New("invalid finalize reason")
	ErrForbidden          = errors.New("submission belongs to another candidate")
)

// LatePolicy decides what happens to a client finalize that arrives after the grace window
type LatePolicy int

const (
	// RejectLate closes the submission as expired, discards the answers and reports ErrExpired
	RejectLate LatePolicy = iota
)

// LateSubmissionPolicy is the policy applied by the manager
const LateSubmissionPolicy = RejectLate


// Manager defines the submission lifecycle operations
type Manager interface {
	Start(ctx context.Context, assessmentID, candidateID string) (*StartResult, error)
	Finalize(ctx context.Context, req models.FinalizeRequest) (*FinalizeResult, error)
	Get(ctx context.Context, id string) (*models.Submission, error)
	List(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error)
	Heartbeat(ctx context.Context, id string, clientElapsedSeconds float64) (*models.ClockStatus, error)
	Status(ctx context.Context, id string) (*models.ClockStatus, error)
	RecordEvents(ctx context.Context, id string, events []models.ProctoringEvent) error
	GetAssessment(ctx context.Context, id string) (*models.Assessment, error)
	ListAssessments(ctx context.Context) ([]*models.Assessment, error)
	Ping(ctx context.Context) error
}

// StartResult is returned by Start
type StartResult struct {
	Submission      *models.Submission
	DurationMinutes int
	Resumed         bool
}

// FinalizeResult is returned by Finalize
type FinalizeResult struct {
	Submission       *models.Submission
	AlreadyFinalized bool
}

// Config holds the manager's timing policy
type Config struct {
	GracePeriod    time.Duration
	PublishTimeout time.Duration
}

// Service implements Manager on top of a Repository
type Service struct {
	repo      storage.Repository
	clock     clock.Clock
	publisher evaluation.Publisher
	cfg       Config
	pending   sync.WaitGroup
}

// NewManager creates a new Service. publisher may be nil, in which case
// finalized submissions are not handed off.
func NewManager(repo storage.Repository, clk clock.Clock, publisher evaluation.Publisher, cfg Config) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	// Zero grace is a strict deadline
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	return &Service{
		repo:      repo,
		clock:     clk,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Wait blocks until in-flight handoff publishes have finished
func (m *Service) Wait() {
	m.pending.Wait()
}

// Ping checks the backing store
func (m *Service) Ping(ctx context.Context) error {
	if err := m.repo.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Start creates a submission for the candidate, or resumes the live one
func (m *Service) Start(ctx context.Context, assessmentID, candidateID string) (*StartResult, error) {
	assessment, err := m.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	if assessment == nil || assessment.IsArchived() {
		return nil, ErrAssessmentNotFound
	}

	existing, err := m.repo.GetLatestSubmission(ctx, assessmentID, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest submission: %w", err)
	}

	if existing != nil && !existing.IsTerminal() {
		if existing.WithinGrace(m.clock.Now(), m.cfg.GracePeriod) {
			return resumed(existing), nil
		}

		// Abandoned past the grace window; close it before deciding on a retake
		res, err := m.Finalize(ctx, models.FinalizeRequest{
			SubmissionID: existing.ID,
			Reason:       models.ReasonTimeExpired,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to close abandoned submission: %w", err)
		}
		existing = res.Submission
	}

	if existing != nil && !assessment.AllowRetake {
		return nil, ErrRetakeNotAllowed
	}

	// Match the store's microsecond precision so a resume returns identical timestamps
	now := m.clock.Now().Truncate(time.Microsecond)
	sub := &models.Submission{
		ID:               uuid.New().String(),
		AssessmentID:     assessmentID,
		CandidateID:      candidateID,
		Status:           models.StatusInProgress,
		DurationMinutes:  assessment.DurationMinutes,
		StartedAt:        now,
		ExpiresAt:        now.Add(assessment.Duration()),
		Answers:          []models.Answer{},
		ProctoringEvents: []models.ProctoringEvent{},
	}

	if err := m.repo.CreateSubmission(ctx, sub); err != nil {
		if !errors.Is(err, storage.ErrDuplicateLive) {
			return nil, fmt.Errorf("failed to create submission: %w", err)
		}

		// A concurrent start won the insert
		winner, err := m.repo.GetLatestSubmission(ctx, assessmentID, candidateID)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest submission: %w", err)
		}
		if winner == nil || winner.IsTerminal() {
			return nil, fmt.Errorf("failed to create submission: %w", storage.ErrDuplicateLive)
		}
		return resumed(winner), nil
	}

	slog.Info("submission started",
		"id", sub.ID,
		"assessment_id", assessmentID,
		"candidate_id", candidateID,
		"expires_at", sub.ExpiresAt,
	)

	return &StartResult{Submission: sub, DurationMinutes: sub.DurationMinutes}, nil
}

func resumed(s *models.Submission) *StartResult {
	return &StartResult{Submission: s, DurationMinutes: s.DurationMinutes, Resumed: true}
}

// Finalize performs the single terminal transition for a submission.
// Losing a race to another finalizer is reported as success with
// AlreadyFinalized set.
func (m *Service) Finalize(ctx context.Context, req models.FinalizeRequest) (*FinalizeResult, error) {
	if !req.Reason.IsValid() {
		return nil, ErrInvalidReason
	}

	sub, err := m.repo.GetSubmission(ctx, req.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	if sub.IsTerminal() {
		return &FinalizeResult{Submission: sub, AlreadyFinalized: true}, nil
	}

	now := m.clock.Now()
	t := models.Transition{
		Reason: req.Reason,
		At:     now,
		Events: req.ProctoringEvents,
	}
	late := false

	switch {
	case req.Reason == models.ReasonTimeExpired:
		if !sub.IsExpired(now) {
			return nil, ErrNotExpired
		}
		t.To = models.StatusExpired

	case sub.WithinGrace(now, m.cfg.GracePeriod):
		t.To = models.StatusAutoSubmitted
		if req.Reason == models.ReasonManual {
			t.To = models.StatusCompleted
		}
		t.Answers = req.Answers
		if t.Answers == nil {
			t.Answers = []models.Answer{}
		}

	default:
		switch LateSubmissionPolicy {
		case RejectLate:
			late = true
			t.To = models.StatusExpired
			t.Reason = models.ReasonTimeExpired
		}
	}

	applied, err := m.repo.FinalizeSubmission(ctx, sub.ID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize submission: %w", err)
	}

	stored, err := m.repo.GetSubmission(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	if stored == nil {
		return nil, ErrSubmissionNotFound
	}

	if !applied {
		slog.Info("submission already finalized",
			"id", sub.ID,
			"status", stored.Status,
			"reason", req.Reason,
		)
		return &FinalizeResult{Submission: stored, AlreadyFinalized: true}, nil
	}

	slog.Info("submission finalized",
		"id", sub.ID,
		"status", stored.Status,
		"reason", t.Reason,
		"late", late,
	)

	m.handoff(stored)

	if late {
		return nil, ErrExpired
	}
	return &FinalizeResult{Submission: stored}, nil
}

// handoff publishes the finalized submission without blocking the caller
func (m *Service) handoff(s *models.Submission) {
	if m.publisher == nil {
		return
	}

	h := evaluation.NewHandoff(s)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
		defer cancel()

		if err := m.publisher.Publish(ctx, h); err != nil {
			slog.Error("failed to publish evaluation handoff", "id", h.SubmissionID, "error", err)
		}
	}()
}

// Get returns a submission by id
func (m *Service) Get(ctx context.Context, id string) (*models.Submission, error) {
	sub, err := m.repo.GetSubmission(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	return sub, nil
}

// List returns submissions matching the filters
func (m *Service) List(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error) {
	return m.repo.ListSubmissions(ctx, filters)
}

// Heartbeat reconciles the client's elapsed time against the server clock.
// It never changes expires_at.
func (m *Service) Heartbeat(ctx context.Context, id string, clientElapsedSeconds float64) (*models.ClockStatus, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sub.Status == models.StatusReserved {
		activated, err := m.repo.ActivateSubmission(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to activate submission: %w", err)
		}
		if activated {
			sub.Status = models.StatusInProgress
		} else if sub, err = m.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	status := m.clockStatus(sub)
	if sub.IsTerminal() {
		return status, nil
	}

	serverElapsed := m.clock.Now().Sub(sub.StartedAt)
	status.DriftMs = int64(clientElapsedSeconds*1000) - serverElapsed.Milliseconds()

	if err := m.repo.RecordHeartbeat(ctx, id, status.ServerTime, status.DriftMs); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if abs(status.DriftMs) > 5000 {
		slog.Warn("client clock drift", "id", id, "drift_ms", status.DriftMs)
	}

	return status, nil
}

// Status returns the authoritative timer view without recording anything
func (m *Service) Status(ctx context.Context, id string) (*models.ClockStatus, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.clockStatus(sub), nil
}

func (m *Service) clockStatus(sub *models.Submission) *models.ClockStatus {
	now := m.clock.Now()

	end := now
	if at := sub.TerminalAt(); at != nil {
		end = *at
	}
	if end.After(sub.ExpiresAt) {
		end = sub.ExpiresAt
	}
	elapsed := end.Sub(sub.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := sub.TimeRemaining(now)
	if sub.IsTerminal() {
		remaining = 0
	}

	return &models.ClockStatus{
		SubmissionID:     sub.ID,
		Status:           sub.Status,
		ServerTime:       now,
		ExpiresAt:        sub.ExpiresAt,
		ElapsedSeconds:   int64(elapsed / time.Second),
		RemainingSeconds: int64(remaining / time.Second),
		DriftMs:          sub.ClientDriftMs,
	}
}

// RecordEvents appends proctoring events to a live submission
func (m *Service) RecordEvents(ctx context.Context, id string, events []models.ProctoringEvent) error {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.IsTerminal() {
		return ErrAlreadyFinalized
	}
	if len(events) == 0 {
		return nil
	}

	applied, err := m.repo.AppendProctoringEvents(ctx, id, events)
	if err != nil {
		return fmt.Errorf("failed to record proctoring events: %w", err)
	}
	if !applied {
		return ErrAlreadyFinalized
	}
	return nil
}

// GetAssessment returns an assessment by id, archived ones included
func (m *Service) GetAssessment(ctx context.Context, id string) (*models.Assessment, error) {
	a, err := m.repo.GetAssessment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	if a == nil {
		return nil, ErrAssessmentNotFound
	}
	return a, nil
}

// ListAssessments returns every assessment in the store
func (m *Service) ListAssessments(ctx context.Context) ([]*models.Assessment, error) {
	return m.repo.ListAssessments(ctx)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
