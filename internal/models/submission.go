package models

import (
	"encoding/json"
	"time"
)

// SubmissionStatus represents the lifecycle state of a candidate attempt
type SubmissionStatus string

const (
	StatusReserved      SubmissionStatus = "reserved"                 // Created, candidate not seen yet
	StatusInProgress    SubmissionStatus = "in-progress"              // Timer running
	StatusCompleted     SubmissionStatus = "completed"                // Candidate submitted in time
	StatusAutoSubmitted SubmissionStatus = "completed_auto_submitted" // Client auto-submitted (grace timeout, violations)
	StatusExpired       SubmissionStatus = "expired"                  // Closed by time, answers not accepted
)

// IsTerminal returns true if no further transition is allowed
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAutoSubmitted || s == StatusExpired
}

// IsValid reports whether s is a known status
func (s SubmissionStatus) IsValid() bool {
	switch s {
	case StatusReserved, StatusInProgress, StatusCompleted, StatusAutoSubmitted, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next follows the state machine.
// Statuses only move forward: reserved -> in-progress -> terminal.
func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	switch s {
	case StatusReserved:
		return next == StatusInProgress || next.IsTerminal()
	case StatusInProgress:
		return next.IsTerminal()
	}
	return false
}

// FinalizeReason says why a submission is being closed
type FinalizeReason string

const (
	ReasonManual              FinalizeReason = "manual"
	ReasonTimeExpired         FinalizeReason = "time_expired"
	ReasonGracePeriodExpired  FinalizeReason = "grace_period_expired"
	ReasonWindowViolations    FinalizeReason = "window_violations"
	ReasonTabSwitchViolations FinalizeReason = "tab_switch_violations"
)

// IsValid reports whether r is a known reason
func (r FinalizeReason) IsValid() bool {
	switch r {
	case ReasonManual, ReasonTimeExpired, ReasonGracePeriodExpired, ReasonWindowViolations, ReasonTabSwitchViolations:
		return true
	}
	return false
}

// Answer is a single per-question response
type Answer struct {
	QuestionID string          `json:"question_id"`
	Response   json.RawMessage `json:"response"`
}

// ProctoringEvent is a client-reported integrity event (tab switch, window exit).
// Informational only, never affects timing.
type ProctoringEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// Submission is one candidate's attempt at an assessment
type Submission struct {
	ID               string            `json:"submission_id"`
	AssessmentID     string            `json:"assessment_id"`
	CandidateID      string            `json:"candidate_id"`
	Status           SubmissionStatus  `json:"status"`
	DurationMinutes  int               `json:"duration_minutes"`
	StartedAt        time.Time         `json:"started_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	ExpiredAt        *time.Time        `json:"expired_at,omitempty"`
	FinalizeReason   FinalizeReason    `json:"finalize_reason,omitempty"`
	Answers          []Answer          `json:"answers"`
	ProctoringEvents []ProctoringEvent `json:"proctoring_events"`
	LastSeenAt       *time.Time        `json:"last_seen_at,omitempty"`
	ClientDriftMs    int64             `json:"client_drift_ms"`
}

// IsTerminal returns true if the submission has been finalized
func (s *Submission) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// TerminalAt returns the single terminal timestamp, or nil while live
func (s *Submission) TerminalAt() *time.Time {
	if s.SubmittedAt != nil {
		return s.SubmittedAt
	}
	return s.ExpiredAt
}

// IsExpired checks whether now is past expires_at
func (s *Submission) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// WithinGrace reports whether now is no later than expires_at + grace
func (s *Submission) WithinGrace(now time.Time, grace time.Duration) bool {
	return !now.After(s.ExpiresAt.Add(grace))
}

// TimeRemaining returns the duration until expiry (0 once expired)
func (s *Submission) TimeRemaining(now time.Time) time.Duration {
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Transition describes the single conditional terminal write
type Transition struct {
	To      SubmissionStatus
	Reason  FinalizeReason
	At      time.Time
	Answers []Answer
	Events  []ProctoringEvent
}

// ExpiredSubmission is the narrow projection scanned by the expiry sweep
type ExpiredSubmission struct {
	ID           string
	AssessmentID string
	CandidateID  string
	ExpiresAt    time.Time
}

// SubmissionFilters defines filters for listing submissions
type SubmissionFilters struct {
	AssessmentID string
	CandidateID  string
	Status       SubmissionStatus
	Limit        int
	Offset       int
}

// StartRequest represents a request to start an assessment
type StartRequest struct {
	AssessmentID string `json:"assessment_id"`
	CandidateID  string `json:"candidate_id,omitempty"`
}

// StartResponse is returned after starting (or resuming) a submission
type StartResponse struct {
	SubmissionID    string           `json:"submission_id"`
	AssessmentID    string           `json:"assessment_id"`
	Status          SubmissionStatus `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	DurationMinutes int              `json:"duration_minutes"`
	Resumed         bool             `json:"resumed"`
}

// FinalizeRequest represents a request to close a submission
type FinalizeRequest struct {
	SubmissionID     string            `json:"submission_id"`
	Reason           FinalizeReason    `json:"reason"`
	Answers          []Answer          `json:"answers,omitempty"`
	ProctoringEvents []ProctoringEvent `json:"proctoring_events,omitempty"`
}

// FinalizeResponse is returned by the finalize endpoint
type FinalizeResponse struct {
	SubmissionID      string           `json:"submission_id"`
	Status            SubmissionStatus `json:"status"`
	TerminalTimestamp *time.Time       `json:"terminal_timestamp"`
	AlreadyFinalized  bool             `json:"already_finalized"`
}

// HeartbeatRequest carries the client's own view of elapsed time
type HeartbeatRequest struct {
	ClientElapsedSeconds float64 `json:"client_elapsed_seconds"`
}

// ClockStatus is the server's authoritative view of a submission's timer
type ClockStatus struct {
	SubmissionID     string           `json:"submission_id"`
	Status           SubmissionStatus `json:"status"`
	ServerTime       time.Time        `json:"server_time"`
	ExpiresAt        time.Time        `json:"expires_at"`
	ElapsedSeconds   int64            `json:"elapsed_seconds"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	DriftMs          int64            `json:"drift_ms"`
}

// RecordEventsRequest appends proctoring events to a live submission
type RecordEventsRequest struct {
	Events []ProctoringEvent `json:"events"`
}
