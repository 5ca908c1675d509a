package evaluation

import (
	"context"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Handoff is the payload sent downstream for scoring once a submission is final
type Handoff struct {
	SubmissionID string                  `json:"submission_id"`
	AssessmentID string                  `json:"assessment_id"`
	CandidateID  string                  `json:"candidate_id"`
	Status       models.SubmissionStatus `json:"status"`
	Answers      []models.Answer         `json:"answers"`
	FinalizedAt  time.Time               `json:"finalized_at"`
}

// NewHandoff builds the payload for a finalized submission
func NewHandoff(s *models.Submission) Handoff {
	h := Handoff{
		SubmissionID: s.ID,
		AssessmentID: s.AssessmentID,
		CandidateID:  s.CandidateID,
		Status:       s.Status,
		Answers:      s.Answers,
	}
	if at := s.TerminalAt(); at != nil {
		h.FinalizedAt = *at
	}
	if h.Answers == nil {
		h.Answers = []models.Answer{}
	}
	return h
}

// Publisher enqueues handoffs. Implementations must not block past ctx.
type Publisher interface {
	Publish(ctx context.Context, h Handoff) error
}

// Delivery is a popped handoff. Receipt identifies it to Ack and DeadLetter.
type Delivery struct {
	Handoff
	Receipt string
}

// Queue is a Publisher that workers can also consume from. A popped
// delivery stays owned by the queue until it is acked or dead-lettered.
type Queue interface {
	Publisher
	// Pop waits up to timeout for the next handoff; nil, nil on timeout
	Pop(ctx context.Context, timeout time.Duration) (*Delivery, error)
	// Ack marks a delivery as evaluated
	Ack(ctx context.Context, d *Delivery) error
	// DeadLetter parks a delivery that exhausted its retries
	DeadLetter(ctx context.Context, d *Delivery, cause error) error
}

// Evaluator scores a single handoff
type Evaluator interface {
	Evaluate(ctx context.Context, h Handoff) error
}
