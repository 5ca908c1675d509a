package evaluation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig tunes the evaluation worker pool
type PoolConfig struct {
	Workers     int
	MaxRetries  int
	Backoff     time.Duration
	PopTimeout  time.Duration
	CallTimeout time.Duration
}

// Pool consumes handoffs from a queue and forwards them to an evaluator.
// A handoff that keeps failing is dead-lettered; submission state is never touched.
type Pool struct {
	queue     Queue
	evaluator Evaluator
	cfg       PoolConfig
	wg        sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(queue Queue, evaluator Evaluator, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Pool{queue: queue, evaluator: evaluator, cfg: cfg}
}

// Start launches the workers; they stop when ctx is cancelled
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("evaluation workers started", "workers", p.cfg.Workers)
}

// Wait blocks until every worker has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			slog.Info("evaluation worker stopped", "worker", id)
			return
		}

		d, err := p.queue.Pop(ctx, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("failed to pop evaluation handoff", "worker", id, "error", err)
				sleep(ctx, p.cfg.Backoff)
			}
			continue
		}
		if d == nil {
			continue
		}

		p.process(ctx, d)
	}
}

// process evaluates one delivery with exponential backoff between attempts.
// If ctx ends first the delivery is left unacked for redelivery.
func (p *Pool) process(ctx context.Context, d *Delivery) {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		lastErr = p.evaluator.Evaluate(callCtx, d.Handoff)
		cancel()

		if lastErr == nil {
			slog.Info("submission handed to evaluator", "submission_id", d.SubmissionID, "attempt", attempt)
			ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.queue.Ack(ackCtx, d); err != nil {
				slog.Error("failed to ack evaluation handoff", "submission_id", d.SubmissionID, "error", err)
			}
			return
		}

		slog.Warn("evaluation attempt failed",
			"submission_id", d.SubmissionID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < p.cfg.MaxRetries && !sleep(ctx, p.cfg.Backoff<<uint(attempt-1)) {
			slog.Info("evaluation interrupted, handoff left for redelivery", "submission_id", d.SubmissionID)
			return
		}
	}

	slog.Error("evaluation failed permanently, parking handoff",
		"submission_id", d.SubmissionID,
		"error", lastErr,
	)

	parkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.DeadLetter(parkCtx, d, lastErr); err != nil {
		slog.Error("failed to park evaluation handoff", "submission_id", d.SubmissionID, "error", err)
	}
}

// sleep waits for d or ctx; it reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
