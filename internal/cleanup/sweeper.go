package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terra-clan/assessment-engine/internal/clock"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/submission"
)

// ExpiredLister finds non-terminal submissions whose expiry is before cutoff
type ExpiredLister interface {
	ListExpiredSubmissions(ctx context.Context, cutoff time.Time, limit int) ([]models.ExpiredSubmission, error)
}

// Finalizer closes a submission
type Finalizer interface {
	Finalize(ctx context.Context, req models.FinalizeRequest) (*submission.FinalizeResult, error)
}

// SweepConfig tunes the expiry sweep
type SweepConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration
	BatchSize   int
	Concurrency int
}

// SweepReport summarizes one sweep run
type SweepReport struct {
	Expired      int
	AlreadyFinal int
	Failed       int
}

// Sweeper periodically expires submissions the client never closed
type Sweeper struct {
	lister    ExpiredLister
	finalizer Finalizer
	clock     clock.Clock
	cfg       SweepConfig
	wg        sync.WaitGroup
}

// NewSweeper creates a new expiry sweep worker
func NewSweeper(lister ExpiredLister, finalizer Finalizer, clk clock.Clock, cfg SweepConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Sweeper{
		lister:    lister,
		finalizer: finalizer,
		clock:     clk,
		cfg:       cfg,
	}
}

// Start begins the sweep loop in a goroutine; it stops when ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Wait blocks until the sweep loop has returned
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	slog.Info("expiry sweep started", "interval", s.cfg.Interval, "grace", s.cfg.GracePeriod)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweep stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce expires every submission past expires_at + grace. Safe to repeat.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var total SweepReport

	for ctx.Err() == nil {
		cutoff := s.clock.Now().Add(-s.cfg.GracePeriod)

		batch, err := s.lister.ListExpiredSubmissions(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			slog.Error("failed to list expired submissions", "error", err)
			break
		}
		if len(batch) == 0 {
			break
		}

		report := s.sweepBatch(ctx, batch)
		total.Expired += report.Expired
		total.AlreadyFinal += report.AlreadyFinal
		total.Failed += report.Failed

		// Failed rows would come back in the next batch
		if report.Failed > 0 || len(batch) < s.cfg.BatchSize {
			break
		}
	}

	if total != (SweepReport{}) {
		slog.Info("expiry sweep finished",
			"expired", total.Expired,
			"already_final", total.AlreadyFinal,
			"failed", total.Failed,
		)
	} else {
		slog.Debug("no expired submissions found")
	}

	return total
}

func (s *Sweeper) sweepBatch(ctx context.Context, batch []models.ExpiredSubmission) SweepReport {
	var expired, alreadyFinal, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, sub := range batch {
		sub := sub
		g.Go(func() error {
			res, err := s.finalizer.Finalize(gctx, models.FinalizeRequest{
				SubmissionID: sub.ID,
				Reason:       models.ReasonTimeExpired,
			})
			if err != nil {
				failed.Add(1)
				slog.Error("failed to expire submission",
					"error", err,
					"id", sub.ID,
					"assessment_id", sub.AssessmentID,
					"candidate_id", sub.CandidateID,
				)
				return nil
			}

			if res.AlreadyFinalized {
				alreadyFinal.Add(1)
				return nil
			}

			expired.Add(1)
			slog.Info("submission expired by sweep",
				"id", sub.ID,
				"candidate_id", sub.CandidateID,
				"expires_at", sub.ExpiresAt,
			)
			return nil
		})
	}
	g.Wait()

	return SweepReport{
		Expired:      int(expired.Load()),
		AlreadyFinal: int(alreadyFinal.Load()),
		Failed:       int(failed.Load()),
	}
}
