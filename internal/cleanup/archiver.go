package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/terra-clan/assessment-engine/internal/clock"
	"github.com/terra-clan/assessment-engine/internal/models"
)

// ArchiveStore is the part of the repository the archiver needs
type ArchiveStore interface {
	ListArchivableAssessments(ctx context.Context, createdBefore time.Time) ([]*models.Assessment, error)
	ArchiveAssessment(ctx context.Context, id string, at time.Time) (bool, error)
}

// Archiver retires auto-created assessments once nobody is taking them
type Archiver struct {
	store    ArchiveStore
	clock    clock.Clock
	interval time.Duration
	minAge   time.Duration
	wg       sync.WaitGroup
}

// NewArchiver creates a new archival worker
func NewArchiver(store ArchiveStore, clk clock.Clock, interval, minAge time.Duration) *Archiver {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if minAge <= 0 {
		minAge = 30 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Archiver{
		store:    store,
		clock:    clk,
		interval: interval,
		minAge:   minAge,
	}
}

// Start begins the archival loop in a goroutine
func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

// Wait blocks until the archival loop has returned
func (a *Archiver) Wait() {
	a.wg.Wait()
}

func (a *Archiver) run(ctx context.Context) {
	slog.Info("archiver started", "interval", a.interval, "min_age", a.minAge)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("archiver stopped")
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce archives eligible assessments and returns how many were archived
func (a *Archiver) RunOnce(ctx context.Context) int {
	now := a.clock.Now()

	candidates, err := a.store.ListArchivableAssessments(ctx, now.Add(-a.minAge))
	if err != nil {
		slog.Error("failed to list archivable assessments", "error", err)
		return 0
	}

	archived := 0
	for _, as := range candidates {
		ok, err := a.store.ArchiveAssessment(ctx, as.ID, now)
		if err != nil {
			slog.Error("failed to archive assessment", "error", err, "id", as.ID)
			continue
		}
		if !ok {
			// A submission went live in the meantime
			continue
		}
		archived++
		slog.Info("assessment archived", "id", as.ID, "created_at", as.CreatedAt)
	}

	return archived
}
