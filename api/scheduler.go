/*
scheduler.go - Automated overdue fine scheduler

PURPOSE:
  Periodically visits every open, overdue circulation without a stop-fines
  marker and generates whatever fines have accrued since the last visit.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each visit is its own atomic unit; one failing circulation does not
    abort the run
  - Records recent runs (uuid run id, counts, status) for audit and UI display

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewFineScheduler(store, ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunFines endpoint (manual run)
  - billing/fines.go: GenerateFinesForCirc
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/observability"
)

// maxRecentRuns bounds the run history kept in memory.
const maxRecentRuns = 50

// FineRun records one pass over the overdue circulations.
type FineRun struct {
	ID           string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Visited      int
	Generated    int
	FinesCreated int
	Failed       int
	Error        string
}

// FineScheduler handles automated fine generation.
type FineScheduler struct {
	Finder        billing.CirculationFinder
	Ledger        *billing.Ledger
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	// Now supplies the as-of time for the overdue scan.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.Mutex
	runs   []FineRun
}

// NewFineScheduler creates a new scheduler.
func NewFineScheduler(finder billing.CirculationFinder, ledger *billing.Ledger, logger *slog.Logger) *FineScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FineScheduler{
		Finder:        finder,
		Ledger:        ledger,
		Logger:        logger.With("component", "fine_scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (fs *FineScheduler) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.Enabled {
		fs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if fs.ticker != nil {
		return
	}

	fs.ticker = time.NewTicker(fs.CheckInterval)
	fs.stop = make(chan struct{})
	fs.wg.Add(1)

	go fs.run(fs.ticker, fs.stop)

	fs.Logger.Info("scheduler started", "interval", fs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (fs *FineScheduler) Stop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ticker != nil {
		fs.ticker.Stop()
		close(fs.stop)
		fs.wg.Wait()
		fs.ticker = nil
		fs.Logger.Info("scheduler stopped")
	}
}

func (fs *FineScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer fs.wg.Done()

	// Run immediately on start
	fs.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			fs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass immediately and returns its record.
func (fs *FineScheduler) RunNow(ctx context.Context) FineRun {
	start := time.Now()
	run := FineRun{
		ID:        uuid.NewString(),
		Status:    "running",
		StartedAt: fs.Now(),
	}
	logger := fs.Logger.With("run_id", run.ID)

	circs, err := fs.Finder.FindOverdueCirculations(ctx, run.StartedAt)
	if err != nil {
		logger.Error("failed to list overdue circulations", "error", err)
		run.Status = "failed"
		run.Error = err.Error()
		fs.finish(&run, start)
		return run
	}

	for _, circ := range circs {
		run.Visited++
		res, err := fs.Ledger.GenerateFinesForCirc(ctx, circ.ID)
		if err != nil {
			run.Failed++
			observability.SchedulerCirculations.WithLabelValues("error").Inc()
			logger.Error("fine generation failed", "circ_id", circ.ID, "error", err)
			continue
		}
		observability.SchedulerCirculations.WithLabelValues(string(res.Outcome)).Inc()
		if len(res.Created) > 0 {
			run.Generated++
			run.FinesCreated += len(res.Created)
		}
	}

	run.Status = "completed"
	if run.Failed > 0 {
		run.Status = "completed_with_errors"
	}
	fs.finish(&run, start)

	logger.Info("fine run completed",
		"visited", run.Visited,
		"generated", run.Generated,
		"fines_created", run.FinesCreated,
		"failed", run.Failed,
	)
	return run
}

func (fs *FineScheduler) finish(run *FineRun, start time.Time) {
	done := fs.Now()
	run.CompletedAt = &done
	observability.SchedulerRunDuration.Observe(time.Since(start).Seconds())

	fs.runsMu.Lock()
	defer fs.runsMu.Unlock()
	fs.runs = append(fs.runs, *run)
	if len(fs.runs) > maxRecentRuns {
		fs.runs = fs.runs[len(fs.runs)-maxRecentRuns:]
	}
}

// Runs returns recent runs, newest first.
func (fs *FineScheduler) Runs() []FineRun {
	fs.runsMu.Lock()
	defer fs.runsMu.Unlock()

	out := make([]FineRun, 0, len(fs.runs))
	for i := len(fs.runs) - 1; i >= 0; i-- {
		out = append(out, fs.runs[i])
	}
	return out
}

// GetNextRunTime returns when the next scheduled check will occur.
func (fs *FineScheduler) GetNextRunTime() time.Time {
	return fs.Now().Add(fs.CheckInterval)
}
