package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/kai/ledger-engine/internal/model"
)

// DefaultWorkerInterval is how often the worker scans for pending jobs.
const DefaultWorkerInterval = 30 * time.Second

// Worker resumes payout jobs that did not finish in their original run:
// jobs left pending after a transient failure, or jobs stranded in
// processing by a crash.
type Worker struct {
	orchestrator *Orchestrator
	interval     time.Duration

	// staleAfter is how long a job may sit in processing before the
	// worker assumes its runner died and takes it over.
	staleAfter time.Duration
}

// NewWorker creates a settlement worker. A non-positive interval falls
// back to DefaultWorkerInterval.
func NewWorker(o *Orchestrator, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	return &Worker{
		orchestrator: o,
		interval:     interval,
		staleAfter:   5 * time.Minute,
	}
}

// Run scans for unfinished jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("settlement worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs every resumable job once. Each run either completes the job
// or pushes it toward its retry limit; the next sweep picks up whatever
// is still unfinished.
func (w *Worker) sweep(ctx context.Context) {
	jobs, err := w.resumable(ctx)
	if err != nil {
		slog.Error("settlement worker scan failed", "err", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		slog.Info("resuming payout job",
			"job", job.ID, "market", job.MarketID, "attempt", job.RetryCount+1)
		if err := w.orchestrator.RunJob(ctx, job); err != nil {
			slog.Warn("resumed job did not complete", "job", job.ID, "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) resumable(ctx context.Context) ([]model.PayoutJob, error) {
	pending, err := w.orchestrator.store.ListPayoutJobsByStatus(ctx, model.JobPending)
	if err != nil {
		return nil, err
	}
	processing, err := w.orchestrator.store.ListPayoutJobsByStatus(ctx, model.JobProcessing)
	if err != nil {
		return nil, err
	}
	jobs := pending
	cutoff := time.Now().UTC().Add(-w.staleAfter)
	for _, j := range processing {
		if j.StartedAt.Before(cutoff) {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
