package worker

import (
	"context"
	"os"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/store"
)

const reconcileReason = "output missing on disk (reconciliation)"

// ReconcileWorker is the periodic sweep that re-checks completed jobs
// against the filesystem. A completed job whose output vanished is flipped
// to failed so downstream consumers stop trusting it.
type ReconcileWorker struct {
	base
}

func NewReconcileWorker(st *store.Store, fanout *broadcast.Fanout) *ReconcileWorker {
	return &ReconcileWorker{base: newBase(st, nil, fanout, "reconcile")}
}

func (w *ReconcileWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	jobs, err := w.store.CompletedJobs()
	if err != nil {
		return err
	}

	flipped := 0
	for i := range jobs {
		job := &jobs[i]
		if outputIntact(job.OutputPath) {
			continue
		}
		if err := w.store.ReconcileFailJob(job.ID, reconcileReason); err != nil {
			w.log.Warnf("job %s: flip to failed: %v", job.ID, err)
			continue
		}
		flipped++
		w.log.Warnf("job %s (%s, track %d): output %s gone, marked failed",
			job.ID, job.Stage, job.TrackID, job.OutputPath)
		if failed, err := w.store.JobByID(job.ID); err == nil {
			w.fanout.StageFailed(ctx, failed)
		}
	}
	if flipped > 0 {
		w.log.Infof("swept %d completed jobs, flipped %d", len(jobs), flipped)
	}
	return nil
}

// outputIntact reports whether a recorded output still exists. Files must
// be non-empty; directories (stem output) must still have entries.
func outputIntact(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return info.Size() > 0
	}
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
