// Package worker holds the durable-queue task handlers, one per pipeline
// stage plus the recipe and reconciliation tasks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
)

// base carries what every stage worker needs: the store for job
// lifecycle, the gate for chaining the next stage, and the fanout for
// progress events.
type base struct {
	store  *store.Store
	gate   *pipeline.Gate
	fanout *broadcast.Fanout
	log    *logrus.Entry
}

func newBase(st *store.Store, gate *pipeline.Gate, fanout *broadcast.Fanout, component string) base {
	return base{
		store:  st,
		gate:   gate,
		fanout: fanout,
		log:    logrus.WithField("component", component),
	}
}

// loadJob decodes the task envelope and fetches the job row. A payload or
// row that cannot be resolved will never resolve, so retrying is pointless.
func (b *base) loadJob(t *asynq.Task) (*model.StageJob, error) {
	var p pipeline.TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return nil, fmt.Errorf("decode task payload: %v: %w", err, asynq.SkipRetry)
	}
	job, err := b.store.JobByID(p.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
	}
	return job, nil
}

// begin moves the job to running at progress 0 and announces it. A nil job
// with nil error means the job was already picked up or finished elsewhere
// and this delivery should be dropped.
func (b *base) begin(ctx context.Context, job *model.StageJob) (*model.StageJob, error) {
	running, err := b.store.MarkJobRunning(job.ID)
	if errors.Is(err, store.ErrStatusConflict) {
		b.log.Warnf("job %s already %s, dropping duplicate delivery", job.ID, job.Status)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.fanout.Progress(ctx, running)
	return running, nil
}

// progress persists a new progress value and broadcasts it. Broadcast and
// persistence failures are logged, never fatal to the stage.
func (b *base) progress(ctx context.Context, jobID string, percent int) {
	job, err := b.store.SetJobProgress(jobID, percent)
	if err != nil {
		b.log.Warnf("job %s: set progress %d: %v", jobID, percent, err)
		return
	}
	b.fanout.Progress(ctx, job)
}

// complete marks the job done, announces it, and schedules the next stage
// in the chain.
func (b *base) complete(ctx context.Context, job *model.StageJob, outputPath string) error {
	done, err := b.store.CompleteJob(job.ID, outputPath)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	b.fanout.StageComplete(ctx, done)
	return b.advance(ctx, done)
}

// advance chains the stage that follows the just-completed one. The final
// stage of a track's chain emits the pipeline-complete event instead.
func (b *base) advance(ctx context.Context, job *model.StageJob) error {
	next := model.NextStage(job.Stage)
	if next == model.StageAutocue && !job.Options.AutoCue {
		next = ""
	}
	if next == "" {
		b.fanout.PipelineComplete(ctx, job.TrackID, job.Options.UserID)
		return nil
	}
	if _, err := b.gate.Ensure(ctx, job.TrackID, next, job.Options); err != nil {
		return fmt.Errorf("chain %s after %s: %w", next, job.Stage, err)
	}
	return nil
}

// fail marks the job terminally failed, removes any partial outputs, and
// stops the chain. The returned error carries SkipRetry: a failed stage is
// final, re-running it is an explicit new request through the gate.
func (b *base) fail(ctx context.Context, job *model.StageJob, cause error, partial ...string) error {
	for _, path := range partial {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			b.log.Warnf("job %s: remove partial output %s: %v", job.ID, path, err)
		}
	}
	failed, err := b.store.FailJob(job.ID, cause.Error())
	if err != nil {
		b.log.Errorf("job %s: record failure: %v", job.ID, err)
	}
	if failed != nil {
		b.fanout.StageFailed(ctx, failed)
	}
	return fmt.Errorf("%s job %s: %v: %w", job.Stage, job.ID, cause, asynq.SkipRetry)
}
