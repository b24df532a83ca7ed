package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
)

// AutocueWorker turns a track's analysis into a set of beat-aligned cue
// points for the requesting user.
type AutocueWorker struct {
	base
}

func NewAutocueWorker(st *store.Store, gate *pipeline.Gate, fanout *broadcast.Fanout) *AutocueWorker {
	return &AutocueWorker{base: newBase(st, gate, fanout, "autocue-worker")}
}

func (w *AutocueWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := w.loadJob(t)
	if err != nil {
		return err
	}
	job, err = w.begin(ctx, job)
	if err != nil || job == nil {
		return err
	}

	analysis, err := w.store.AnalysisByTrack(job.TrackID)
	if errors.Is(err, store.ErrNotFound) {
		return w.fail(ctx, job, fmt.Errorf("track %d has no analysis; run analyze first", job.TrackID))
	}
	if err != nil {
		return w.fail(ctx, job, err)
	}

	plan := job.Options.CuePlan
	if !plan.IntroOutro && !plan.Drops && plan.PhraseBars == 0 {
		plan = model.CuePlan{IntroOutro: true, Drops: true, PhraseBars: 16}
	}

	w.progress(ctx, job.ID, 30)
	cues := pipeline.GenerateCues(job.TrackID, job.Options.UserID, analysis, plan)
	if len(cues) == 0 {
		return w.fail(ctx, job, fmt.Errorf("analysis for track %d lacks tempo or duration", job.TrackID))
	}

	if err := w.store.ReplaceAutoCues(job.TrackID, job.Options.UserID, cues); err != nil {
		return w.fail(ctx, job, fmt.Errorf("persist cues: %w", err))
	}
	w.log.Infof("job %s: generated %d cues for track %d", job.ID, len(cues), job.TrackID)

	return w.complete(ctx, job, "")
}
