package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/pipeline"
)

// RecipeWorker runs one recipe build to completion and broadcasts the
// outcome on the run's topic. Build failures are announced, not retried:
// the builder already burned through every candidate.
type RecipeWorker struct {
	builder *pipeline.Builder
	fanout  *broadcast.Fanout
	log     *logrus.Entry
}

func NewRecipeWorker(builder *pipeline.Builder, fanout *broadcast.Fanout) *RecipeWorker {
	return &RecipeWorker{
		builder: builder,
		fanout:  fanout,
		log:     logrus.WithField("component", "recipe-worker"),
	}
}

func (w *RecipeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p pipeline.RecipeTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode recipe payload: %v: %w", err, asynq.SkipRetry)
	}

	recipe, err := w.builder.Build(ctx, p.RunID, &p.Request)
	if err != nil {
		w.log.Errorf("run %s: %v", p.RunID, err)
		w.fanout.RecipeFailed(ctx, p.RunID, err.Error())
		return fmt.Errorf("recipe run %s: %v: %w", p.RunID, err, asynq.SkipRetry)
	}

	w.log.Infof("run %s: assembled %d tracks (%d substitutions)",
		p.RunID, len(recipe.Tracks), len(recipe.Substitutions))
	w.fanout.RecipeReady(ctx, p.RunID, recipe)
	return nil
}
