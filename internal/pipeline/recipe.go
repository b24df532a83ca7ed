package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/store"
)

// ErrAllTracksFailed means no position in the recipe could be filled.
var ErrAllTracksFailed = errors.New("recipe: every track and candidate failed")

// RecipeTaskPayload carries a full build request through the queue; recipe
// runs have no job row, the run ID is the correlation handle.
type RecipeTaskPayload struct {
	RunID   string                   `json:"runId"`
	Request model.RecipeBuildRequest `json:"request"`
}

const (
	defaultWaitTimeout  = 30 * time.Minute
	defaultPollInterval = time.Second
)

// Builder assembles a multi-track recipe. Primaries are processed in
// request order; when one fails, candidates from a shared pool stand in.
// A candidate is consumed the moment it is tried, whether or not it
// succeeds, so no replacement track ever appears twice in one recipe.
type Builder struct {
	store  *store.Store
	gate   *Gate
	fanout *broadcast.Fanout
	log    *logrus.Entry

	waitTimeout  time.Duration
	pollInterval time.Duration
}

func NewBuilder(st *store.Store, gate *Gate, fanout *broadcast.Fanout) *Builder {
	return &Builder{
		store:        st,
		gate:         gate,
		fanout:       fanout,
		log:          logrus.WithField("component", "recipe"),
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
	}
}

// Build runs one recipe to completion. It blocks until every position is
// filled or skipped, so it is meant to run inside a queue task, not a
// request handler.
func (b *Builder) Build(ctx context.Context, runID string, req *model.RecipeBuildRequest) (*model.Recipe, error) {
	primaries := make(map[uint]bool, len(req.PrimaryTrackIDs))
	for _, id := range req.PrimaryTrackIDs {
		primaries[id] = true
	}

	// Candidates that are also primaries are already spoken for.
	var pool []uint
	for _, id := range req.CandidateIDs {
		if !primaries[id] {
			pool = append(pool, id)
		}
	}

	recipe := &model.Recipe{
		ID:        runID,
		Params:    paramsFrom(req),
		CreatedAt: time.Now(),
	}

	for position, primaryID := range req.PrimaryTrackIDs {
		entry, err := b.processTrack(ctx, primaryID, req)
		if err == nil {
			recipe.Tracks = append(recipe.Tracks, *entry)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.log.Warnf("run %s: primary track %d failed at position %d: %v", runID, primaryID, position, err)

		filled := false
		for len(pool) > 0 {
			candidateID := pool[0]
			pool = pool[1:]
			entry, err := b.processTrack(ctx, candidateID, req)
			if err == nil {
				recipe.Tracks = append(recipe.Tracks, *entry)
				recipe.Substitutions = append(recipe.Substitutions, model.Substitution{
					OriginalTrackID:    primaryID,
					ReplacementTrackID: candidateID,
				})
				filled = true
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.log.Warnf("run %s: candidate track %d failed: %v", runID, candidateID, err)
		}
		if !filled {
			b.fanout.TrackSkipped(ctx, primaryID, "no working candidate available")
		}
	}

	if len(recipe.Tracks) == 0 {
		return nil, ErrAllTracksFailed
	}
	return recipe, nil
}

// processTrack runs download, separation and analysis for one track and
// returns its finalized recipe entry. A separation failure fails the
// track; an analysis failure does not, the entry just carries a pending
// analysis placeholder.
func (b *Builder) processTrack(ctx context.Context, trackID uint, req *model.RecipeBuildRequest) (*model.RecipeTrack, error) {
	track, err := b.store.TrackByID(trackID)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", trackID, err)
	}

	opts := stageOptions(req)

	if err := b.runStage(ctx, trackID, model.StageDownload, opts); err != nil {
		return nil, err
	}
	if err := b.runStage(ctx, trackID, model.StageSeparate, opts); err != nil {
		return nil, err
	}

	entry := &model.RecipeTrack{
		TrackID:        trackID,
		Title:          track.Title,
		Artist:         track.Artist,
		AnalysisStatus: model.AnalysisPending,
	}

	stems, err := b.store.StemsOfKinds(trackID, RequestedKinds(opts))
	if err != nil {
		return nil, fmt.Errorf("track %d stems: %w", trackID, err)
	}
	for _, stem := range stems {
		entry.Stems = append(entry.Stems, model.RecipeStem{Kind: stem.Kind, Path: stem.Path})
	}

	if err := b.runStage(ctx, trackID, model.StageAnalyze, opts); err != nil {
		b.log.Warnf("track %d: analysis unavailable, assembling without it: %v", trackID, err)
		return entry, nil
	}
	analysis, err := b.store.AnalysisByTrack(trackID)
	if err != nil {
		return entry, nil
	}
	entry.Analysis = &model.RecipeAnalysis{
		Tempo:  analysis.Tempo,
		Key:    analysis.Key,
		Energy: analysis.Energy,
	}
	entry.AnalysisStatus = model.AnalysisReady
	return entry, nil
}

// runStage ensures one stage and, when a job was scheduled, blocks until
// it reaches a terminal status.
func (b *Builder) runStage(ctx context.Context, trackID uint, stage model.Stage, opts model.StageOptions) error {
	res, err := b.gate.Ensure(ctx, trackID, stage, opts)
	if err != nil {
		return fmt.Errorf("%s track %d: %w", stage, trackID, err)
	}
	if res.Satisfied {
		return nil
	}

	job, err := b.waitForJob(ctx, res.JobID)
	if err != nil {
		return fmt.Errorf("%s track %d: %w", stage, trackID, err)
	}
	if job.Status == model.JobStatusFailed {
		return fmt.Errorf("%s track %d: %s", stage, trackID, job.Error)
	}
	return nil
}

func (b *Builder) waitForJob(ctx context.Context, jobID string) (*model.StageJob, error) {
	deadline := time.NewTimer(b.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		job, err := b.store.JobByID(jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("job %s: wait timeout after %s", jobID, b.waitTimeout)
		case <-ticker.C:
		}
	}
}

func stageOptions(req *model.RecipeBuildRequest) model.StageOptions {
	return model.StageOptions{
		StemKinds: req.StemKinds,
		Engine:    req.Engine,
		Model:     req.Model,
		Variant:   req.Variant,
		AutoCue:   req.AutoCue,
		CuePlan:   req.CuePlan,
		UserID:    req.UserID,
	}
}

func paramsFrom(req *model.RecipeBuildRequest) model.RecipeParams {
	return model.RecipeParams{
		StemKinds: req.StemKinds,
		Engine:    req.Engine,
		Model:     req.Model,
		Variant:   req.Variant,
		AutoCue:   req.AutoCue,
		CuePlan:   req.CuePlan,
		UserID:    req.UserID,
		Extra:     req.Params,
	}
}
