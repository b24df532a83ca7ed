package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/client"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
)

// AnalyzeWorker extracts audio features from a downloaded track and stores
// them as the track's analysis result.
type AnalyzeWorker struct {
	base
	analyzer        client.Analyzer
	defaultFeatures []string
}

func NewAnalyzeWorker(st *store.Store, gate *pipeline.Gate, fanout *broadcast.Fanout, an client.Analyzer, defaultFeatures []string) *AnalyzeWorker {
	return &AnalyzeWorker{
		base:            newBase(st, gate, fanout, "analyze-worker"),
		analyzer:        an,
		defaultFeatures: defaultFeatures,
	}
}

func (w *AnalyzeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := w.loadJob(t)
	if err != nil {
		return err
	}
	job, err = w.begin(ctx, job)
	if err != nil || job == nil {
		return err
	}

	track, err := w.store.TrackByID(job.TrackID)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("load track %d: %w", job.TrackID, err))
	}
	if track.LocalPath == "" {
		return w.fail(ctx, job, fmt.Errorf("track %d has no local audio; run download first", track.ID))
	}

	features := job.Options.Features
	if len(features) == 0 {
		features = w.defaultFeatures
	}

	w.progress(ctx, job.ID, 10)
	raw, err := w.analyzer.Analyze(ctx, track.LocalPath, features)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	w.progress(ctx, job.ID, 85)

	result := &model.AnalysisResult{
		TrackID:    track.ID,
		Tempo:      floatFeature(raw, "tempo"),
		Key:        stringFeature(raw, "key"),
		Energy:     floatFeature(raw, "energy"),
		Duration:   floatFeature(raw, "duration"),
		SampleRate: int(floatFeature(raw, "sample_rate")),
		Features:   raw,
	}
	if result.Duration == 0 {
		result.Duration = track.Duration
	}
	if err := w.store.ReplaceAnalysis(result); err != nil {
		return w.fail(ctx, job, fmt.Errorf("persist analysis: %w", err))
	}

	return w.complete(ctx, job, track.LocalPath)
}

func floatFeature(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func stringFeature(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
