// Package pipeline contains the orchestration core: the stage gate, the
// async task poller, auto-cue generation and the recipe substitution
// engine.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/store"
)

// Task type and queue names for the durable queue.
const (
	TaskTypeDownload      = "pipeline:download"
	TaskTypeSeparate      = "pipeline:separate"
	TaskTypeCloudSeparate = "pipeline:cloud_separate"
	TaskTypeAnalyze       = "pipeline:analyze"
	TaskTypeAutocue       = "pipeline:autocue"
	TaskTypeRecipe        = "recipe:build"
	TaskTypeReconcile     = "maintenance:reconcile"

	QueueDownload = "download"
	QueueSeparate = "separate"
	QueueAnalyze  = "analyze"
	QueueRecipe   = "recipe"
)

// TaskPayload is the envelope every stage task carries; everything else
// lives on the StageJob row.
type TaskPayload struct {
	JobID string `json:"jobId"`
	RunID string `json:"runId,omitempty"` // recipe builds only
}

// Enqueuer is the slice of the durable queue client the gate uses.
// *asynq.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnsureResult reports what Ensure did: the stage was already satisfied, or
// a job (new or already in flight) is scheduled.
type EnsureResult struct {
	Satisfied bool
	JobID     string
}

// Gate decides whether a stage's artifact already exists and is usable,
// and schedules a stage job when it is not. Calling Ensure for a satisfied
// stage has no side effects, which is what makes multi-track recipe
// assembly idempotent when tracks are reused across recipes.
type Gate struct {
	store  *store.Store
	queue  Enqueuer
	fanout *broadcast.Fanout
	log    *logrus.Entry

	fileExists func(path string) bool
}

func NewGate(st *store.Store, queue Enqueuer, fanout *broadcast.Fanout) *Gate {
	return &Gate{
		store:  st,
		queue:  queue,
		fanout: fanout,
		log:    logrus.WithField("component", "gate"),
		fileExists: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && info.Size() > 0
		},
	}
}

// Ensure checks the stage's artifact and, when absent, creates a queued
// StageJob and submits it to the durable queue. Non-blocking: the job ID is
// returned immediately.
func (g *Gate) Ensure(ctx context.Context, trackID uint, stage model.Stage, opts model.StageOptions) (EnsureResult, error) {
	ok, err := g.satisfied(trackID, stage, opts)
	if err != nil {
		return EnsureResult{}, err
	}
	if ok {
		return EnsureResult{Satisfied: true}, nil
	}

	// A job already in flight for this (track, stage) is the scheduled
	// unit; a second one would race it on the same output directory.
	if active, err := g.store.ActiveJob(trackID, stage); err == nil {
		return EnsureResult{JobID: active.ID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return EnsureResult{}, err
	}

	job := &model.StageJob{
		ID:      uuid.New().String(),
		TrackID: trackID,
		Stage:   stage,
		Status:  model.JobStatusQueued,
		Options: opts,
	}
	if err := g.store.CreateJob(job); err != nil {
		return EnsureResult{}, fmt.Errorf("create stage job: %w", err)
	}

	payload, err := json.Marshal(TaskPayload{JobID: job.ID})
	if err != nil {
		return EnsureResult{}, fmt.Errorf("marshal task payload: %w", err)
	}
	task := asynq.NewTask(taskTypeFor(stage, opts), payload)
	if _, err := g.queue.Enqueue(task,
		asynq.Queue(queueFor(stage)),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	); err != nil {
		return EnsureResult{}, fmt.Errorf("enqueue %s for track %d: %w", stage, trackID, err)
	}

	g.log.Infof("scheduled %s for track %d (job %s)", stage, trackID, job.ID)
	g.fanout.Progress(ctx, job)
	return EnsureResult{JobID: job.ID}, nil
}

// satisfied reports whether the stage's artifact already exists and is
// usable.
func (g *Gate) satisfied(trackID uint, stage model.Stage, opts model.StageOptions) (bool, error) {
	switch stage {
	case model.StageDownload:
		track, err := g.store.TrackByID(trackID)
		if err != nil {
			return false, err
		}
		return track.LocalPath != "" && g.fileExists(track.LocalPath), nil

	case model.StageSeparate:
		kinds := RequestedKinds(opts)
		stems, err := g.store.StemsOfKinds(trackID, kinds)
		if err != nil {
			return false, err
		}
		present := make(map[model.StemKind]bool)
		for _, stem := range stems {
			if g.fileExists(stem.Path) {
				present[stem.Kind] = true
			}
		}
		for _, kind := range kinds {
			if !present[kind] {
				return false, nil
			}
		}
		return true, nil

	case model.StageAnalyze:
		_, err := g.store.AnalysisByTrack(trackID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case model.StageAutocue:
		return g.store.HasAutoCues(trackID, opts.UserID)
	}
	return false, fmt.Errorf("unknown stage %q", stage)
}

// RequestedKinds resolves the stem set a separation run is expected to
// produce for the given options.
func RequestedKinds(opts model.StageOptions) []model.StemKind {
	if len(opts.StemKinds) > 0 {
		return opts.StemKinds
	}
	if opts.Engine == model.EngineCloud {
		switch opts.Variant {
		case model.VariantSingleStem, model.VariantVoiceSwap:
			if opts.TargetStem != "" {
				return []model.StemKind{opts.TargetStem}
			}
			return []model.StemKind{model.StemVocals}
		case model.VariantVocalSplit:
			return []model.StemKind{model.StemVocals, model.StemOther}
		default:
			return []model.StemKind{model.StemVocals, model.StemDrums, model.StemBass, model.StemOther}
		}
	}
	m := opts.Model
	if m == "" {
		m = model.ModelHTDemucs
	}
	return m.StemKinds()
}

func taskTypeFor(stage model.Stage, opts model.StageOptions) string {
	switch stage {
	case model.StageDownload:
		return TaskTypeDownload
	case model.StageSeparate:
		if opts.Engine == model.EngineCloud {
			return TaskTypeCloudSeparate
		}
		return TaskTypeSeparate
	case model.StageAnalyze:
		return TaskTypeAnalyze
	case model.StageAutocue:
		return TaskTypeAutocue
	}
	return TaskTypeDownload
}

func queueFor(stage model.Stage) string {
	switch stage {
	case model.StageDownload:
		return QueueDownload
	case model.StageSeparate:
		return QueueSeparate
	default:
		return QueueAnalyze
	}
}
