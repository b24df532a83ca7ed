package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/client"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
)

// SeparateWorker runs the local separation model over a downloaded track
// and records the produced stem files.
type SeparateWorker struct {
	base
	separator    client.Separator
	mediaDir     string
	defaultModel string
}

func NewSeparateWorker(st *store.Store, gate *pipeline.Gate, fanout *broadcast.Fanout, sep client.Separator, mediaDir, defaultModel string) *SeparateWorker {
	return &SeparateWorker{
		base:         newBase(st, gate, fanout, "separate-worker"),
		separator:    sep,
		mediaDir:     mediaDir,
		defaultModel: defaultModel,
	}
}

func (w *SeparateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
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

	sepModel := string(job.Options.Model)
	if sepModel == "" {
		sepModel = w.defaultModel
	}
	outputDir := filepath.Join(w.mediaDir, "stems", strconv.FormatUint(uint64(track.ID), 10), sepModel)

	// Partial stems from an interrupted run would alias the new output.
	if err := os.RemoveAll(outputDir); err != nil {
		return w.fail(ctx, job, fmt.Errorf("clear stale output: %w", err))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return w.fail(ctx, job, fmt.Errorf("create output dir: %w", err))
	}

	output, err := w.separator.Separate(ctx, track.LocalPath, sepModel, outputDir, func(percent int) {
		// Leave headroom at both ends for setup and persistence.
		w.progress(ctx, job.ID, 5+percent*90/100)
	})
	if err != nil {
		return w.fail(ctx, job, err, outputDir)
	}

	stems := make([]model.Stem, 0, len(output.Stems))
	for kind, path := range output.Stems {
		info, err := os.Stat(path)
		if err != nil {
			return w.fail(ctx, job, fmt.Errorf("stem %s missing at %s: %w", kind, path, err), outputDir)
		}
		stems = append(stems, model.Stem{
			TrackID: track.ID,
			JobID:   job.ID,
			Kind:    model.StemKind(kind),
			Path:    path,
			Size:    info.Size(),
			Engine:  model.EngineDemucs,
		})
	}
	if expected := model.DemucsModel(sepModel).ExpectedStemCount(); len(stems) < expected {
		w.log.Warnf("job %s: model %s produced %d stems, expected %d", job.ID, sepModel, len(stems), expected)
	}

	if err := w.store.ReplaceStems(track.ID, stems); err != nil {
		return w.fail(ctx, job, fmt.Errorf("persist stems: %w", err), outputDir)
	}

	return w.complete(ctx, job, outputDir)
}
