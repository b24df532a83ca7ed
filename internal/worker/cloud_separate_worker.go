package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/client"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
)

// uploadURLExpiry must outlive the longest separation run so the remote
// service can fetch the source at any point.
const uploadURLExpiry = 2 * time.Hour

// CloudSeparateWorker runs separation through the remote splitting service:
// upload the source, submit a task, poll it with backoff, then pull the
// result stems down.
type CloudSeparateWorker struct {
	base
	splitter client.CloudSeparator
	storage  client.StorageClient
	poller   *pipeline.Poller
	mediaDir string
}

func NewCloudSeparateWorker(st *store.Store, gate *pipeline.Gate, fanout *broadcast.Fanout,
	splitter client.CloudSeparator, storage client.StorageClient, poller *pipeline.Poller, mediaDir string) *CloudSeparateWorker {
	return &CloudSeparateWorker{
		base:     newBase(st, gate, fanout, "cloud-separate-worker"),
		splitter: splitter,
		storage:  storage,
		poller:   poller,
		mediaDir: mediaDir,
	}
}

func (w *CloudSeparateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
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

	key := fmt.Sprintf("uploads/%d/%s", track.ID, filepath.Base(track.LocalPath))
	if _, err := w.storage.UploadFile(ctx, key, track.LocalPath, "audio/mpeg"); err != nil {
		return w.fail(ctx, job, fmt.Errorf("upload source: %w", err))
	}
	audioURL, err := w.storage.GetSignedURL(ctx, key, uploadURLExpiry)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("sign source url: %w", err))
	}
	w.progress(ctx, job.ID, 5)

	variant := job.Options.Variant
	if variant == "" {
		variant = model.VariantMultiStem
	}
	taskID, err := w.splitter.Submit(ctx, variant, &client.SubmitRequest{
		AudioURL:   audioURL,
		TargetStem: job.Options.TargetStem,
		Voice:      job.Options.Voice,
	})
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("submit %s task: %w", variant, err))
	}
	w.log.Infof("job %s: remote task %s submitted (%s)", job.ID, taskID, variant)

	var final *client.TaskStatus
	check := func(ctx context.Context) (pipeline.Check, error) {
		status, err := w.splitter.TaskStatus(ctx, taskID)
		if err != nil {
			return pipeline.Check{}, err
		}
		switch status.State {
		case "queued":
			return pipeline.Check{State: pipeline.CheckQueued}, nil
		case "progress":
			return pipeline.Check{State: pipeline.CheckProgress, Progress: status.Progress}, nil
		case "success":
			final = status
			return pipeline.Check{State: pipeline.CheckSuccess, Payload: status.Raw}, nil
		case "error":
			return pipeline.Check{State: pipeline.CheckError, Reason: status.Reason}, nil
		default:
			return pipeline.Check{State: pipeline.CheckUnknown}, nil
		}
	}
	if _, err := w.poller.Poll(ctx, taskID, check, func(local int) {
		w.progress(ctx, job.ID, local)
	}); err != nil {
		return w.fail(ctx, job, err)
	}
	if final == nil || len(final.Stems) == 0 {
		return w.fail(ctx, job, fmt.Errorf("remote task %s succeeded without stems", taskID))
	}

	outputDir := filepath.Join(w.mediaDir, "stems", strconv.FormatUint(uint64(track.ID), 10), "cloud")
	if err := os.RemoveAll(outputDir); err != nil {
		return w.fail(ctx, job, fmt.Errorf("clear stale output: %w", err))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return w.fail(ctx, job, fmt.Errorf("create output dir: %w", err))
	}

	stems := make([]model.Stem, 0, len(final.Stems))
	for _, remote := range final.Stems {
		kind := normalizeStemKind(remote.Kind)
		destPath := filepath.Join(outputDir, string(kind)+".mp3")
		size, err := w.splitter.Download(ctx, remote.URL, destPath)
		if err != nil {
			return w.fail(ctx, job, fmt.Errorf("fetch %s stem: %w", kind, err), outputDir)
		}
		stems = append(stems, model.Stem{
			TrackID: track.ID,
			JobID:   job.ID,
			Kind:    kind,
			Path:    destPath,
			Size:    size,
			Engine:  model.EngineCloud,
		})
	}
	if expected := variant.ExpectedStemCount(); len(stems) < expected {
		w.log.Warnf("job %s: variant %s returned %d stems, expected %d", job.ID, variant, len(stems), expected)
	}

	if err := w.store.ReplaceStems(track.ID, stems); err != nil {
		return w.fail(ctx, job, fmt.Errorf("persist stems: %w", err), outputDir)
	}

	return w.complete(ctx, job, outputDir)
}

// normalizeStemKind maps the service's stem labels onto the local kinds.
// Unknown labels pass through so nothing gets silently dropped.
func normalizeStemKind(remote string) model.StemKind {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "vocal", "vocals", "voice":
		return model.StemVocals
	case "drum", "drums":
		return model.StemDrums
	case "bass":
		return model.StemBass
	case "guitar":
		return model.StemGuitar
	case "piano", "keys":
		return model.StemPiano
	case "instrumental", "backing", "accompaniment", "no_vocals", "other":
		return model.StemOther
	}
	return model.StemKind(strings.ToLower(strings.TrimSpace(remote)))
}
