package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/client"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
)

// outputTemplate matches the downloader's default file naming.
const outputTemplate = "{artist} - {title}"

// DownloadWorker resolves a track's source URL to a local audio file. When
// the direct lookup finds nothing it falls back to a title/artist search,
// and any metadata the downloader could not provide is backfilled from the
// file's own tags.
type DownloadWorker struct {
	base
	downloader client.Downloader
	mediaDir   string
}

func NewDownloadWorker(st *store.Store, gate *pipeline.Gate, fanout *broadcast.Fanout, dl client.Downloader, mediaDir string) *DownloadWorker {
	return &DownloadWorker{
		base:       newBase(st, gate, fanout, "download-worker"),
		downloader: dl,
		mediaDir:   mediaDir,
	}
}

func (w *DownloadWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
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
	if track.SourceURL == "" {
		return w.fail(ctx, job, fmt.Errorf("track %d has no source URL", track.ID))
	}

	// A leftover file from an interrupted run is untrustworthy.
	if track.LocalPath != "" {
		os.Remove(track.LocalPath)
	}

	outputDir := filepath.Join(w.mediaDir, "tracks")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return w.fail(ctx, job, fmt.Errorf("create output dir: %w", err))
	}

	w.progress(ctx, job.ID, 20)

	result, err := w.downloader.Download(ctx, track.SourceURL, outputDir, outputTemplate)
	if client.IsNoResults(err) && track.Title != "" {
		w.log.Infof("track %d: direct lookup empty, searching %q by %q", track.ID, track.Title, track.Artist)
		result, err = w.downloader.SearchDownload(ctx, track.Title, track.Artist, outputDir, outputTemplate)
	}
	if err != nil {
		return w.fail(ctx, job, err)
	}

	w.progress(ctx, job.ID, 80)

	meta := result.Metadata
	if meta.Name != "" {
		track.Title = meta.Name
	}
	if len(meta.Artists) > 0 {
		track.Artist = strings.Join(meta.Artists, ", ")
	}
	if meta.Album != "" {
		track.Album = meta.Album
	}
	if meta.CoverURL != "" {
		track.CoverURL = meta.CoverURL
	}
	if meta.Duration > 0 {
		track.Duration = meta.Duration
	}
	w.backfillFromTags(result.Path, track)

	track.LocalPath = result.Path
	track.FileSize = result.Size
	if err := w.store.UpdateTrack(track); err != nil {
		return w.fail(ctx, job, fmt.Errorf("persist track: %w", err), result.Path)
	}

	return w.complete(ctx, job, result.Path)
}

// backfillFromTags fills metadata fields the downloader left empty from
// the audio file's embedded tags. Best effort; untagged files are common.
func (w *DownloadWorker) backfillFromTags(path string, track *model.Track) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	md, err := tag.ReadFrom(f)
	if err != nil {
		return
	}
	if track.Title == "" {
		track.Title = md.Title()
	}
	if track.Artist == "" {
		track.Artist = md.Artist()
	}
	if track.Album == "" {
		track.Album = md.Album()
	}
}
