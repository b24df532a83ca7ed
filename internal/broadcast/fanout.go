// Package broadcast translates stage/status/progress tuples into the
// notification channels without coupling stage workers to delivery
// mechanics. Emitting is always best-effort: a broadcast failure must never
// abort a stage worker.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/model"
)

// directory is the lookup surface the fanout needs for enrichment and
// persistent notifications.
type directory interface {
	TrackByID(id uint) (*model.Track, error)
	CreateNotification(n *model.Notification) error
}

const unknownTitle = "Unknown Track"

// stageCopy is the human copy used in persistent notifications. Unknown
// stages fall back to a generic template.
var stageCopy = map[model.Stage]struct{ done, failed string }{
	model.StageDownload: {"Download Complete", "Download Failed"},
	model.StageSeparate: {"Stem Separation Complete", "Stem Separation Failed"},
	model.StageAnalyze:  {"Audio Analysis Complete", "Audio Analysis Failed"},
	model.StageAutocue:  {"Cue Points Ready", "Cue Generation Failed"},
}

// Fanout emits job-scoped ticks, track-scoped events and persistent user
// notifications for pipeline activity.
type Fanout struct {
	pub Publisher
	dir directory
	log *logrus.Entry
}

func NewFanout(pub Publisher, dir directory) *Fanout {
	return &Fanout{
		pub: pub,
		dir: dir,
		log: logrus.WithField("component", "broadcast"),
	}
}

// Progress emits the cheap per-job tick plus the track-scoped tuple.
func (f *Fanout) Progress(ctx context.Context, job *model.StageJob) {
	f.emitJob(ctx, job, model.EventTypeProgress)
	f.emitTrack(ctx, job, model.EventTypeProgress)
}

// StageComplete emits progress events and a persistent notification for the
// track's owner.
func (f *Fanout) StageComplete(ctx context.Context, job *model.StageJob) {
	f.emitJob(ctx, job, model.EventTypeStageComplete)
	f.emitTrack(ctx, job, model.EventTypeStageComplete)
	f.notify(ctx, job, true)
}

// StageFailed emits failure events and a persistent notification.
func (f *Fanout) StageFailed(ctx context.Context, job *model.StageJob) {
	f.emitJob(ctx, job, model.EventTypeStageFailed)
	f.emitTrack(ctx, job, model.EventTypeStageFailed)
	f.notify(ctx, job, false)
}

// PipelineComplete is emitted once, after the final stage of a track's
// chain succeeds. Distinct from any single stage's completion.
func (f *Fanout) PipelineComplete(ctx context.Context, trackID uint, userID string) {
	title := f.trackTitle(trackID)
	ev := model.TrackEvent{
		Type:     model.EventTypePipelineComplete,
		TrackID:  trackID,
		Title:    title,
		Status:   model.JobStatusCompleted,
		Progress: 100,
	}
	f.publish(ctx, TrackTopic(trackID), ev)
	if userID != "" {
		n := &model.Notification{
			UserID:  userID,
			TrackID: trackID,
			Title:   "Track Ready",
			Body:    fmt.Sprintf("%s has finished processing", title),
		}
		if err := f.dir.CreateNotification(n); err != nil {
			f.log.Warnf("persist notification for track %d: %v", trackID, err)
		}
		f.publish(ctx, UserTopic(userID), n)
	}
}

// TrackSkipped announces that a recipe position was dropped after its
// candidate pool was exhausted.
func (f *Fanout) TrackSkipped(ctx context.Context, trackID uint, reason string) {
	f.publish(ctx, TrackTopic(trackID), model.TrackEvent{
		Type:    model.EventTypeTrackSkipped,
		TrackID: trackID,
		Title:   f.trackTitle(trackID),
		Status:  model.JobStatusFailed,
		Error:   reason,
	})
}

// RecipeReady hands the finished recipe to subscribers of the run topic.
func (f *Fanout) RecipeReady(ctx context.Context, runID string, recipe *model.Recipe) {
	f.publish(ctx, RecipeTopic(runID), model.RecipeEvent{
		Type:   model.EventTypeRecipeReady,
		RunID:  runID,
		Recipe: recipe,
		SentAt: time.Now(),
	})
}

// RecipeFailed reports a run where no track at all could be finalized.
func (f *Fanout) RecipeFailed(ctx context.Context, runID, reason string) {
	f.publish(ctx, RecipeTopic(runID), model.RecipeEvent{
		Type:   model.EventTypeRecipeFailed,
		RunID:  runID,
		Error:  reason,
		SentAt: time.Now(),
	})
}

func (f *Fanout) emitJob(ctx context.Context, job *model.StageJob, eventType string) {
	f.publish(ctx, JobTopic(job.ID), model.JobEvent{
		Type:     eventType,
		JobID:    job.ID,
		Stage:    job.Stage,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	})
}

func (f *Fanout) emitTrack(ctx context.Context, job *model.StageJob, eventType string) {
	f.publish(ctx, TrackTopic(job.TrackID), model.TrackEvent{
		Type:     eventType,
		TrackID:  job.TrackID,
		Title:    f.trackTitle(job.TrackID),
		Stage:    job.Stage,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	})
}

func (f *Fanout) notify(ctx context.Context, job *model.StageJob, ok bool) {
	track, err := f.dir.TrackByID(job.TrackID)
	if err != nil || track.UserID == "" {
		return
	}

	copy, known := stageCopy[job.Stage]
	title := fmt.Sprintf("Stage %s finished", job.Stage)
	if known {
		title = copy.done
		if !ok {
			title = copy.failed
		}
	} else if !ok {
		title = fmt.Sprintf("Stage %s failed", job.Stage)
	}

	body := trackDisplay(track)
	if !ok && job.Error != "" {
		body = fmt.Sprintf("%s: %s", body, job.Error)
	}

	n := &model.Notification{
		UserID:  track.UserID,
		TrackID: job.TrackID,
		Title:   title,
		Body:    body,
	}
	if err := f.dir.CreateNotification(n); err != nil {
		f.log.Warnf("persist notification for job %s: %v", job.ID, err)
	}
	f.publish(ctx, UserTopic(track.UserID), n)
}

// trackTitle degrades to a placeholder rather than failing; broadcasting
// must never abort a stage worker.
func (f *Fanout) trackTitle(trackID uint) string {
	track, err := f.dir.TrackByID(trackID)
	if err != nil {
		return unknownTitle
	}
	return trackDisplay(track)
}

func trackDisplay(track *model.Track) string {
	if track.Title == "" {
		return unknownTitle
	}
	if track.Artist == "" {
		return track.Title
	}
	return track.Artist + " - " + track.Title
}

func (f *Fanout) publish(ctx context.Context, topic string, payload interface{}) {
	if err := f.pub.Publish(ctx, topic, payload); err != nil {
		f.log.Warnf("publish %s: %v", topic, err)
	}
}
