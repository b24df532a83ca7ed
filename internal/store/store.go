// Package store provides gorm-backed accessors for the pipeline's
// persisted entities. Single-row updates only; no cross-entity
// transactional guarantees beyond what each method does itself.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite" // pure go sqlite driver
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/soundforge/alchemy/internal/model"
)

var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a job update would move its status
// backward.
var ErrStatusConflict = errors.New("job status conflict")

type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates the schema.
// Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Track{},
		&model.StageJob{},
		&model.Stem{},
		&model.AnalysisResult{},
		&model.CuePoint{},
		&model.Notification{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Tracks

// FindOrCreateTrack returns the track for sourceURL, creating it on first
// reference. Existing tracks are never overwritten here.
func (s *Store) FindOrCreateTrack(sourceURL, title, artist, userID string) (*model.Track, error) {
	var track model.Track
	err := s.db.Where("source_url = ?", sourceURL).First(&track).Error
	if err == nil {
		return &track, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	track = model.Track{
		SourceURL: sourceURL,
		Title:     title,
		Artist:    artist,
		UserID:    userID,
	}
	if err := s.db.Create(&track).Error; err != nil {
		return nil, err
	}
	return &track, nil
}

func (s *Store) TrackByID(id uint) (*model.Track, error) {
	var track model.Track
	if err := s.db.First(&track, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &track, nil
}

func (s *Store) UpdateTrack(track *model.Track) error {
	return s.db.Save(track).Error
}

// Stage jobs

func (s *Store) CreateJob(job *model.StageJob) error {
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	return s.db.Create(job).Error
}

func (s *Store) JobByID(id string) (*model.StageJob, error) {
	var job model.StageJob
	if err := s.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) JobsByTrack(trackID uint) ([]model.StageJob, error) {
	var jobs []model.StageJob
	err := s.db.Where("track_id = ?", trackID).Order("created_at asc").Find(&jobs).Error
	return jobs, err
}

// ActiveJob returns a queued or running job for (track, stage), or
// ErrNotFound when none is in flight.
func (s *Store) ActiveJob(trackID uint, stage model.Stage) (*model.StageJob, error) {
	var job model.StageJob
	err := s.db.Where("track_id = ? AND stage = ? AND status IN ?",
		trackID, stage, []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning}).
		Order("created_at desc").First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkJobRunning transitions a queued job to running with progress 0.
func (s *Store) MarkJobRunning(id string) (*model.StageJob, error) {
	job, err := s.JobByID(id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusQueued {
		return nil, fmt.Errorf("%w: %s is %s, expected queued", ErrStatusConflict, id, job.Status)
	}
	now := time.Now()
	job.Status = model.JobStatusRunning
	job.Progress = 0
	job.StartedAt = &now
	return job, s.db.Save(job).Error
}

// SetJobProgress reloads the job and writes a new progress value. Progress
// never decreases and only applies while the job is running; writes against
// terminal jobs are dropped.
func (s *Store) SetJobProgress(id string, progress int) (*model.StageJob, error) {
	job, err := s.JobByID(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if progress < job.Progress {
		progress = job.Progress
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	return job, s.db.Save(job).Error
}

// CompleteJob marks a running job completed with its output location.
func (s *Store) CompleteJob(id, outputPath string) (*model.StageJob, error) {
	job, err := s.JobByID(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s already %s", ErrStatusConflict, id, job.Status)
	}
	now := time.Now()
	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.OutputPath = outputPath
	job.CompletedAt = &now
	return job, s.db.Save(job).Error
}

// FailJob marks a job failed with a human-readable reason.
func (s *Store) FailJob(id, reason string) (*model.StageJob, error) {
	job, err := s.JobByID(id)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusFailed {
		return job, nil
	}
	if job.Status == model.JobStatusCompleted {
		return nil, fmt.Errorf("%w: %s already completed", ErrStatusConflict, id)
	}
	now := time.Now()
	job.Status = model.JobStatusFailed
	job.Error = reason
	job.CompletedAt = &now
	return job, s.db.Save(job).Error
}

// ReconcileFailJob flips a completed job to failed. This is the only
// permitted backward transition and is reserved for the reconciliation
// sweep.
func (s *Store) ReconcileFailJob(id, reason string) error {
	job, err := s.JobByID(id)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusCompleted {
		return fmt.Errorf("%w: %s is %s, expected completed", ErrStatusConflict, id, job.Status)
	}
	job.Status = model.JobStatusFailed
	job.Error = reason
	return s.db.Save(job).Error
}

// CompletedJobs lists all completed jobs with a recorded output location.
func (s *Store) CompletedJobs() ([]model.StageJob, error) {
	var jobs []model.StageJob
	err := s.db.Where("status = ? AND output_path <> ''", model.JobStatusCompleted).Find(&jobs).Error
	return jobs, err
}

// Stems

// ReplaceStems deletes any prior stems for the track and inserts the new
// set, so re-runs never accumulate duplicates.
func (s *Store) ReplaceStems(trackID uint, stems []model.Stem) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("track_id = ?", trackID).Delete(&model.Stem{}).Error; err != nil {
			return err
		}
		if len(stems) == 0 {
			return nil
		}
		return tx.Create(&stems).Error
	})
}

func (s *Store) StemsByTrack(trackID uint) ([]model.Stem, error) {
	var stems []model.Stem
	err := s.db.Where("track_id = ?", trackID).Find(&stems).Error
	return stems, err
}

// StemsOfKinds returns the track's stems restricted to kinds; with an empty
// kinds list all stems are returned.
func (s *Store) StemsOfKinds(trackID uint, kinds []model.StemKind) ([]model.Stem, error) {
	if len(kinds) == 0 {
		return s.StemsByTrack(trackID)
	}
	var stems []model.Stem
	err := s.db.Where("track_id = ? AND kind IN ?", trackID, kinds).Find(&stems).Error
	return stems, err
}

// Analysis

// ReplaceAnalysis removes the track's previous result before inserting the
// new one, keeping at most one current AnalysisResult per track.
func (s *Store) ReplaceAnalysis(result *model.AnalysisResult) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("track_id = ?", result.TrackID).Delete(&model.AnalysisResult{}).Error; err != nil {
			return err
		}
		return tx.Create(result).Error
	})
}

func (s *Store) AnalysisByTrack(trackID uint) (*model.AnalysisResult, error) {
	var result model.AnalysisResult
	if err := s.db.Where("track_id = ?", trackID).First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}

// Cue points

// ReplaceAutoCues swaps out all auto-generated cues for (track, user).
// User-created cues are left alone.
func (s *Store) ReplaceAutoCues(trackID uint, userID string, cues []model.CuePoint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("track_id = ? AND user_id = ? AND auto = ?", trackID, userID, true).
			Delete(&model.CuePoint{}).Error; err != nil {
			return err
		}
		if len(cues) == 0 {
			return nil
		}
		return tx.Create(&cues).Error
	})
}

func (s *Store) CuesByTrackUser(trackID uint, userID string) ([]model.CuePoint, error) {
	var cues []model.CuePoint
	err := s.db.Where("track_id = ? AND user_id = ?", trackID, userID).
		Order("position asc").Find(&cues).Error
	return cues, err
}

// HasAutoCues reports whether auto-generated cues exist for (track, user).
func (s *Store) HasAutoCues(trackID uint, userID string) (bool, error) {
	var count int64
	err := s.db.Model(&model.CuePoint{}).
		Where("track_id = ? AND user_id = ? AND auto = ?", trackID, userID, true).
		Count(&count).Error
	return count > 0, err
}

// Notifications

func (s *Store) CreateNotification(n *model.Notification) error {
	return s.db.Create(n).Error
}

func (s *Store) NotificationsByUser(userID string) ([]model.Notification, error) {
	var out []model.Notification
	err := s.db.Where("user_id = ?", userID).Order("created_at desc").Find(&out).Error
	return out, err
}
