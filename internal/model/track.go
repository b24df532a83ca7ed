package model

import (
	"time"

	"gorm.io/gorm"
)

// Track is a piece of music referenced by a source URL. Created on first
// reference, never deleted by the pipeline.
type Track struct {
	gorm.Model

	Title     string
	Artist    string
	Album     string
	SourceURL string `gorm:"uniqueIndex"`
	CoverURL  string
	Duration  float64 // seconds, 0 when unknown
	UserID    string  `gorm:"index"` // owner, receives persistent notifications

	// LocalPath is the downloaded source audio file, empty until the
	// download stage has completed.
	LocalPath string
	FileSize  int64
}

// Stem is one isolated audio component produced by a separation run.
// Immutable once created; re-runs delete prior stems before inserting.
type Stem struct {
	gorm.Model

	TrackID uint   `gorm:"index"`
	JobID   string `gorm:"index"` // StageJob that produced it
	Kind    StemKind
	Path    string
	Size    int64
	Engine  SeparationEngine
}

// AnalysisResult holds extracted audio features for a track. At most one
// current result per track; re-analysis replaces the prior row.
type AnalysisResult struct {
	gorm.Model

	TrackID uint `gorm:"index"`

	Tempo      float64
	Key        string
	Energy     float64
	Duration   float64
	SampleRate int

	// Features is the full flat feature map returned by the analyzer,
	// stored as JSON (beats, spectral stats, mfcc, chroma, ...).
	Features JSONMap `gorm:"type:text"`
}

// CuePoint is a labeled position within a track, owned by a user.
// Auto-generated cues for a (track, user) pair are replaced wholesale on
// regeneration; user-created cues are never touched by the pipeline.
type CuePoint struct {
	gorm.Model

	TrackID uint   `gorm:"index"`
	UserID  string `gorm:"index"`

	Position   float64 // seconds
	Label      string
	Color      string
	Type       CueType
	Auto       bool
	Confidence float64 // meaningful only when Auto
}

// Notification is a persistent, addressed message for a user.
type Notification struct {
	gorm.Model

	UserID  string `gorm:"index"`
	TrackID uint
	Title   string
	Body    string
	ReadAt  *time.Time
}
