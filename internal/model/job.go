package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StageJob is the persisted record of one attempt at one stage for one
// track. Mutated only by its owning worker, except for the reconciliation
// sweep which may flip completed → failed.
type StageJob struct {
	ID       string `gorm:"primaryKey"` // uuid
	TrackID  uint   `gorm:"index"`
	Stage    Stage  `gorm:"index"`
	Status   JobStatus
	Progress int // 0-100, meaningful only while running

	// OutputPath is the artifact location: the downloaded file for the
	// download stage, the stems directory for separation stages.
	OutputPath string

	Options StageOptions `gorm:"type:text"`
	Error   string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StageOptions carries provider-specific options through a job and into the
// stages chained after it.
type StageOptions struct {
	// Requested stems; empty means the engine's full set.
	StemKinds []StemKind `json:"stemKinds,omitempty"`

	Engine  SeparationEngine `json:"engine,omitempty"`
	Model   DemucsModel      `json:"model,omitempty"`
	Variant CloudVariant     `json:"variant,omitempty"`

	// Single-stem / voice-swap target.
	TargetStem StemKind `json:"targetStem,omitempty"`
	// Voice model for voice-swap.
	Voice string `json:"voice,omitempty"`

	// Analyzer feature list; empty means the default set.
	Features []string `json:"features,omitempty"`

	// Download options.
	Format  string `json:"format,omitempty"`
	Bitrate string `json:"bitrate,omitempty"`

	// AutoCue enables the cue-generation stage after analysis.
	AutoCue bool    `json:"autoCue,omitempty"`
	CuePlan CuePlan `json:"cuePlan,omitempty"`

	UserID string `json:"userId,omitempty"`
}

// CuePlan tunes auto-cue generation.
type CuePlan struct {
	IntroOutro bool `json:"introOutro,omitempty"`
	Drops      bool `json:"drops,omitempty"`
	PhraseBars int  `json:"phraseBars,omitempty"` // phrase marker every N bars, 0 disables
}

func (o StageOptions) Value() (driver.Value, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (o *StageOptions) Scan(src interface{}) error {
	if src == nil {
		*o = StageOptions{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StageOptions: %T", src)
	}
	if len(data) == 0 {
		*o = StageOptions{}
		return nil
	}
	return json.Unmarshal(data, o)
}
