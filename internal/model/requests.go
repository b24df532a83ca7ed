package model

import "time"

// PipelineStartRequest starts the full chain for one source URL.
type PipelineStartRequest struct {
	SourceURL string           `json:"sourceUrl" validate:"required,url"`
	Title     string           `json:"title,omitempty"`
	Artist    string           `json:"artist,omitempty"`
	UserID    string           `json:"userId" validate:"required"`
	StemKinds []StemKind       `json:"stemKinds,omitempty" validate:"dive,oneof=vocals drums bass other guitar piano"`
	Engine    SeparationEngine `json:"engine,omitempty" validate:"omitempty,oneof=demucs cloud"`
	Model     DemucsModel      `json:"model,omitempty" validate:"omitempty,oneof=htdemucs htdemucs_ft htdemucs_6s mdx_extra"`
	Variant   CloudVariant     `json:"variant,omitempty" validate:"omitempty,oneof=multi-stem single-stem vocal-split voice-swap"`
	Features  []string         `json:"features,omitempty"`
	AutoCue   bool             `json:"autoCue,omitempty"`
	CuePlan   CuePlan          `json:"cuePlan,omitempty"`
}

type PipelineStartResponse struct {
	TrackID   uint      `json:"trackId"`
	JobID     string    `json:"jobId,omitempty"`
	Satisfied bool      `json:"satisfied"`
	CreatedAt time.Time `json:"createdAt"`
}

// PipelineStatusResponse summarizes all of a track's stage jobs.
type PipelineStatusResponse struct {
	TrackID  uint             `json:"trackId"`
	Title    string           `json:"title"`
	Artist   string           `json:"artist"`
	Jobs     []JobStatusEntry `json:"jobs"`
	Stems    int              `json:"stems"`
	Analyzed bool             `json:"analyzed"`
}

type JobStatusEntry struct {
	JobID       string     `json:"jobId"`
	Stage       Stage      `json:"stage"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// RecipeBuildRequest starts a multi-track recipe run.
type RecipeBuildRequest struct {
	PrimaryTrackIDs []uint           `json:"primaryTrackIds" validate:"required,min=1"`
	CandidateIDs    []uint           `json:"candidateIds,omitempty"`
	StemKinds       []StemKind       `json:"stemKinds,omitempty" validate:"dive,oneof=vocals drums bass other guitar piano"`
	Engine          SeparationEngine `json:"engine,omitempty" validate:"omitempty,oneof=demucs cloud"`
	Model           DemucsModel      `json:"model,omitempty" validate:"omitempty,oneof=htdemucs htdemucs_ft htdemucs_6s mdx_extra"`
	Variant         CloudVariant     `json:"variant,omitempty" validate:"omitempty,oneof=multi-stem single-stem vocal-split voice-swap"`
	AutoCue         bool             `json:"autoCue,omitempty"`
	CuePlan         CuePlan          `json:"cuePlan,omitempty"`
	UserID          string           `json:"userId" validate:"required"`
	Params          JSONMap          `json:"params,omitempty"`
}

type RecipeBuildResponse struct {
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
}
