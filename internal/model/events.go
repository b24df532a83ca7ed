package model

import "time"

// Event types published on the broadcast transport.
const (
	EventTypeProgress         = "progress"
	EventTypeStageComplete    = "stage_complete"
	EventTypeStageFailed      = "stage_failed"
	EventTypePipelineComplete = "pipeline_complete"
	EventTypeTrackSkipped     = "track_skipped"
	EventTypeRecipeReady      = "recipe_ready"
	EventTypeRecipeFailed     = "recipe_failed"
)

// JobEvent is the cheap, high-frequency progress tick keyed by job ID.
type JobEvent struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Stage    Stage     `json:"stage"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
}

// TrackEvent groups job progress under one track, enriched with a
// best-effort title.
type TrackEvent struct {
	Type     string    `json:"type"`
	TrackID  uint      `json:"trackId"`
	Title    string    `json:"title"`
	Stage    Stage     `json:"stage"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
}

// RecipeEvent announces the outcome of a recipe build run.
type RecipeEvent struct {
	Type   string    `json:"type"`
	RunID  string    `json:"runId"`
	Recipe *Recipe   `json:"recipe,omitempty"`
	Error  string    `json:"error,omitempty"`
	SentAt time.Time `json:"sentAt"`
}
