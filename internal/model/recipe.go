package model

import "time"

// Recipe is the ephemeral result of one multi-track orchestration run.
// It is never persisted; it is handed to the caller and the broadcast layer.
type Recipe struct {
	ID            string         `json:"id"`
	Tracks        []RecipeTrack  `json:"tracks"`
	Substitutions []Substitution `json:"substitutions"`
	Params        RecipeParams   `json:"params"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// RecipeTrack is one finalized per-track entry, in primary order.
type RecipeTrack struct {
	TrackID  uint            `json:"trackId"`
	Title    string          `json:"title"`
	Artist   string          `json:"artist"`
	Stems    []RecipeStem    `json:"stems"`
	Analysis *RecipeAnalysis `json:"analysis,omitempty"`

	// AnalysisStatus is "ready" when Analysis is populated, "pending" when
	// the recipe was assembled before analysis finished.
	AnalysisStatus string `json:"analysisStatus"`
}

type RecipeStem struct {
	Kind StemKind `json:"kind"`
	Path string   `json:"path"`
}

type RecipeAnalysis struct {
	Tempo  float64 `json:"tempo"`
	Key    string  `json:"key"`
	Energy float64 `json:"energy"`
}

// Substitution records that a failed primary track was replaced.
type Substitution struct {
	OriginalTrackID    uint `json:"originalTrackId"`
	ReplacementTrackID uint `json:"replacementTrackId"`
}

// RecipeParams is the free-form request metadata carried through a run.
type RecipeParams struct {
	StemKinds []StemKind       `json:"stemKinds,omitempty"`
	Engine    SeparationEngine `json:"engine,omitempty"`
	Model     DemucsModel      `json:"model,omitempty"`
	Variant   CloudVariant     `json:"variant,omitempty"`
	AutoCue   bool             `json:"autoCue,omitempty"`
	CuePlan   CuePlan          `json:"cuePlan,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	Extra     JSONMap          `json:"extra,omitempty"`
}

const (
	AnalysisReady   = "ready"
	AnalysisPending = "pending"
)
