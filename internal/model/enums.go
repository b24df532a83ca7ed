package model

// Stage identifies one discrete processing step in a track's pipeline.
type Stage string

const (
	StageDownload Stage = "download"
	StageSeparate Stage = "separate"
	StageAnalyze  Stage = "analyze"
	StageAutocue  Stage = "autocue"
)

var ValidStages = []Stage{
	StageDownload, StageSeparate, StageAnalyze, StageAutocue,
}

// NextStage returns the stage that follows s in the fixed pipeline chain,
// or "" when s is the last stage.
func NextStage(s Stage) Stage {
	switch s {
	case StageDownload:
		return StageSeparate
	case StageSeparate:
		return StageAnalyze
	case StageAnalyze:
		return StageAutocue
	}
	return ""
}

// JobStatus is the lifecycle state of a StageJob.
// Transitions are monotonic: queued → running → {completed, failed}.
// The reconciliation sweep may additionally flip completed → failed.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further forward transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StemKind identifies one isolated audio component.
type StemKind string

const (
	StemVocals StemKind = "vocals"
	StemDrums  StemKind = "drums"
	StemBass   StemKind = "bass"
	StemOther  StemKind = "other"
	StemGuitar StemKind = "guitar"
	StemPiano  StemKind = "piano"
)

var ValidStemKinds = []StemKind{
	StemVocals, StemDrums, StemBass, StemOther, StemGuitar, StemPiano,
}

// SeparationEngine selects how stems are produced.
type SeparationEngine string

const (
	EngineDemucs SeparationEngine = "demucs" // local model
	EngineCloud  SeparationEngine = "cloud"  // async cloud API
)

// DemucsModel is the local separation model variant.
type DemucsModel string

const (
	ModelHTDemucs   DemucsModel = "htdemucs"
	ModelHTDemucsFT DemucsModel = "htdemucs_ft"
	ModelHTDemucs6S DemucsModel = "htdemucs_6s"
	ModelMDXExtra   DemucsModel = "mdx_extra"
)

// StemKinds returns the stem set the model produces.
func (m DemucsModel) StemKinds() []StemKind {
	if m == ModelHTDemucs6S {
		return []StemKind{StemVocals, StemDrums, StemBass, StemGuitar, StemPiano, StemOther}
	}
	return []StemKind{StemVocals, StemDrums, StemBass, StemOther}
}

// ExpectedStemCount is the number of stems a successful run should yield.
func (m DemucsModel) ExpectedStemCount() int {
	return len(m.StemKinds())
}

// CloudVariant selects the cloud separation operation.
type CloudVariant string

const (
	VariantMultiStem  CloudVariant = "multi-stem"
	VariantSingleStem CloudVariant = "single-stem"
	VariantVocalSplit CloudVariant = "vocal-split" // vocal / instrumental
	VariantVoiceSwap  CloudVariant = "voice-swap"
)

// ExpectedStemCount is the number of stems the variant should yield.
// Single-stem and voice-swap produce one file, vocal-split two,
// multi-stem the full four-way split.
func (v CloudVariant) ExpectedStemCount() int {
	switch v {
	case VariantMultiStem:
		return 4
	case VariantVocalSplit:
		return 2
	default:
		return 1
	}
}

// CueType classifies a cue point.
type CueType string

const (
	CueTypeIntro  CueType = "intro"
	CueTypeOutro  CueType = "outro"
	CueTypeDrop   CueType = "drop"
	CueTypePhrase CueType = "phrase"
	CueTypeCustom CueType = "custom"
)
