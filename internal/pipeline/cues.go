package pipeline

import (
	"fmt"
	"math"

	"github.com/soundforge/alchemy/internal/model"
)

// Default cue colors, matching the web player palette.
const (
	colorIntro  = "#22c55e"
	colorOutro  = "#ef4444"
	colorDrop   = "#f59e0b"
	colorPhrase = "#3b82f6"
)

// maxPhraseCues bounds the phrase grid so a long set does not drown the
// cue list.
const maxPhraseCues = 32

// GenerateCues derives beat-aligned cue points from a track's analysis.
// Positions snap to the bar grid implied by the detected tempo; every cue
// is marked auto so a later regeneration can replace the set without
// touching user-placed cues.
func GenerateCues(trackID uint, userID string, analysis *model.AnalysisResult, plan model.CuePlan) []model.CuePoint {
	tempo := analysis.Tempo
	duration := analysis.Duration
	if tempo <= 0 || duration <= 0 {
		return nil
	}

	barLen := 60.0 / tempo * 4.0
	var cues []model.CuePoint

	add := func(pos float64, label, color string, kind model.CueType, confidence float64) {
		if pos < 0 || pos >= duration {
			return
		}
		cues = append(cues, model.CuePoint{
			TrackID:    trackID,
			UserID:     userID,
			Position:   snapToGrid(pos, barLen),
			Label:      label,
			Color:      color,
			Type:       kind,
			Auto:       true,
			Confidence: confidence,
		})
	}

	if plan.IntroOutro {
		// First full bar in, eight bars out. High confidence: these only
		// depend on the tempo estimate.
		add(barLen, "Intro", colorIntro, model.CueTypeIntro, 0.9)
		add(duration-8*barLen, "Outro", colorOutro, model.CueTypeOutro, 0.9)
	}

	if plan.Drops {
		for i, pos := range dropPositions(analysis, duration) {
			add(pos, fmt.Sprintf("Drop %d", i+1), colorDrop, model.CueTypeDrop, 0.5)
		}
	}

	if plan.PhraseBars > 0 {
		phraseLen := float64(plan.PhraseBars) * barLen
		n := 0
		for pos := phraseLen; pos < duration-phraseLen/2 && n < maxPhraseCues; pos += phraseLen {
			n++
			add(pos, fmt.Sprintf("Phrase %d", n), colorPhrase, model.CueTypePhrase, 0.7)
		}
	}

	return cues
}

// dropPositions returns candidate drop locations. When the analyzer
// reported explicit peak positions those win; otherwise a single drop is
// estimated a quarter of the way in, which is where most dance-music
// arrangements land their first drop.
func dropPositions(analysis *model.AnalysisResult, duration float64) []float64 {
	raw, ok := analysis.Features["peak_positions"]
	if ok {
		if list, ok := raw.([]interface{}); ok {
			var positions []float64
			for _, v := range list {
				if f, ok := v.(float64); ok && f > 0 && f < duration {
					positions = append(positions, f)
				}
			}
			if len(positions) > 0 {
				return positions
			}
		}
	}
	return []float64{duration * 0.25}
}

// snapToGrid rounds a position to the nearest bar boundary.
func snapToGrid(pos, barLen float64) float64 {
	if barLen <= 0 {
		return pos
	}
	return math.Round(pos/barLen) * barLen
}
