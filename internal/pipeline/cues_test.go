package pipeline

import (
	"math"
	"testing"

	"github.com/soundforge/alchemy/internal/model"
)

func cueAnalysis(tempo, duration float64) *model.AnalysisResult {
	return &model.AnalysisResult{TrackID: 1, Tempo: tempo, Duration: duration}
}

func findCue(cues []model.CuePoint, kind model.CueType) *model.CuePoint {
	for i := range cues {
		if cues[i].Type == kind {
			return &cues[i]
		}
	}
	return nil
}

func TestGenerateCues_IntroOutroOnBarGrid(t *testing.T) {
	// 120 BPM, 4/4: a bar is exactly 2 seconds.
	cues := GenerateCues(1, "user-1", cueAnalysis(120, 240), model.CuePlan{IntroOutro: true})

	intro := findCue(cues, model.CueTypeIntro)
	if intro == nil {
		t.Fatal("no intro cue")
	}
	if intro.Position != 2 {
		t.Errorf("intro at %v, want 2 (first full bar)", intro.Position)
	}
	outro := findCue(cues, model.CueTypeOutro)
	if outro == nil {
		t.Fatal("no outro cue")
	}
	if outro.Position != 224 {
		t.Errorf("outro at %v, want 224 (eight bars before the end)", outro.Position)
	}
	for _, cue := range cues {
		if !cue.Auto {
			t.Errorf("cue %q not marked auto", cue.Label)
		}
		if math.Mod(cue.Position, 2) != 0 {
			t.Errorf("cue %q off the bar grid at %v", cue.Label, cue.Position)
		}
	}
}

func TestGenerateCues_PhraseGrid(t *testing.T) {
	cues := GenerateCues(1, "user-1", cueAnalysis(120, 240), model.CuePlan{PhraseBars: 16})

	// 16 bars at 2s each: phrases every 32 seconds, stopping short of the end.
	for i, cue := range cues {
		want := float64(32 * (i + 1))
		if cue.Position != want {
			t.Errorf("phrase %d at %v, want %v", i+1, cue.Position, want)
		}
		if cue.Type != model.CueTypePhrase {
			t.Errorf("phrase %d has type %s", i+1, cue.Type)
		}
	}
	if len(cues) == 0 {
		t.Fatal("no phrase cues generated")
	}
}

func TestGenerateCues_DropFromPeakPositions(t *testing.T) {
	analysis := cueAnalysis(120, 240)
	analysis.Features = model.JSONMap{"peak_positions": []interface{}{63.1, 127.8}}

	cues := GenerateCues(1, "user-1", analysis, model.CuePlan{Drops: true})
	if len(cues) != 2 {
		t.Fatalf("expected 2 drop cues, got %d", len(cues))
	}
	if cues[0].Position != 64 || cues[1].Position != 128 {
		t.Errorf("drops at %v and %v, want bar-snapped 64 and 128", cues[0].Position, cues[1].Position)
	}
}

func TestGenerateCues_DropEstimatedWithoutPeaks(t *testing.T) {
	cues := GenerateCues(1, "user-1", cueAnalysis(120, 240), model.CuePlan{Drops: true})
	if len(cues) != 1 {
		t.Fatalf("expected 1 estimated drop, got %d", len(cues))
	}
	if cues[0].Position != 60 {
		t.Errorf("estimated drop at %v, want 60 (quarter of the track)", cues[0].Position)
	}
	if cues[0].Confidence >= 0.7 {
		t.Errorf("estimated drop should carry low confidence, got %v", cues[0].Confidence)
	}
}

func TestGenerateCues_NoTempoNoCues(t *testing.T) {
	if cues := GenerateCues(1, "user-1", cueAnalysis(0, 240), model.CuePlan{IntroOutro: true}); cues != nil {
		t.Errorf("expected nil without tempo, got %d cues", len(cues))
	}
	if cues := GenerateCues(1, "user-1", cueAnalysis(120, 0), model.CuePlan{IntroOutro: true}); cues != nil {
		t.Errorf("expected nil without duration, got %d cues", len(cues))
	}
}
