package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/store"
)

// scriptedQueue executes stage jobs synchronously on enqueue, standing in
// for the whole worker fleet. Tracks listed in failSeparate or failAnalyze
// fail that stage; everything else succeeds and leaves real artifacts.
type scriptedQueue struct {
	t            *testing.T
	st           *store.Store
	dir          string
	failSeparate map[uint]bool
	failAnalyze  map[uint]bool
}

func (q *scriptedQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	var p TaskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		q.t.Fatalf("decode payload: %v", err)
	}
	job, err := q.st.JobByID(p.JobID)
	if err != nil {
		q.t.Fatalf("load job: %v", err)
	}
	if _, err := q.st.MarkJobRunning(job.ID); err != nil {
		q.t.Fatalf("mark running: %v", err)
	}

	switch job.Stage {
	case model.StageDownload:
		track, _ := q.st.TrackByID(job.TrackID)
		track.LocalPath = q.writeFile(fmt.Sprintf("track-%d.mp3", job.TrackID))
		if err := q.st.UpdateTrack(track); err != nil {
			q.t.Fatal(err)
		}
		q.st.CompleteJob(job.ID, track.LocalPath)

	case model.StageSeparate:
		if q.failSeparate[job.TrackID] {
			q.st.FailJob(job.ID, "separation crashed")
			break
		}
		var stems []model.Stem
		for _, kind := range RequestedKinds(job.Options) {
			stems = append(stems, model.Stem{
				TrackID: job.TrackID,
				JobID:   job.ID,
				Kind:    kind,
				Path:    q.writeFile(fmt.Sprintf("stem-%d-%s.wav", job.TrackID, kind)),
				Engine:  model.EngineDemucs,
			})
		}
		if err := q.st.ReplaceStems(job.TrackID, stems); err != nil {
			q.t.Fatal(err)
		}
		q.st.CompleteJob(job.ID, q.dir)

	case model.StageAnalyze:
		if q.failAnalyze[job.TrackID] {
			q.st.FailJob(job.ID, "analyzer crashed")
			break
		}
		if err := q.st.ReplaceAnalysis(&model.AnalysisResult{
			TrackID: job.TrackID, Tempo: 124, Key: "Am", Energy: 0.7, Duration: 180,
		}); err != nil {
			q.t.Fatal(err)
		}
		q.st.CompleteJob(job.ID, "analysis")

	default:
		q.st.CompleteJob(job.ID, "")
	}
	return &asynq.TaskInfo{ID: p.JobID}, nil
}

func (q *scriptedQueue) writeFile(name string) string {
	path := filepath.Join(q.dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		q.t.Fatal(err)
	}
	return path
}

type recipeFixture struct {
	builder *Builder
	st      *store.Store
	queue   *scriptedQueue
	pub     *capturePublisher
}

func newRecipeFixture(t *testing.T) *recipeFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "recipe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	queue := &scriptedQueue{
		t: t, st: st, dir: t.TempDir(),
		failSeparate: map[uint]bool{},
		failAnalyze:  map[uint]bool{},
	}
	pub := &capturePublisher{}
	fanout := broadcast.NewFanout(pub, st)
	builder := NewBuilder(st, NewGate(st, queue, fanout), fanout)
	builder.pollInterval = 5 * time.Millisecond
	builder.waitTimeout = 2 * time.Second
	return &recipeFixture{builder: builder, st: st, queue: queue, pub: pub}
}

func (f *recipeFixture) seedTracks(t *testing.T, n int) []uint {
	t.Helper()
	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		track, err := f.st.FindOrCreateTrack(
			fmt.Sprintf("https://example.com/t%d", i), fmt.Sprintf("Track %d", i), "Artist", "user-1")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, track.ID)
	}
	return ids
}

func buildRequest(primaries, candidates []uint) *model.RecipeBuildRequest {
	return &model.RecipeBuildRequest{
		PrimaryTrackIDs: primaries,
		CandidateIDs:    candidates,
		StemKinds:       []model.StemKind{model.StemVocals, model.StemDrums},
		UserID:          "user-1",
	}
}

func TestBuild_AllPrimariesSucceed(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 2)

	recipe, err := f.builder.Build(context.Background(), "run-1", buildRequest(ids, nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(recipe.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(recipe.Tracks))
	}
	if len(recipe.Substitutions) != 0 {
		t.Errorf("unexpected substitutions: %v", recipe.Substitutions)
	}
	for i, entry := range recipe.Tracks {
		if entry.TrackID != ids[i] {
			t.Errorf("position %d: got track %d, want %d", i, entry.TrackID, ids[i])
		}
		if len(entry.Stems) != 2 {
			t.Errorf("track %d: expected 2 stems, got %d", entry.TrackID, len(entry.Stems))
		}
		if entry.AnalysisStatus != model.AnalysisReady || entry.Analysis == nil {
			t.Errorf("track %d: analysis should be ready", entry.TrackID)
		}
	}
}

func TestBuild_FailedPrimaryReplacedByCandidate(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 3) // 0,1 primaries; 2 candidate
	f.queue.failSeparate[ids[1]] = true

	recipe, err := f.builder.Build(context.Background(), "run-2",
		buildRequest(ids[:2], ids[2:]))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(recipe.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(recipe.Tracks))
	}
	if recipe.Tracks[0].TrackID != ids[0] || recipe.Tracks[1].TrackID != ids[2] {
		t.Errorf("expected [%d %d], got [%d %d]", ids[0], ids[2],
			recipe.Tracks[0].TrackID, recipe.Tracks[1].TrackID)
	}
	if len(recipe.Substitutions) != 1 {
		t.Fatalf("expected 1 substitution, got %d", len(recipe.Substitutions))
	}
	sub := recipe.Substitutions[0]
	if sub.OriginalTrackID != ids[1] || sub.ReplacementTrackID != ids[2] {
		t.Errorf("substitution: %+v", sub)
	}
}

func TestBuild_PoolExhaustionSkipsPosition(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 4) // 0,1 primaries; 2,3 candidates
	f.queue.failSeparate[ids[0]] = true
	f.queue.failSeparate[ids[1]] = true
	f.queue.failSeparate[ids[2]] = true
	// Only candidate 3 works; it goes to the first failed position and the
	// second position is skipped.

	recipe, err := f.builder.Build(context.Background(), "run-3",
		buildRequest(ids[:2], ids[2:]))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(recipe.Tracks) != 1 || recipe.Tracks[0].TrackID != ids[3] {
		t.Fatalf("expected only track %d, got %+v", ids[3], recipe.Tracks)
	}

	skipped := false
	f.pub.mu.Lock()
	for _, ev := range f.pub.events {
		if te, ok := ev.(model.TrackEvent); ok && te.Type == model.EventTypeTrackSkipped && te.TrackID == ids[1] {
			skipped = true
		}
	}
	f.pub.mu.Unlock()
	if !skipped {
		t.Error("expected a track_skipped event for the unfilled position")
	}
}

func TestBuild_CandidateNeverReused(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 3) // 0,1 primaries both fail; 2 the only candidate
	f.queue.failSeparate[ids[0]] = true
	f.queue.failSeparate[ids[1]] = true

	recipe, err := f.builder.Build(context.Background(), "run-4",
		buildRequest(ids[:2], ids[2:]))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	count := 0
	for _, entry := range recipe.Tracks {
		if entry.TrackID == ids[2] {
			count++
		}
	}
	if count != 1 {
		t.Errorf("candidate appeared %d times, want 1", count)
	}
}

func TestBuild_AllFailedIsError(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 2)
	f.queue.failSeparate[ids[0]] = true
	f.queue.failSeparate[ids[1]] = true

	_, err := f.builder.Build(context.Background(), "run-5", buildRequest(ids, nil))
	if !errors.Is(err, ErrAllTracksFailed) {
		t.Errorf("expected ErrAllTracksFailed, got %v", err)
	}
}

func TestBuild_AnalysisFailureYieldsPendingPlaceholder(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 1)
	f.queue.failAnalyze[ids[0]] = true

	recipe, err := f.builder.Build(context.Background(), "run-6", buildRequest(ids, nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(recipe.Tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(recipe.Tracks))
	}
	entry := recipe.Tracks[0]
	if entry.AnalysisStatus != model.AnalysisPending {
		t.Errorf("expected pending analysis, got %s", entry.AnalysisStatus)
	}
	if entry.Analysis != nil {
		t.Error("expected nil analysis payload")
	}
	if len(entry.Stems) == 0 {
		t.Error("stems must still be included")
	}
}

func TestBuild_CandidateListedAsPrimaryIsNotPooled(t *testing.T) {
	f := newRecipeFixture(t)
	ids := f.seedTracks(t, 2)
	f.queue.failSeparate[ids[0]] = true

	// The only candidate is also the second primary; it must not be
	// consumed as a replacement.
	recipe, err := f.builder.Build(context.Background(), "run-7",
		buildRequest(ids, []uint{ids[1]}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(recipe.Tracks) != 1 || recipe.Tracks[0].TrackID != ids[1] {
		t.Fatalf("expected only primary %d, got %+v", ids[1], recipe.Tracks)
	}
	if len(recipe.Substitutions) != 0 {
		t.Errorf("unexpected substitutions: %v", recipe.Substitutions)
	}
}
