package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/store"
)

// capturePublisher records everything the fanout emits.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []interface{}
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, payload)
	return nil
}

// captureQueue records enqueued tasks without executing them.
type captureQueue struct {
	tasks []*asynq.Task
}

func (q *captureQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

func newTestGate(t *testing.T) (*Gate, *store.Store, *captureQueue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	queue := &captureQueue{}
	fanout := broadcast.NewFanout(&capturePublisher{}, st)
	return NewGate(st, queue, fanout), st, queue
}

func seedTrack(t *testing.T, st *store.Store) *model.Track {
	t.Helper()
	track, err := st.FindOrCreateTrack("https://example.com/song", "Song", "Artist", "user-1")
	if err != nil {
		t.Fatalf("seed track: %v", err)
	}
	return track
}

func writeFile(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnsure_DownloadSatisfiedByExistingFile(t *testing.T) {
	gate, st, queue := newTestGate(t)
	track := seedTrack(t, st)

	track.LocalPath = writeFile(t, filepath.Join(t.TempDir(), "song.mp3"))
	if err := st.UpdateTrack(track); err != nil {
		t.Fatal(err)
	}

	res, err := gate.Ensure(context.Background(), track.ID, model.StageDownload, model.StageOptions{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !res.Satisfied {
		t.Error("expected satisfied for existing local file")
	}
	if len(queue.tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(queue.tasks))
	}
}

func TestEnsure_SchedulesDownloadJob(t *testing.T) {
	gate, st, queue := newTestGate(t)
	track := seedTrack(t, st)

	res, err := gate.Ensure(context.Background(), track.ID, model.StageDownload, model.StageOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Satisfied || res.JobID == "" {
		t.Fatalf("expected scheduled job, got %+v", res)
	}

	if len(queue.tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(queue.tasks))
	}
	if queue.tasks[0].Type() != TaskTypeDownload {
		t.Errorf("task type: got %s", queue.tasks[0].Type())
	}
	var p TaskPayload
	if err := json.Unmarshal(queue.tasks[0].Payload(), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.JobID != res.JobID {
		t.Errorf("payload job ID %s, want %s", p.JobID, res.JobID)
	}

	job, err := st.JobByID(res.JobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != model.JobStatusQueued || job.Stage != model.StageDownload {
		t.Errorf("job row: %s/%s", job.Stage, job.Status)
	}
}

func TestEnsure_ReturnsInFlightJob(t *testing.T) {
	gate, st, queue := newTestGate(t)
	track := seedTrack(t, st)

	first, err := gate.Ensure(context.Background(), track.ID, model.StageDownload, model.StageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := gate.Ensure(context.Background(), track.ID, model.StageDownload, model.StageOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if second.JobID != first.JobID {
		t.Errorf("expected the in-flight job %s, got %s", first.JobID, second.JobID)
	}
	if len(queue.tasks) != 1 {
		t.Errorf("duplicate enqueue: %d tasks", len(queue.tasks))
	}
	if jobs, _ := st.JobsByTrack(track.ID); len(jobs) != 1 {
		t.Errorf("expected a single job row, got %d", len(jobs))
	}
}

func TestEnsure_SeparateChecksRequestedKinds(t *testing.T) {
	gate, st, queue := newTestGate(t)
	track := seedTrack(t, st)

	stemDir := t.TempDir()
	if err := st.ReplaceStems(track.ID, []model.Stem{
		{TrackID: track.ID, Kind: model.StemVocals, Path: writeFile(t, filepath.Join(stemDir, "vocals.wav")), Engine: model.EngineDemucs},
		{TrackID: track.ID, Kind: model.StemDrums, Path: writeFile(t, filepath.Join(stemDir, "drums.wav")), Engine: model.EngineDemucs},
	}); err != nil {
		t.Fatal(err)
	}

	opts := model.StageOptions{StemKinds: []model.StemKind{model.StemVocals, model.StemDrums}}
	res, err := gate.Ensure(context.Background(), track.ID, model.StageSeparate, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Satisfied {
		t.Error("expected satisfied when all requested stems exist")
	}

	opts.StemKinds = append(opts.StemKinds, model.StemBass)
	res, err = gate.Ensure(context.Background(), track.ID, model.StageSeparate, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Satisfied {
		t.Error("expected scheduling when a requested stem is missing")
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Type() != TaskTypeSeparate {
		t.Errorf("expected one %s task", TaskTypeSeparate)
	}
}

func TestEnsure_StemFileGoneMeansNotSatisfied(t *testing.T) {
	gate, st, _ := newTestGate(t)
	track := seedTrack(t, st)

	path := writeFile(t, filepath.Join(t.TempDir(), "vocals.wav"))
	if err := st.ReplaceStems(track.ID, []model.Stem{
		{TrackID: track.ID, Kind: model.StemVocals, Path: path, Engine: model.EngineDemucs},
	}); err != nil {
		t.Fatal(err)
	}
	os.Remove(path)

	res, err := gate.Ensure(context.Background(), track.ID, model.StageSeparate,
		model.StageOptions{StemKinds: []model.StemKind{model.StemVocals}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Satisfied {
		t.Error("stem row without a file on disk must not satisfy the gate")
	}
}

func TestEnsure_CloudEngineSelectsCloudTask(t *testing.T) {
	gate, st, queue := newTestGate(t)
	track := seedTrack(t, st)

	_, err := gate.Ensure(context.Background(), track.ID, model.StageSeparate,
		model.StageOptions{Engine: model.EngineCloud, Variant: model.VariantMultiStem})
	if err != nil {
		t.Fatal(err)
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Type() != TaskTypeCloudSeparate {
		t.Errorf("expected %s task for cloud engine", TaskTypeCloudSeparate)
	}
}

func TestRequestedKinds_Defaults(t *testing.T) {
	cases := []struct {
		name string
		opts model.StageOptions
		want int
	}{
		{"local default model", model.StageOptions{}, 4},
		{"six stem model", model.StageOptions{Model: model.ModelHTDemucs6S}, 6},
		{"cloud multi", model.StageOptions{Engine: model.EngineCloud, Variant: model.VariantMultiStem}, 4},
		{"cloud single", model.StageOptions{Engine: model.EngineCloud, Variant: model.VariantSingleStem, TargetStem: model.StemBass}, 1},
		{"cloud vocal split", model.StageOptions{Engine: model.EngineCloud, Variant: model.VariantVocalSplit}, 2},
		{"explicit kinds win", model.StageOptions{StemKinds: []model.StemKind{model.StemVocals}}, 1},
	}
	for _, tc := range cases {
		if got := len(RequestedKinds(tc.opts)); got != tc.want {
			t.Errorf("%s: got %d kinds, want %d", tc.name, got, tc.want)
		}
	}
}
