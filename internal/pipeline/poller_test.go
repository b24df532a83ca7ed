package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testPoller(cfg PollerConfig, delays *[]time.Duration) *Poller {
	p := NewPoller(cfg)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
	return p
}

func TestPoll_BackoffDoublesAndCaps(t *testing.T) {
	var delays []time.Duration
	p := testPoller(PollerConfig{
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxAttempts:     6,
		BandLow:         10,
		BandHigh:        90,
	}, &delays)

	check := func(ctx context.Context) (Check, error) {
		return Check{State: CheckQueued}, nil
	}
	_, err := p.Poll(context.Background(), "task-1", check, nil)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(delays))
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("sleep %d: got %s, want %s", i, d, want[i])
		}
	}
}

func TestPoll_SuccessReturnsPayload(t *testing.T) {
	p := testPoller(DefaultPollerConfig(), nil)

	payload := json.RawMessage(`{"stems":["vocals"]}`)
	calls := 0
	check := func(ctx context.Context) (Check, error) {
		calls++
		if calls < 3 {
			return Check{State: CheckProgress, Progress: calls * 30}, nil
		}
		return Check{State: CheckSuccess, Payload: payload}, nil
	}

	var ticks []int
	got, err := p.Poll(context.Background(), "task-2", check, func(local int) {
		ticks = append(ticks, local)
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload: got %s", got)
	}
	// Remote 30 and 60 map into the 10-90 band, then success pins BandHigh.
	want := []int{34, 58, 90}
	if len(ticks) != len(want) {
		t.Fatalf("expected %d ticks, got %v", len(want), ticks)
	}
	for i, local := range ticks {
		if local != want[i] {
			t.Errorf("tick %d: got %d, want %d", i, local, want[i])
		}
	}
}

func TestPoll_LocalProgressNeverDecreases(t *testing.T) {
	p := testPoller(DefaultPollerConfig(), nil)

	// Remote progress jitters backwards; local ticks must not.
	remote := []int{50, 20, 70}
	calls := 0
	check := func(ctx context.Context) (Check, error) {
		if calls == len(remote) {
			return Check{State: CheckSuccess}, nil
		}
		c := Check{State: CheckProgress, Progress: remote[calls]}
		calls++
		return c, nil
	}

	last := -1
	_, err := p.Poll(context.Background(), "task-3", check, func(local int) {
		if local < last {
			t.Errorf("local progress decreased: %d after %d", local, last)
		}
		last = local
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
}

func TestPoll_RemoteErrorIsPermanent(t *testing.T) {
	p := testPoller(DefaultPollerConfig(), nil)

	check := func(ctx context.Context) (Check, error) {
		return Check{State: CheckError, Reason: "separation model crashed"}, nil
	}
	_, err := p.Poll(context.Background(), "task-4", check, nil)

	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if perm.Reason != "separation model crashed" {
		t.Errorf("reason: got %q", perm.Reason)
	}
}

func TestPoll_TransientCheckErrorsRetried(t *testing.T) {
	p := testPoller(DefaultPollerConfig(), nil)

	calls := 0
	check := func(ctx context.Context) (Check, error) {
		calls++
		if calls < 3 {
			return Check{}, errors.New("connection reset")
		}
		return Check{State: CheckSuccess}, nil
	}
	if _, err := p.Poll(context.Background(), "task-5", check, nil); err != nil {
		t.Fatalf("expected transient errors to be retried, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 checks, got %d", calls)
	}
}

func TestPoll_UnknownStateRetried(t *testing.T) {
	p := testPoller(PollerConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Second,
		MaxAttempts:     2,
		BandLow:         10,
		BandHigh:        90,
	}, nil)

	check := func(ctx context.Context) (Check, error) {
		return Check{State: CheckUnknown}, nil
	}
	if _, err := p.Poll(context.Background(), "task-6", check, nil); !errors.Is(err, ErrPollTimeout) {
		t.Errorf("expected timeout after retrying unknown states, got %v", err)
	}
}

func TestPoll_ContextCancelStopsPolling(t *testing.T) {
	p := NewPoller(DefaultPollerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	check := func(ctx context.Context) (Check, error) {
		t.Fatal("check should not run after cancellation")
		return Check{}, nil
	}
	if _, err := p.Poll(ctx, "task-7", check, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
