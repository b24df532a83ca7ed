package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CheckState is the classification of one status check against a remote
// task. Queued, Progress, Success and Error come from the remote service;
// Unknown covers malformed or unexpected responses and is retried like
// Progress.
type CheckState int

const (
	CheckQueued CheckState = iota
	CheckProgress
	CheckSuccess
	CheckError
	CheckUnknown
)

// Check is the result of one remote status probe. A CheckFunc returning a
// non-nil error signals a transient failure (network, timeout) and is
// retried on the same backoff schedule.
type Check struct {
	State    CheckState
	Progress int // remote 0-100, meaningful for CheckProgress
	Payload  json.RawMessage
	Reason   string // meaningful for CheckError
}

type CheckFunc func(ctx context.Context) (Check, error)

// PermanentError is a remote-reported task failure. It is never retried:
// the service explicitly reported completion-with-error.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("remote task failed: %s", e.Reason)
}

// ErrPollTimeout is returned when the attempt budget is exhausted without a
// terminal state.
var ErrPollTimeout = errors.New("polling attempt budget exhausted")

// PollerConfig bounds the backoff schedule and maps remote progress into a
// local band, leaving headroom for local pre/post steps around the remote
// task.
type PollerConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int

	// Local progress band; remote 0-100 is scaled into [BandLow, BandHigh].
	BandLow  int
	BandHigh int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxAttempts:     24,
		BandLow:         10,
		BandHigh:        90,
	}
}

// Poller drives a long-running remote task to completion with exponential
// backoff. It knows nothing about what is being polled; callers supply the
// status probe and receive local-scale progress ticks.
type Poller struct {
	cfg   PollerConfig
	sleep func(ctx context.Context, d time.Duration) error
	log   *logrus.Entry
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 5 * time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 24
	}
	if cfg.BandHigh <= cfg.BandLow {
		cfg.BandLow, cfg.BandHigh = 10, 90
	}
	return &Poller{
		cfg:   cfg,
		sleep: sleepCtx,
		log:   logrus.WithField("component", "poller"),
	}
}

// Poll probes the task until success, remote-reported failure, or attempt
// exhaustion. onTick receives a monotonically non-decreasing local progress
// value on every non-terminal check.
//
// Returns the success payload, or a *PermanentError for a remote failure,
// ErrPollTimeout when the budget runs out, or the context's error.
func (p *Poller) Poll(ctx context.Context, taskID string, check CheckFunc, onTick func(local int)) (json.RawMessage, error) {
	delay := p.cfg.InitialInterval
	lastLocal := p.cfg.BandLow

	tick := func(local int) {
		if local < lastLocal {
			local = lastLocal
		}
		lastLocal = local
		if onTick != nil {
			onTick(local)
		}
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}

		result, err := check(ctx)
		if err != nil {
			// Transient check failure: same schedule as queued/progress.
			p.log.Warnf("task %s check #%d failed: %v", taskID, attempt, err)
			delay = p.nextDelay(delay)
			tick(lastLocal)
			continue
		}

		switch result.State {
		case CheckSuccess:
			tick(p.cfg.BandHigh)
			return result.Payload, nil
		case CheckError:
			return nil, &PermanentError{Reason: result.Reason}
		case CheckQueued:
			tick(p.cfg.BandLow)
		case CheckProgress:
			tick(p.localProgress(result.Progress))
		default:
			p.log.Warnf("task %s check #%d returned unknown state, retrying", taskID, attempt)
			tick(lastLocal)
		}
		delay = p.nextDelay(delay)
	}

	return nil, fmt.Errorf("task %s: %w", taskID, ErrPollTimeout)
}

func (p *Poller) nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > p.cfg.MaxInterval {
		d = p.cfg.MaxInterval
	}
	return d
}

// localProgress maps a remote percentage into the configured band.
func (p *Poller) localProgress(remote int) int {
	if remote < 0 {
		remote = 0
	}
	if remote > 100 {
		remote = 100
	}
	span := p.cfg.BandHigh - p.cfg.BandLow
	return p.cfg.BandLow + remote*span/100
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
