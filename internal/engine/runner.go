package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

const (
	DefaultInterval     = time.Minute
	DefaultJitterRatio  = 0.2
	DefaultCycleTimeout = 5 * time.Minute
)

type Poller interface {
	PollOnce(ctx context.Context) (CycleReport, error)
}

type RunnerOptions struct {
	Interval     time.Duration
	JitterRatio  float64
	CycleTimeout time.Duration
	// OnCycle, when set, is called after every cycle.
	OnCycle func(CycleReport, error)
	Logger  *zap.Logger
}

// Runner drives PollOnce on a jittered timer until its context ends.
type Runner struct {
	poller  Poller
	logger  *zap.Logger
	onCycle func(CycleReport, error)
	timeout time.Duration

	mu       sync.Mutex
	interval time.Duration
	jitter   float64
}

func NewRunner(poller Poller, opts RunnerOptions) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	return &Runner{
		poller:   poller,
		logger:   logging.OrNop(opts.Logger).Named("runner"),
		onCycle:  opts.OnCycle,
		timeout:  opts.CycleTimeout,
		interval: opts.Interval,
		jitter:   clampJitterRatio(opts.JitterRatio),
	}
}

// SetInterval changes the base interval from the next tick on.
func (r *Runner) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = interval
	r.mu.Unlock()
}

func (r *Runner) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Runner) nextDelay(sample float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return jitteredIntervalWithSample(r.interval, r.jitter, sample)
}

// RunOnce runs a single cycle under the per-cycle timeout.
func (r *Runner) RunOnce(ctx context.Context) (CycleReport, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	report, err := r.poller.PollOnce(cycleCtx)
	switch {
	case err == nil:
		r.logger.Info("sync cycle completed",
			zap.String("from", report.Poll.From),
			zap.String("to", report.Poll.To),
			zap.Int("matched", report.Poll.Matched),
			zap.Int("skipped_events", report.Poll.Skipped),
			zap.Int("delivered", report.Delivered),
			zap.Int("invalid", report.Invalid),
			zap.Int("failed", report.Failed),
		)
	case errors.Is(err, ErrPollInProgress):
		r.logger.Debug("sync cycle skipped, poll in progress")
	case syncerr.IsAuth(err):
		r.logger.Error("sync cycle stopped on auth failure", zap.Error(err))
	default:
		r.logger.Warn("sync cycle failed", zap.Error(err))
	}
	if r.onCycle != nil {
		r.onCycle(report, err)
	}
	return report, err
}

// Run executes a cycle immediately and then one per jittered interval.
func (r *Runner) Run(ctx context.Context) error {
	r.RunOnce(ctx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(r.nextDelay(rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopping", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-timer.C:
			r.RunOnce(ctx)
			timer.Reset(r.nextDelay(rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
