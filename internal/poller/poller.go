// Package poller drives a triggered workflow execution to a terminal state by
// fetching it at a fixed interval.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/workflow"
)

// Defaults applied when a Config field is zero.
const (
	DefaultInterval    = 2 * time.Second
	DefaultTickTimeout = 10 * time.Second
	DefaultMaxErrors   = 5
)

// Fetcher returns the current state of an execution.
type Fetcher interface {
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
}

// Config tunes the poll loop.
type Config struct {
	Interval    time.Duration
	TickTimeout time.Duration
	MaxErrors   int // consecutive fetch errors before giving up
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnPoll func(state workflow.State)
	OnDone func(r *Result)
}

// Result is the outcome of Run. State is terminal unless the caller cancelled
// ctx before anything went wrong, in which case it is the last observed state
// and Err is the context error.
type Result struct {
	ExecutionID string
	State       workflow.State
	Execution   *workflow.Execution // last successful fetch, may be nil
	Polls       int
	Duration    time.Duration
	Err         error
}

// Poller polls one execution per Run call. Runs are independent, so polling
// the same execution twice is harmless.
type Poller struct {
	fetcher Fetcher
	cfg     Config
	logger  log.Logger
	hooks   Hooks
}

// New creates a Poller.
func New(fetcher Fetcher, cfg Config, logger log.Logger, hooks ...Hooks) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if logger == nil {
		logger = log.Nop()
	}
	var h Hooks
	if len(hooks) > 0 {
		h = hooks[0]
	}
	return &Poller{fetcher: fetcher, cfg: cfg, logger: logger, hooks: h}
}

// Poll performs a single fetch bounded by the tick timeout.
func (p *Poller) Poll(ctx context.Context, id string) (*workflow.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TickTimeout)
	defer cancel()

	exec, err := p.fetcher.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.New("poller: fetcher returned no execution")
	}
	return exec, nil
}

// Run polls id until it reaches a terminal state, deadline passes or ctx is
// cancelled. A zero deadline means no deadline.
//
// Deadline while PENDING or RUNNING yields TIMED_OUT. MaxErrors consecutive
// fetch errors, or stopping right after a failed fetch, yields UNKNOWN. A fetch
// aborted by ctx itself is not a failure: Run returns the last observed state
// with ctx.Err().
func (p *Poller) Run(ctx context.Context, id string, deadline time.Time) *Result {
	start := time.Now()
	res := &Result{ExecutionID: id, State: workflow.StatePending}
	defer func() {
		res.Duration = time.Since(start)
		if p.hooks.OnDone != nil {
			p.hooks.OnDone(res)
		}
	}()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	L := p.logger.With("execution_id", id)
	var (
		consecutive int
		lastErr     error
	)
	for {
		exec, err := p.Poll(ctx, id)
		res.Polls++
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			res.Err = ctx.Err()
			return res
		}
		if err != nil {
			consecutive++
			lastErr = err
			L.Warn(ctx, "execution poll failed", "err", err, "consecutive", consecutive)
			if consecutive >= p.cfg.MaxErrors {
				res.State = workflow.StateUnknown
				res.Err = err
				return res
			}
		} else {
			consecutive = 0
			lastErr = nil
			res.Execution = exec
			res.State = exec.State
			if p.hooks.OnPoll != nil {
				p.hooks.OnPoll(exec.State)
			}
			if exec.State.Terminal() {
				return res
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				res.State = workflow.StateUnknown
				res.Err = lastErr
			} else {
				res.Err = ctx.Err()
			}
			return res
		case <-expired:
			if lastErr != nil {
				res.State = workflow.StateUnknown
				res.Err = lastErr
			} else {
				res.State = workflow.StateTimedOut
			}
			return res
		case <-ticker.C:
		}
	}
}
