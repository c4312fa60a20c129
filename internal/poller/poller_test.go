package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/workflow"
)

// scriptFetcher replays a fixed sequence of responses; the last one repeats.
type scriptFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	state workflow.State
	err   error
}

func (f *scriptFetcher) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.steps[min(f.calls, len(f.steps)-1)]
	f.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &workflow.Execution{ID: id, State: s.state}, nil
}

func (f *scriptFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errTransport = errors.New("connection refused")

func fastConfig() Config {
	return Config{Interval: time.Millisecond, TickTimeout: time.Second, MaxErrors: 3}
}

func TestRun_ReachesTerminalState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		steps []step
		want  workflow.State
		polls int
	}{
		{"success", []step{{state: workflow.StatePending}, {state: workflow.StateRunning}, {state: workflow.StateSuccess}}, workflow.StateSuccess, 3},
		{"failed", []step{{state: workflow.StateRunning}, {state: workflow.StateFailed}}, workflow.StateFailed, 2},
		{"killed immediately", []step{{state: workflow.StateKilled}}, workflow.StateKilled, 1},
		{"recovers from transient errors", []step{{err: errTransport}, {err: errTransport}, {state: workflow.StateSuccess}}, workflow.StateSuccess, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &scriptFetcher{steps: tt.steps}
			res := New(f, fastConfig(), log.Nop()).Run(context.Background(), "exec-1", time.Now().Add(5*time.Second))
			if res.State != tt.want {
				t.Errorf("State = %q, want %q (err=%v)", res.State, tt.want, res.Err)
			}
			if res.Polls != tt.polls || f.Calls() != tt.polls {
				t.Errorf("Polls = %d, calls = %d, want %d", res.Polls, f.Calls(), tt.polls)
			}
			if res.Err != nil {
				t.Errorf("Err = %v, want nil", res.Err)
			}
			if res.Execution == nil || res.Execution.ID != "exec-1" {
				t.Errorf("Execution = %+v", res.Execution)
			}
		})
	}
}

func TestRun_MaxConsecutiveErrorsIsUnknown(t *testing.T) {
	t.Parallel()

	f := &scriptFetcher{steps: []step{{state: workflow.StateRunning}, {err: errTransport}}}
	res := New(f, fastConfig(), log.Nop()).Run(context.Background(), "e", time.Time{})

	if res.State != workflow.StateUnknown {
		t.Errorf("State = %q, want UNKNOWN", res.State)
	}
	if !errors.Is(res.Err, errTransport) {
		t.Errorf("Err = %v, want transport error", res.Err)
	}
	if res.Polls != 4 {
		t.Errorf("Polls = %d, want 4 (1 ok + 3 errors)", res.Polls)
	}
}

func TestRun_DeadlineWhileRunningIsTimedOut(t *testing.T) {
	t.Parallel()

	f := &scriptFetcher{steps: []step{{state: workflow.StateRunning}}}
	p := New(f, Config{Interval: 5 * time.Millisecond}, nil)
	res := p.Run(context.Background(), "e", time.Now().Add(30*time.Millisecond))

	if res.State != workflow.StateTimedOut {
		t.Errorf("State = %q, want TIMED_OUT", res.State)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil", res.Err)
	}
	if res.Polls < 2 {
		t.Errorf("Polls = %d, want several", res.Polls)
	}
}

func TestRun_DeadlineAfterErrorIsUnknown(t *testing.T) {
	t.Parallel()

	f := &scriptFetcher{steps: []step{{state: workflow.StateRunning}, {err: errTransport}}}
	p := New(f, Config{Interval: 20 * time.Millisecond, MaxErrors: 100}, nil)
	res := p.Run(context.Background(), "e", time.Now().Add(30*time.Millisecond))

	if res.State != workflow.StateUnknown {
		t.Errorf("State = %q, want UNKNOWN", res.State)
	}
}

func TestRun_CancelReturnsLastState(t *testing.T) {
	t.Parallel()

	f := &scriptFetcher{steps: []step{{state: workflow.StateRunning}}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *Result, 1)
	go func() {
		done <- New(f, Config{Interval: 5 * time.Millisecond}, nil).Run(ctx, "e", time.Time{})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.State != workflow.StateRunning {
			t.Errorf("State = %q, want RUNNING", res.State)
		}
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Err = %v, want context.Canceled", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// blockingFetcher answers RUNNING once, then blocks until ctx is done.
type blockingFetcher struct {
	mu      sync.Mutex
	calls   int
	blocked chan struct{}
}

func (f *blockingFetcher) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == 1 {
		return &workflow.Execution{ID: id, State: workflow.StateRunning}, nil
	}
	if n == 2 {
		close(f.blocked)
	}
	<-ctx.Done()
	return nil, fmt.Errorf("get execution: %w", ctx.Err())
}

func TestRun_CancelDuringFetchReturnsLastState(t *testing.T) {
	t.Parallel()

	f := &blockingFetcher{blocked: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *Result, 1)
	go func() {
		done <- New(f, Config{Interval: time.Millisecond, TickTimeout: time.Minute}, nil).Run(ctx, "e", time.Time{})
	}()
	<-f.blocked
	cancel()

	select {
	case res := <-done:
		if res.State != workflow.StateRunning {
			t.Errorf("State = %q, want RUNNING", res.State)
		}
		if res.State.Terminal() {
			t.Error("cancelled run reported a terminal state")
		}
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Err = %v, want context.Canceled", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_Hooks(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		states []workflow.State
		done   *Result
	)
	hooks := Hooks{
		OnPoll: func(s workflow.State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		},
		OnDone: func(r *Result) { done = r },
	}
	f := &scriptFetcher{steps: []step{{state: workflow.StatePending}, {err: errTransport}, {state: workflow.StateSuccess}}}
	res := New(f, fastConfig(), nil, hooks).Run(context.Background(), "e", time.Time{})

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != workflow.StatePending || states[1] != workflow.StateSuccess {
		t.Errorf("OnPoll states = %v", states)
	}
	if done != res {
		t.Error("OnDone not called with the result")
	}
}

func TestPoll_NilExecutionIsError(t *testing.T) {
	t.Parallel()

	p := New(nilFetcher{}, Config{}, nil)
	if _, err := p.Poll(context.Background(), "e"); err == nil {
		t.Fatal("expected error for nil execution")
	}
}

type nilFetcher struct{}

func (nilFetcher) GetExecution(context.Context, string) (*workflow.Execution, error) {
	return nil, nil
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	p := New(nilFetcher{}, Config{}, nil)
	if p.cfg.Interval != DefaultInterval || p.cfg.TickTimeout != DefaultTickTimeout || p.cfg.MaxErrors != DefaultMaxErrors {
		t.Errorf("cfg = %+v", p.cfg)
	}
}
