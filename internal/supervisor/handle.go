package supervisor

import (
	"context"
	"sync"

	"github.com/dmarsh/gaffer/internal/batch"
)

// State is a handle's position in its lifecycle. Transitions are monotonic:
// Launched -> Sent -> (Completed | Failed) -> Terminated. Sent is skipped
// when the worker dies before the batch write finishes.
type State int32

const (
	StateLaunched State = iota
	StateSent
	StateCompleted
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLaunched:
		return "launched"
	case StateSent:
		return "sent"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome is the single resolution of a dispatch: either Records or Failure
// is set, never both.
type Outcome struct {
	Records []batch.ResultRecord
	Failure *WorkerFailure
}

// Handle is the supervisor's reference to one dispatched worker. Each handle
// owns exactly one outstanding batch and resolves exactly once.
type Handle struct {
	id     string
	worker string

	mu        sync.Mutex
	state     State
	outcome   Outcome
	resolved  bool
	callbacks []func(Outcome)

	done   chan struct{}
	cancel chan struct{}

	cancelOnce sync.Once
}

func newHandle(id, worker string) *Handle {
	return &Handle{
		id:     id,
		worker: worker,
		state:  StateLaunched,
		done:   make(chan struct{}),
		cancel: make(chan struct{}),
	}
}

// ID returns the dispatch identifier.
func (h *Handle) ID() string { return h.id }

// WorkerName returns the name of the worker this handle dispatched to.
func (h *Handle) WorkerName() string { return h.worker }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the dispatch has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// OnResult registers a one-shot callback invoked with the outcome. A
// callback registered after resolution fires immediately on its own
// goroutine. Each registered callback is invoked exactly once.
func (h *Handle) OnResult(fn func(Outcome)) {
	h.mu.Lock()
	if h.resolved {
		outcome := h.outcome
		h.mu.Unlock()
		go fn(outcome)
		return
	}
	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
}

// Wait blocks until the dispatch resolves or ctx is done. On success it
// returns the records in input order; on failure the error is the
// *WorkerFailure value.
func (h *Handle) Wait(ctx context.Context) ([]batch.ResultRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}

	h.mu.Lock()
	outcome := h.outcome
	h.mu.Unlock()

	if outcome.Failure != nil {
		return nil, outcome.Failure
	}
	return outcome.Records, nil
}

// Outcome returns the resolution if the dispatch has resolved.
func (h *Handle) Outcome() (Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.resolved
}

// Cancel force-terminates the worker. The outcome resolves as a
// WorkerFailure with reason cancelled. Cancelling a resolved handle is a
// no-op.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancel)
	})
}

// advance moves the state forward. States never go backward.
func (h *Handle) advance(to State) {
	h.mu.Lock()
	if to > h.state {
		h.state = to
	}
	h.mu.Unlock()
}

// resolve records the outcome exactly once and fires callbacks. Done is not
// closed here: the supervisor finishes the handle only after the outcome is
// persisted and the process reaped, so waiters observe the final state.
func (h *Handle) resolve(outcome Outcome) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.outcome = outcome
	if outcome.Failure != nil {
		if StateFailed > h.state {
			h.state = StateFailed
		}
	} else {
		if StateCompleted > h.state {
			h.state = StateCompleted
		}
	}
	callbacks := h.callbacks
	h.callbacks = nil
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(outcome)
	}
}

// finish unblocks waiters. Called exactly once, after termination.
func (h *Handle) finish() {
	close(h.done)
}
