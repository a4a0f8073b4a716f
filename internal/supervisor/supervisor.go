// Package supervisor owns the lifecycle of worker dispatch: it launches one
// isolated worker process per batch, sends the batch as a single message,
// awaits the single reply or the process exit, and resolves the outcome.
//
// Failures are values delivered through the handle; the supervisor never
// crashes because a worker did. Timeout enforcement is SIGTERM, a grace
// period, then SIGKILL.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/events"
	"github.com/dmarsh/gaffer/internal/ledger"
	"github.com/dmarsh/gaffer/internal/log"
	"github.com/dmarsh/gaffer/internal/protocol"
	"github.com/dmarsh/gaffer/internal/registry"
)

const (
	// maxStderrBytes caps the amount of stderr captured from worker execution.
	maxStderrBytes = 64 * 1024

	defaultTimeout     = 60 * time.Second
	defaultGracePeriod = 5 * time.Second
)

// Options configures a Supervisor. Ledger and Events are optional; a nil
// ledger means outcomes are only logged, a nil hub means no events.
type Options struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	Ledger         *ledger.Ledger
	Events         *events.Hub
}

// Supervisor dispatches batches to isolated worker processes and tracks
// their handles. It holds no shared mutable state between workers; each
// dispatch is independent.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	return &Supervisor{
		opts:    opts,
		logger:  log.WithComponent("supervisor"),
		handles: make(map[string]*Handle),
	}
}

// Active returns the number of unresolved dispatches.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Dispatch launches a new worker process for items and returns its handle
// without waiting for the worker. It fails synchronously with *LaunchError
// if the process cannot start. timeout <= 0 falls back to the worker's
// manifest timeout, then the supervisor default.
func (s *Supervisor) Dispatch(ctx context.Context, worker *registry.Worker, items batch.WorkBatch, timeout time.Duration) (*Handle, error) {
	if worker == nil {
		return nil, fmt.Errorf("worker is nil")
	}
	if timeout <= 0 {
		timeout = worker.Timeout
	}
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	id := uuid.NewString()

	msg, err := protocol.NewBatchMessage(id, items)
	if err != nil {
		return nil, err
	}
	msg.DeadlineAt = time.Now().Add(timeout).UTC()

	// Encode up front so codec errors surface before the process exists.
	var payload bytes.Buffer
	if err := protocol.EncodeBatch(&payload, msg); err != nil {
		return nil, err
	}

	cmd := exec.Command(worker.Entrypoint)
	// Workers run in their own directory so relative output paths stay
	// contained there.
	cmd.Dir = worker.Path

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Worker: worker.Name, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	dispatchLogger := log.WithDispatch(id).With("worker", worker.Name)
	dispatchLogger.Debug("launching worker", "entrypoint", worker.Entrypoint, "items", len(items), "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Worker: worker.Name, Err: err}
	}

	handle := newHandle(id, worker.Name)
	s.mu.Lock()
	s.handles[id] = handle
	s.mu.Unlock()
	s.wg.Add(1)

	if s.opts.Ledger != nil {
		if err := s.opts.Ledger.Record(ctx, id, worker.Name, len(items)); err != nil {
			dispatchLogger.Error("failed to record dispatch", "error", err)
		}
	}
	s.publish(events.TypeDispatchLaunched, map[string]any{
		"dispatch_id": id,
		"worker":      worker.Name,
		"items":       len(items),
	})

	// Write the batch to stdin without blocking the dispatcher.
	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(payload.Bytes()); err != nil {
			writeErr <- fmt.Errorf("send batch: %w", err)
			return
		}
		handle.advance(StateSent)
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	go s.await(ctx, handle, cmd, awaitState{
		itemCount: len(items),
		timeout:   timeout,
		stdout:    &stdout,
		stderr:    &stderr,
		writeErr:  writeErr,
		waitErr:   waitErr,
		logger:    dispatchLogger,
	})

	return handle, nil
}

// Shutdown cancels all in-flight dispatches and waits for their handles to
// terminate, or until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.handles {
		h.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type awaitState struct {
	itemCount int
	timeout   time.Duration
	stdout    *bytes.Buffer
	stderr    *bytes.Buffer
	writeErr  chan error
	waitErr   chan error
	logger    *slog.Logger
}

// await suspends at the single "reply or exit" point and resolves the handle.
func (s *Supervisor) await(ctx context.Context, handle *Handle, cmd *exec.Cmd, st awaitState) {
	defer s.reap(ctx, handle)

	timeoutTimer := time.NewTimer(st.timeout)
	defer timeoutTimer.Stop()

	select {
	case <-timeoutTimer.C:
		st.logger.Warn("dispatch timed out, terminating worker", "timeout", st.timeout)
		s.terminate(cmd, st.waitErr, st.logger)
		handle.resolve(Outcome{Failure: &WorkerFailure{
			Reason: ReasonTimeout,
			Stderr: truncateStderr(st.stderr.String()),
			Detail: fmt.Sprintf("no reply within %v", st.timeout),
		}})

	case <-handle.cancel:
		st.logger.Info("dispatch cancelled, terminating worker")
		s.terminate(cmd, st.waitErr, st.logger)
		handle.resolve(Outcome{Failure: &WorkerFailure{
			Reason: ReasonCancelled,
			Stderr: truncateStderr(st.stderr.String()),
			Detail: "cancelled by caller",
		}})

	case <-ctx.Done():
		st.logger.Info("dispatch context done, terminating worker")
		s.terminate(cmd, st.waitErr, st.logger)
		handle.resolve(Outcome{Failure: &WorkerFailure{
			Reason: ReasonCancelled,
			Stderr: truncateStderr(st.stderr.String()),
			Detail: ctx.Err().Error(),
		}})

	case err := <-st.waitErr:
		handle.resolve(s.settle(err, st))
	}
}

// settle classifies a finished worker process into an outcome.
func (s *Supervisor) settle(waitRes error, st awaitState) Outcome {
	stderrStr := truncateStderr(st.stderr.String())

	if waitRes != nil {
		var exitErr *exec.ExitError
		if errors.As(waitRes, &exitErr) {
			st.logger.Warn("worker exited nonzero", "exit_code", exitErr.ExitCode())
			return Outcome{Failure: &WorkerFailure{
				Reason:   ReasonExit,
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderrStr,
				Detail:   fmt.Sprintf("worker exited with status %d", exitErr.ExitCode()),
			}}
		}
		return Outcome{Failure: &WorkerFailure{
			Reason:   ReasonExit,
			ExitCode: -1,
			Stderr:   stderrStr,
			Detail:   fmt.Sprintf("wait for worker: %v", waitRes),
		}}
	}

	if werr := <-st.writeErr; werr != nil {
		// Exit 0 but the batch never arrived whole; the reply cannot be
		// trusted even if one is present.
		return Outcome{Failure: &WorkerFailure{
			Reason: ReasonNoReply,
			Stderr: stderrStr,
			Detail: werr.Error(),
		}}
	}

	msg, err := protocol.DecodeResult(bytes.NewReader(st.stdout.Bytes()), st.itemCount)
	if err != nil {
		return Outcome{Failure: classifyDecodeError(err, stderrStr)}
	}

	st.logger.Info("dispatch completed", "records", len(msg.Items))
	return Outcome{Records: msg.Items}
}

func classifyDecodeError(err error, stderr string) *WorkerFailure {
	reason := ReasonMalformed
	switch {
	case errors.Is(err, protocol.ErrEmptyReply):
		reason = ReasonNoReply
	case errors.Is(err, protocol.ErrTrailingData), errors.Is(err, protocol.ErrSchema):
		reason = ReasonProtocol
	}
	return &WorkerFailure{
		Reason: reason,
		Stderr: stderr,
		Detail: err.Error(),
	}
}

// terminate enforces worker shutdown: SIGTERM, grace period, then SIGKILL.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitErr chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Debug("worker exited after SIGTERM")
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// reap finalizes a resolved handle: persist the outcome, emit the lifecycle
// event, and destroy the handle.
func (s *Supervisor) reap(ctx context.Context, handle *Handle) {
	outcome, _ := handle.Outcome()

	if s.opts.Ledger != nil {
		var (
			status    = batch.StatusCompleted
			records   = outcome.Records
			lastError *string
			stderr    *string
		)
		if f := outcome.Failure; f != nil {
			status = f.Status()
			records = nil
			msg := f.Error()
			lastError = &msg
			if f.Stderr != "" {
				s := f.Stderr
				stderr = &s
			}
		}
		if err := s.opts.Ledger.Complete(context.WithoutCancel(ctx), handle.ID(), status, records, lastError, stderr); err != nil {
			s.logger.Error("failed to complete dispatch in ledger", "dispatch_id", handle.ID(), "error", err)
		}
	}

	if outcome.Failure != nil {
		s.publish(events.TypeDispatchFailed, map[string]any{
			"dispatch_id": handle.ID(),
			"worker":      handle.WorkerName(),
			"reason":      string(outcome.Failure.Reason),
		})
	} else {
		s.publish(events.TypeDispatchCompleted, map[string]any{
			"dispatch_id": handle.ID(),
			"worker":      handle.WorkerName(),
			"records":     len(outcome.Records),
		})
	}

	handle.advance(StateTerminated)
	handle.finish()

	s.mu.Lock()
	delete(s.handles, handle.ID())
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.opts.Events != nil {
		s.opts.Events.Publish(eventType, data)
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
