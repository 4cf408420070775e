package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"overlay-bridge/internal/events"
)

// Supervisor runs the bridge tasks under one cancellation scope. Adapter tasks are
// isolated: their errors and panics are reported, never propagated. A critical task
// failing cancels everything.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	pub    events.Publisher

	wg conc.WaitGroup

	mu   sync.Mutex
	errs []error
}

func New(parent context.Context, pub events.Publisher) *Supervisor {
	ctx, cancel := context.WithCancelCause(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, pub: pub}
}

// Context is cancelled on shutdown or when a critical task fails.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go runs an adapter task. A panic is published as <source>:error.
func (s *Supervisor) Go(source string, fn func(ctx context.Context) error) {
	s.wg.Go(func() {
		err := s.run(source, fn)
		if err != nil && s.ctx.Err() == nil {
			slog.Warn("task stopped", "task", source, "error", err)
			return
		}
		slog.Debug("task stopped", "task", source)
	})
}

// GoCritical runs a task whose failure takes the bridge down.
func (s *Supervisor) GoCritical(name string, fn func(ctx context.Context) error) {
	s.wg.Go(func() {
		err := s.run(name, fn)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		slog.Error("critical task failed", "task", name, "error", err)
		s.mu.Lock()
		s.errs = append(s.errs, err)
		s.mu.Unlock()
		s.cancel(err)
	})
}

func (s *Supervisor) run(source string, fn func(ctx context.Context) error) (err error) {
	recovered := panics.Try(func() { err = fn(s.ctx) })
	if recovered == nil {
		return err
	}
	perr := recovered.AsError()
	slog.Error("task panicked", "task", source, "panic", recovered.Value, "stack", string(recovered.Stack))
	if eerr := events.Emit(s.pub, events.Namespace(source, events.KindError), fmt.Sprintf("panic: %v", recovered.Value)); eerr != nil {
		slog.Warn("panic event not published", "task", source, "error", eerr)
	}
	return perr
}

// Stop cancels every task.
func (s *Supervisor) Stop() { s.cancel(context.Canceled) }

// Wait blocks until every task has returned and reports critical failures.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}
