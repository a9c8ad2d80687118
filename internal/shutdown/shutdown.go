// Package shutdown runs the daemon's teardown steps in reverse registration
// order, so the socket server stops accepting before the pieces it depends on
// go away. Namespace handles are exempt from teardown entirely: they are
// leaked on purpose, since closing them would destroy the kernel namespaces
// they pin.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components participating in teardown.
type Shutdowner interface {
	// Shutdown stops the component, respecting the context's deadline.
	Shutdown(ctx context.Context) error
}

// Func adapts a closure into a Shutdowner.
type Func func(ctx context.Context) error

// Shutdown calls f.
func (f Func) Shutdown(ctx context.Context) error { return f(ctx) }

type step struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator runs registered steps LIFO on Shutdown.
type Coordinator struct {
	steps []step
	log   *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		log: logger.With(slog.String("component", "shutdown")),
	}
}

// Register appends a teardown step. Steps run in reverse registration order,
// so register dependencies first and their dependents after.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.steps = append(c.steps, step{name: name, shutdowner: s})
}

// Shutdown runs all steps in reverse order, continuing past individual
// failures, and returns the first error. The context deadline bounds the
// whole sequence.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.log.Info("starting coordinated shutdown", slog.Int("steps", len(c.steps)))

	var firstErr error
	for i := len(c.steps) - 1; i >= 0; i-- {
		s := c.steps[i]

		select {
		case <-ctx.Done():
			c.log.Error("shutdown deadline exceeded",
				slog.String("remaining_step", s.name),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at %s: %w", s.name, ctx.Err())
			}
			return firstErr
		default:
		}

		start := time.Now()
		if err := s.shutdowner.Shutdown(ctx); err != nil {
			c.log.Error("step failed",
				slog.String("step", s.name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shut down %s: %w", s.name, err)
			}
			continue
		}
		c.log.Info("step complete",
			slog.String("step", s.name),
			slog.Duration("duration", time.Since(start)),
		)
	}

	return firstErr
}
