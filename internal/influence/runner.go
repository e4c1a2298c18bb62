package influence

import (
	"context"
	"log/slog"
)

// Runner serializes recomputes behind a coalescing trigger. Many change
// notifications arriving while a recompute is in flight collapse into one
// follow-up run.
type Runner struct {
	engine *Engine
	logger *slog.Logger
	wake   chan struct{}
}

// NewRunner creates a runner for the engine.
func NewRunner(engine *Engine, logger *slog.Logger) *Runner {
	return &Runner{
		engine: engine,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// GraphChanged requests a recompute. Safe to call from any goroutine.
func (r *Runner) GraphChanged() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run processes triggers until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
			report, err := r.engine.Recompute(ctx)
			if err != nil {
				r.logger.Error("influence recompute failed", slog.Any("error", err))
				continue
			}
			r.logger.Info("influence recompute finished",
				slog.Int("nodes", report.Nodes),
				slog.Int("iterations", report.Iterations),
				slog.String("validation", string(report.Validation)),
			)
		}
	}
}
