package notify

import (
	"context"
	"log/slog"

	"github.com/paperfund/ledger-engine/internal/metrics"
)

// Recomputer replays settlement from a week onward. Satisfied by
// settle.Engine.
type Recomputer interface {
	RecomputeFrom(ctx context.Context, fromWeekID string) error
}

// Worker consumes change events and triggers recompute for the affected
// week. Events are processed one at a time in arrival order; a recompute
// error is logged and the worker moves on, since the next event for the
// same week replays the whole suffix anyway.
type Worker struct {
	bus    Bus
	engine Recomputer
}

func NewWorker(bus Bus, engine Recomputer) *Worker {
	return &Worker{bus: bus, engine: engine}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	events, err := w.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	slog.Info("recompute worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Worker) handle(ctx context.Context, ev Event) {
	metrics.ChangeEvents.WithLabelValues(ev.Collection).Inc()
	slog.Info("change event received", "collection", ev.Collection, "week", ev.WeekID)

	if err := w.engine.RecomputeFrom(ctx, ev.WeekID); err != nil {
		slog.Error("recompute failed", "week", ev.WeekID, "err", err)
	}
}
