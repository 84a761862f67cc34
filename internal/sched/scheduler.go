// Package sched runs the weekly automation: fetch market data for the
// week that just ended, then settle it.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paperfund/ledger-engine/internal/market"
	"github.com/paperfund/ledger-engine/internal/settle"
	"github.com/paperfund/ledger-engine/internal/week"
)

// Scheduler manages the engine's cron tasks.
type Scheduler struct {
	Cron   *cron.Cron
	Runner *market.Runner
	Engine *settle.Engine
	Ctx    context.Context

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewScheduler(ctx context.Context, runner *market.Runner, engine *settle.Engine) *Scheduler {
	return &Scheduler{
		Cron:   cron.New(cron.WithSeconds()),
		Runner: runner,
		Engine: engine,
		Ctx:    ctx,
		Now:    time.Now,
	}
}

// RegisterAll registers the fetch and settle tasks. Both operate on the
// week preceding the current one: by the time either cron fires, that
// week has ended.
func (s *Scheduler) RegisterAll(fetchCron, settleCron string) error {
	if _, err := s.Cron.AddFunc(fetchCron, s.fetchTask); err != nil {
		return fmt.Errorf("register fetch task: %w", err)
	}
	if _, err := s.Cron.AddFunc(settleCron, s.settleTask); err != nil {
		return fmt.Errorf("register settle task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	slog.Info("scheduler started")
}

// Stop stops the cron scheduler gracefully.
func (s *Scheduler) Stop() {
	s.Cron.Stop()
	slog.Info("scheduler stopped")
}

// TargetWeek returns the most recently ended week.
func (s *Scheduler) TargetWeek() string {
	return week.FromTime(s.Now().UTC()).Prev().String()
}

func (s *Scheduler) fetchTask() {
	id := s.TargetWeek()
	slog.Info("running scheduled fetch", "week", id)
	if err := s.Runner.FetchWeek(s.Ctx, id); err != nil {
		slog.Error("scheduled fetch failed", "week", id, "err", err)
	}
}

func (s *Scheduler) settleTask() {
	id := s.TargetWeek()
	slog.Info("running scheduled settlement", "week", id)

	res, err := s.Engine.SettleWeek(s.Ctx, id)
	if err != nil {
		slog.Error("scheduled settlement failed", "week", id, "err", err)
		return
	}
	slog.Info("scheduled settlement finished", "week", id,
		"allocations", res.NumAllocations, "carry_forwards", res.CarryForwards)
}
