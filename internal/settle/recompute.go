package settle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/metrics"
	"github.com/paperfund/ledger-engine/internal/model"
	"github.com/paperfund/ledger-engine/internal/week"
)

// RecomputeFrom deterministically replays settlement for every week from
// fromWeekID onward, in ascending calendar order. Invoked when market
// data or a correction changes retroactively.
//
// The running balance map is seeded once from the ledger of the week
// immediately preceding the replay and is then the only predecessor
// source for the whole pass — both for allocations and carry-forward.
// That is what keeps multi-week replay self-consistent before any write
// lands: week N+1 always chains off week N's freshly recomputed value,
// never a stale stored one.
//
// A week with allocations but no effective market data is skipped
// entirely (left unsettled, state untouched) and replay continues; that
// leaves a ledger gap a later recompute closes once data arrives.
func (e *Engine) RecomputeFrom(ctx context.Context, fromWeekID string) error {
	weeks, err := e.loadOrderedWeeks(ctx)
	if err != nil {
		return err
	}

	startIdx := -1
	for i, wk := range weeks {
		if wk.ID == fromWeekID {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return fmt.Errorf("%w: %s", ErrWeekNotFound, fromWeekID)
	}
	suffix := weeks[startIdx:]

	balanceMap, err := e.seedBalances(ctx, fromWeekID)
	if err != nil {
		return err
	}
	snapshots, err := e.loadBalances(ctx)
	if err != nil {
		return err
	}

	touched := make(map[string]struct{})
	lastReplayed := ""

	for _, wk := range suffix {
		if endOf(wk).After(e.Now()) {
			slog.Info("recompute reached an unfinished week, stopping", "week", wk.ID)
			break
		}

		allocs, err := e.loadAllocations(ctx, wk.ID)
		if err != nil {
			return err
		}
		eff, err := e.market.Effective(ctx, wk.ID)
		if err != nil {
			return fmt.Errorf("settle: recompute %s: %w", wk.ID, err)
		}

		if len(allocs) > 0 && eff == nil {
			slog.Warn("recompute skipping week without market data", "week", wk.ID,
				"allocations", len(allocs))
			metrics.RecomputeWeeks.WithLabelValues("skipped").Inc()
			continue
		}

		settledAt := e.Now().UTC()
		writer := docstore.NewBatchedWriter(e.store)
		settled := make(map[string]struct{}, len(allocs))

		// In-memory chaining: the predecessor balance comes from the
		// map, not a fresh store lookup. The resolver only serves
		// users whose chain predates the replay window.
		for _, a := range allocs {
			base, ok := balanceMap[a.UID]
			if !ok {
				stored := a.BaseBalance
				base = e.resolver.StartingBalance(ctx, a.UID, wk.ID, &stored)
			}
			o := buildOutcome(a, base, eff)
			if err := e.queueOutcome(writer, o, settledAt); err != nil {
				return err
			}
			balanceMap[a.UID] = o.end
			settled[a.UID] = struct{}{}
			touched[a.UID] = struct{}{}
		}
		if err := writer.Flush(ctx); err != nil {
			return fmt.Errorf("settle: recompute %s: %w", wk.ID, err)
		}

		// Carry-forward candidates are the stored snapshots plus every
		// user the replay has already touched: snapshots are only
		// rewritten after the pass, so a user whose first allocation
		// landed mid-replay would otherwise leave a ledger gap in the
		// zero-allocation weeks after it.
		candidates := make(map[string]model.Balance, len(snapshots)+len(balanceMap))
		for uid, b := range snapshots {
			candidates[uid] = b
		}
		for uid, bal := range balanceMap {
			if _, ok := candidates[uid]; !ok {
				candidates[uid] = model.Balance{UID: uid, LatestBalance: bal}
			}
		}

		cfWriter := docstore.NewBatchedWriter(e.store)
		bases, err := e.carryForward(ctx, cfWriter, wk.ID, candidates, settled,
			func(cfCtx context.Context, b model.Balance) decimal.Decimal {
				if v, ok := balanceMap[b.UID]; ok {
					return v
				}
				latest := b.LatestBalance
				return e.resolver.StartingBalance(cfCtx, b.UID, wk.ID, &latest)
			})
		if err != nil {
			return err
		}
		if err := cfWriter.Flush(ctx); err != nil {
			return fmt.Errorf("settle: recompute %s carry-forward: %w", wk.ID, err)
		}
		for uid, base := range bases {
			balanceMap[uid] = base
			touched[uid] = struct{}{}
		}

		if err := e.markSettled(ctx, wk.ID); err != nil {
			return err
		}
		metrics.RecomputeWeeks.WithLabelValues("settled").Inc()
		lastReplayed = wk.ID

		slog.Info("recomputed week", "week", wk.ID,
			"allocations", len(allocs), "carry_forwards", len(bases))
		if e.events != nil {
			e.events.WeekSettled(wk.ID, len(allocs)+len(bases), true)
		}
	}

	if lastReplayed == "" {
		return nil
	}

	// One snapshot per touched user, pointing at the last replayed week.
	writer := docstore.NewBatchedWriter(e.store)
	for uid := range touched {
		doc, err := docstore.Encode(model.Balance{
			UID:           uid,
			LatestWeekID:  lastReplayed,
			LatestBalance: balanceMap[uid],
		})
		if err != nil {
			return err
		}
		writer.Set(model.ColBalances, uid, doc, true)
	}
	if err := writer.Flush(ctx); err != nil {
		return fmt.Errorf("settle: recompute snapshots: %w", err)
	}

	slog.Info("recompute finished", "from", fromWeekID, "last", lastReplayed,
		"users", len(touched))
	return nil
}

// loadOrderedWeeks returns all weeks in ascending replay order: by start
// date, falling back to the numeric (year, week) key when any week lacks
// a start date.
func (e *Engine) loadOrderedWeeks(ctx context.Context) ([]model.Week, error) {
	docs, err := e.store.Query(ctx, model.ColWeeks, "", "")
	if err != nil {
		return nil, fmt.Errorf("settle: load weeks: %w", err)
	}
	weeks := make([]model.Week, 0, len(docs))
	byDate := true
	for _, doc := range docs {
		var wk model.Week
		if err := docstore.Decode(doc, &wk); err != nil {
			slog.Warn("skipping undecodable week", "err", err)
			continue
		}
		if wk.StartDate.IsZero() {
			byDate = false
		}
		weeks = append(weeks, wk)
	}

	sort.SliceStable(weeks, func(i, j int) bool {
		if byDate {
			return weeks[i].StartDate.Before(weeks[j].StartDate)
		}
		return week.SortKeyOf(weeks[i].ID) < week.SortKeyOf(weeks[j].ID)
	})
	return weeks, nil
}

// seedBalances builds the initial uid → balance map from the ledger of
// the week immediately preceding the first replayed week, preferring
// WeeklyBalance entries and falling back to settled Allocation values.
func (e *Engine) seedBalances(ctx context.Context, firstWeekID string) (map[string]decimal.Decimal, error) {
	seed := make(map[string]decimal.Decimal)

	prevID, err := week.PrevID(firstWeekID)
	if err != nil {
		return nil, fmt.Errorf("settle: recompute: %w", err)
	}

	wbDocs, err := e.store.Query(ctx, model.ColWeeklyBalances, "weekId", prevID)
	if err != nil {
		return nil, fmt.Errorf("settle: seed from ledger %s: %w", prevID, err)
	}
	for _, doc := range wbDocs {
		var wb model.WeeklyBalance
		if err := docstore.Decode(doc, &wb); err != nil {
			continue
		}
		// Ledger values seed as-is, zero and negative included.
		seed[wb.UID] = wb.EndBalance
	}

	allocDocs, err := e.store.Query(ctx, model.ColAllocations, "weekId", prevID)
	if err != nil {
		return nil, fmt.Errorf("settle: seed from allocations %s: %w", prevID, err)
	}
	for _, doc := range allocDocs {
		var a model.Allocation
		if err := docstore.Decode(doc, &a); err != nil {
			continue
		}
		if _, ok := seed[a.UID]; !ok && !a.SettledAt.IsZero() {
			seed[a.UID] = a.EndBalance
		}
	}
	return seed, nil
}
