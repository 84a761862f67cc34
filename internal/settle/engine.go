package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/market"
	"github.com/paperfund/ledger-engine/internal/metrics"
	"github.com/paperfund/ledger-engine/internal/model"
	"github.com/paperfund/ledger-engine/internal/week"
)

var (
	// ErrWeekNotFound is returned when the requested week document does
	// not exist.
	ErrWeekNotFound = errors.New("settle: week not found")

	// ErrWeekInProgress is returned when settlement is requested for a
	// week whose end date has not passed. Hard guard, never advisory.
	ErrWeekInProgress = errors.New("settle: week has not ended")

	// ErrNoMarketData is returned when the effective market for the
	// week carries no numeric return at all. Settlement writes nothing.
	ErrNoMarketData = errors.New("settle: no effective market data")
)

// balanceScale and pctScale bound stored decimal precision so repeated
// settlement of unchanged inputs is byte-stable.
const (
	balanceScale = 2
	pctScale     = 4
)

// Events receives completion notifications. Implementations must not
// block; the engine calls them synchronously.
type Events interface {
	WeekSettled(weekID string, users int, recompute bool)
}

// Result is the outcome of a single-week settlement.
type Result struct {
	WeekID         string `json:"weekId"`
	NumAllocations int    `json:"numAllocations"`
	CarryForwards  int    `json:"carryForwards"`
}

// Engine settles weeks and replays the ledger. One invocation is a
// single logical worker: per-user computations inside a week may run
// concurrently, but the carry-forward pass only starts after the
// allocation pass's batches are flushed, and weeks always replay in
// ascending calendar order.
type Engine struct {
	store    docstore.Store
	market   *market.Service
	resolver *Resolver
	events   Events // optional

	// LookupLimit bounds concurrent predecessor-balance lookups.
	LookupLimit int
	// ChunkSize is the carry-forward sub-batch size.
	ChunkSize int
	// Now is the clock used by the end-date guard.
	Now func() time.Time
}

// NewEngine creates an engine. Pass nil for events if no broadcast is
// needed.
func NewEngine(store docstore.Store, mkt *market.Service, resolver *Resolver, events Events) *Engine {
	return &Engine{
		store:       store,
		market:      mkt,
		resolver:    resolver,
		events:      events,
		LookupLimit: 16,
		ChunkSize:   100,
		Now:         time.Now,
	}
}

// SettleWeek settles one week: every submitted allocation gets its
// return and ending balance derived from the freshly resolved
// predecessor balance, every non-participating user with a Balance
// record is carried forward at zero return, and the week is marked
// settled. Re-running with unchanged market data produces identical
// ledger values.
func (e *Engine) SettleWeek(ctx context.Context, weekID string) (*Result, error) {
	start := time.Now()
	res, err := e.settleWeek(ctx, weekID)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (e *Engine) settleWeek(ctx context.Context, weekID string) (*Result, error) {
	wk, err := e.loadWeek(ctx, weekID)
	if err != nil {
		return nil, err
	}
	if endOf(wk).After(e.Now()) {
		return nil, fmt.Errorf("%w: %s ends %s", ErrWeekInProgress, weekID, endOf(wk).Format(time.RFC3339))
	}

	eff, err := e.market.Effective(ctx, weekID)
	if err != nil {
		return nil, fmt.Errorf("settle: %s: %w", weekID, err)
	}
	if eff == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMarketData, weekID)
	}

	allocs, err := e.loadAllocations(ctx, weekID)
	if err != nil {
		return nil, err
	}
	balances, err := e.loadBalances(ctx)
	if err != nil {
		return nil, err
	}

	// Update sub-pass: independent per-user computations, bounded
	// concurrency, writes queued afterwards from one goroutine.
	outcomes := make([]outcome, len(allocs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.LookupLimit)
	for i := range allocs {
		g.Go(func() error {
			a := allocs[i]
			stored := a.BaseBalance
			base := e.resolver.StartingBalance(gctx, a.UID, weekID, &stored)
			outcomes[i] = buildOutcome(a, base, eff)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	settledAt := e.Now().UTC()
	writer := docstore.NewBatchedWriter(e.store)
	settled := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		if err := e.queueOutcome(writer, o, settledAt); err != nil {
			return nil, err
		}
		if err := e.queueSnapshot(writer, o.alloc.UID, weekID, o.end, balances); err != nil {
			return nil, err
		}
		settled[o.alloc.UID] = struct{}{}
	}
	if err := writer.Flush(ctx); err != nil {
		return nil, fmt.Errorf("settle: %s: %w", weekID, err)
	}
	metrics.SettledUsers.WithLabelValues("allocation").Add(float64(len(outcomes)))

	// Carry-forward sub-pass: only after the update batches landed, so
	// no user is processed by both paths.
	cfWriter := docstore.NewBatchedWriter(e.store)
	bases, err := e.carryForward(ctx, cfWriter, weekID, balances, settled,
		func(cfCtx context.Context, b model.Balance) decimal.Decimal {
			latest := b.LatestBalance
			return e.resolver.StartingBalance(cfCtx, b.UID, weekID, &latest)
		})
	if err != nil {
		return nil, err
	}
	for uid, base := range bases {
		if err := e.queueSnapshot(cfWriter, uid, weekID, base, balances); err != nil {
			return nil, err
		}
	}
	if err := cfWriter.Flush(ctx); err != nil {
		return nil, fmt.Errorf("settle: %s carry-forward: %w", weekID, err)
	}
	metrics.SettledUsers.WithLabelValues("carry_forward").Add(float64(len(bases)))

	if err := e.markSettled(ctx, weekID); err != nil {
		return nil, err
	}

	slog.Info("week settled", "week", weekID,
		"allocations", len(outcomes), "carry_forwards", len(bases))
	if e.events != nil {
		e.events.WeekSettled(weekID, len(outcomes)+len(bases), false)
	}
	return &Result{WeekID: weekID, NumAllocations: len(outcomes), CarryForwards: len(bases)}, nil
}

// outcome is one user's computed settlement for a week.
type outcome struct {
	alloc model.Allocation
	base  decimal.Decimal // freshly resolved predecessor balance
	ret   decimal.Decimal
	end   decimal.Decimal
	wow   decimal.Decimal
}

// buildOutcome applies the weighted return to the resolved base balance.
// The stored baseBalance is a cache; the resolved value always wins.
func buildOutcome(a model.Allocation, base decimal.Decimal, eff map[string]model.EffectiveQuote) outcome {
	ret := WeightedReturn(a.Pairs, eff)
	end := base.Mul(one.Add(ret.Div(hundred))).Round(balanceScale)

	wow := ret.Round(pctScale)
	if base.IsPositive() {
		wow = end.Sub(base).Div(base).Mul(hundred).Round(pctScale)
	}
	return outcome{alloc: a, base: base, ret: ret, end: end, wow: wow}
}

// queueOutcome queues the Allocation update and the WeeklyBalance ledger
// entry for one settled user.
func (e *Engine) queueOutcome(w *docstore.BatchedWriter, o outcome, settledAt time.Time) error {
	key := model.AllocationKey(o.alloc.WeekID, o.alloc.UID)

	a := o.alloc
	a.BaseBalance = o.base
	a.ResultReturnPct = o.ret
	a.EndBalance = o.end
	a.SettledAt = settledAt
	adoc, err := docstore.Encode(a)
	if err != nil {
		return err
	}
	w.Set(model.ColAllocations, key, adoc, true)

	wbdoc, err := docstore.Encode(model.WeeklyBalance{
		UID:                o.alloc.UID,
		WeekID:             o.alloc.WeekID,
		BaseBalance:        o.base,
		EndBalance:         o.end,
		ResultReturnPct:    o.ret,
		PrevWeekEndBalance: o.base,
		WeekOverWeekPct:    o.wow,
	})
	if err != nil {
		return err
	}
	w.Set(model.ColWeeklyBalances, key, wbdoc, true)
	return nil
}

// queueSnapshot queues a Balance snapshot write unless the stored
// snapshot already points at a later week (settling an old week must
// not regress the tail cache).
func (e *Engine) queueSnapshot(w *docstore.BatchedWriter, uid, weekID string, balance decimal.Decimal, existing map[string]model.Balance) error {
	if cur, ok := existing[uid]; ok && cur.LatestWeekID != "" &&
		week.SortKeyOf(cur.LatestWeekID) > week.SortKeyOf(weekID) {
		return nil
	}
	doc, err := docstore.Encode(model.Balance{
		UID:           uid,
		LatestWeekID:  weekID,
		LatestBalance: balance,
	})
	if err != nil {
		return err
	}
	w.Set(model.ColBalances, uid, doc, true)
	return nil
}

// carryForward writes zero-return WeeklyBalance entries for every user
// with a Balance record and no allocation this week. Predecessor
// resolution runs in fixed-size chunks to bound concurrent lookups.
// Returns the carried base balance per user.
func (e *Engine) carryForward(ctx context.Context, w *docstore.BatchedWriter, weekID string,
	balances map[string]model.Balance, exclude map[string]struct{},
	baseFor func(context.Context, model.Balance) decimal.Decimal) (map[string]decimal.Decimal, error) {

	var candidates []model.Balance
	for uid, b := range balances {
		if _, ok := exclude[uid]; ok {
			continue
		}
		candidates = append(candidates, b)
	}

	bases := make(map[string]decimal.Decimal, len(candidates))

	for start := 0; start < len(candidates); start += e.ChunkSize {
		chunk := candidates[start:min(start+e.ChunkSize, len(candidates))]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.LookupLimit)
		resolved := make([]decimal.Decimal, len(chunk))
		for i := range chunk {
			g.Go(func() error {
				resolved[i] = baseFor(gctx, chunk[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, b := range chunk {
			base := resolved[i]
			doc, err := docstore.Encode(model.WeeklyBalance{
				UID:                b.UID,
				WeekID:             weekID,
				BaseBalance:        base,
				EndBalance:         base,
				ResultReturnPct:    decimal.Zero,
				PrevWeekEndBalance: base,
				WeekOverWeekPct:    decimal.Zero,
			})
			if err != nil {
				return nil, err
			}
			w.Set(model.ColWeeklyBalances, model.AllocationKey(weekID, b.UID), doc, true)
			bases[b.UID] = base
		}
	}
	return bases, nil
}

func (e *Engine) markSettled(ctx context.Context, weekID string) error {
	err := e.store.Set(ctx, model.ColWeeks, weekID,
		docstore.Document{"status": model.WeekSettled}, true)
	if err != nil {
		return fmt.Errorf("settle: mark %s settled: %w", weekID, err)
	}
	return nil
}

// --- Loading helpers ---

func (e *Engine) loadWeek(ctx context.Context, weekID string) (model.Week, error) {
	doc, err := e.store.Get(ctx, model.ColWeeks, weekID)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.Week{}, fmt.Errorf("%w: %s", ErrWeekNotFound, weekID)
	}
	if err != nil {
		return model.Week{}, fmt.Errorf("settle: load week %s: %w", weekID, err)
	}
	var wk model.Week
	if err := docstore.Decode(doc, &wk); err != nil {
		return model.Week{}, err
	}
	return wk, nil
}

func (e *Engine) loadAllocations(ctx context.Context, weekID string) ([]model.Allocation, error) {
	docs, err := e.store.Query(ctx, model.ColAllocations, "weekId", weekID)
	if err != nil {
		return nil, fmt.Errorf("settle: load allocations %s: %w", weekID, err)
	}
	allocs := make([]model.Allocation, 0, len(docs))
	for _, doc := range docs {
		var a model.Allocation
		if err := docstore.Decode(doc, &a); err != nil {
			slog.Warn("skipping undecodable allocation", "week", weekID, "err", err)
			continue
		}
		allocs = append(allocs, a)
	}
	return allocs, nil
}

func (e *Engine) loadBalances(ctx context.Context) (map[string]model.Balance, error) {
	docs, err := e.store.Query(ctx, model.ColBalances, "", "")
	if err != nil {
		return nil, fmt.Errorf("settle: load balances: %w", err)
	}
	balances := make(map[string]model.Balance, len(docs))
	for _, doc := range docs {
		var b model.Balance
		if err := docstore.Decode(doc, &b); err != nil {
			slog.Warn("skipping undecodable balance snapshot", "err", err)
			continue
		}
		balances[b.UID] = b
	}
	return balances, nil
}

// endOf returns the week's end, deriving it from the id when the stored
// document lacks one.
func endOf(wk model.Week) time.Time {
	if !wk.EndDate.IsZero() {
		return wk.EndDate
	}
	if id, err := week.Parse(wk.ID); err == nil {
		return id.Sunday()
	}
	return wk.EndDate
}
