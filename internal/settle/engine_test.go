package settle_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/market"
	"github.com/paperfund/ledger-engine/internal/model"
	"github.com/paperfund/ledger-engine/internal/settle"
	"github.com/paperfund/ledger-engine/internal/week"
)

// testNow is a Wednesday after 2025-W33 ended: W30..W33 are settleable,
// W34 is still in progress.
var testNow = time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) (*settle.Engine, *market.Service, *docstore.MemoryStore) {
	t.Helper()
	ms := docstore.NewMemoryStore()
	mkt := market.NewService(ms)
	eng := settle.NewEngine(ms, mkt, settle.NewResolver(ms, decimal.Zero), nil)
	eng.Now = func() time.Time { return testNow }
	return eng, mkt, ms
}

func seedWeek(t *testing.T, ms *docstore.MemoryStore, id, status string, instruments ...string) {
	t.Helper()
	wid, err := week.Parse(id)
	if err != nil {
		t.Fatalf("bad week id %s: %v", id, err)
	}
	if len(instruments) == 0 {
		instruments = []string{"VTI", "BND"}
	}
	seedDoc(t, ms, model.ColWeeks, id, model.Week{
		ID: id, Status: status,
		StartDate:   wid.Monday(),
		EndDate:     wid.Sunday(),
		Instruments: instruments,
	})
}

func seedMarket(t *testing.T, mkt *market.Service, weekID string, returns map[string]float64) {
	t.Helper()
	quotes := make(map[string]model.Quote, len(returns))
	for code, r := range returns {
		quotes[code] = model.Quote{ReturnPct: dp(r)}
	}
	if err := mkt.ApplyFetch(context.Background(), weekID, "test-feed", quotes, weekID); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
}

func seedAllocation(t *testing.T, ms *docstore.MemoryStore, weekID, uid string, pairs map[string]float64) {
	t.Helper()
	p := make(map[string]decimal.Decimal, len(pairs))
	for code, w := range pairs {
		p[code] = d(w)
	}
	seedDoc(t, ms, model.ColAllocations, model.AllocationKey(weekID, uid), model.Allocation{
		ID: "sub-" + uid, UID: uid, WeekID: weekID, Pairs: p,
		SubmittedAt: testNow.AddDate(0, 0, -10),
	})
}

func getWeeklyBalance(t *testing.T, ms *docstore.MemoryStore, weekID, uid string) model.WeeklyBalance {
	t.Helper()
	doc, err := ms.Get(context.Background(), model.ColWeeklyBalances, model.AllocationKey(weekID, uid))
	if err != nil {
		t.Fatalf("missing ledger entry %s/%s: %v", weekID, uid, err)
	}
	var wb model.WeeklyBalance
	if err := docstore.Decode(doc, &wb); err != nil {
		t.Fatalf("undecodable ledger entry: %v", err)
	}
	return wb
}

func getAllocation(t *testing.T, ms *docstore.MemoryStore, weekID, uid string) model.Allocation {
	t.Helper()
	doc, err := ms.Get(context.Background(), model.ColAllocations, model.AllocationKey(weekID, uid))
	if err != nil {
		t.Fatalf("missing allocation %s/%s: %v", weekID, uid, err)
	}
	var a model.Allocation
	if err := docstore.Decode(doc, &a); err != nil {
		t.Fatalf("undecodable allocation: %v", err)
	}
	return a
}

func getBalance(t *testing.T, ms *docstore.MemoryStore, uid string) model.Balance {
	t.Helper()
	doc, err := ms.Get(context.Background(), model.ColBalances, uid)
	if err != nil {
		t.Fatalf("missing balance snapshot %s: %v", uid, err)
	}
	var b model.Balance
	if err := docstore.Decode(doc, &b); err != nil {
		t.Fatalf("undecodable balance snapshot: %v", err)
	}
	return b
}

// --- Preconditions ---

func TestSettleWeek_WeekNotFound(t *testing.T) {
	eng, _, _ := newEnv(t)
	_, err := eng.SettleWeek(context.Background(), "2025-W30")
	if !errors.Is(err, settle.ErrWeekNotFound) {
		t.Errorf("expected ErrWeekNotFound, got %v", err)
	}
}

func TestSettleWeek_RefusesUnfinishedWeek(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	seedWeek(t, ms, "2025-W34", model.WeekOpen)
	seedMarket(t, mkt, "2025-W34", map[string]float64{"VTI": 1})

	_, err := eng.SettleWeek(context.Background(), "2025-W34")
	if !errors.Is(err, settle.ErrWeekInProgress) {
		t.Errorf("expected ErrWeekInProgress, got %v", err)
	}
}

func TestSettleWeek_NoMarketDataWritesNothing(t *testing.T) {
	eng, _, ms := newEnv(t)
	ctx := context.Background()
	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedAllocation(t, ms, "2025-W30", "u1", map[string]float64{"VTI": 1})

	_, err := eng.SettleWeek(ctx, "2025-W30")
	if !errors.Is(err, settle.ErrNoMarketData) {
		t.Fatalf("expected ErrNoMarketData, got %v", err)
	}

	if _, err := ms.Get(ctx, model.ColWeeklyBalances, "2025-W30_u1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Error("precondition failure must not write ledger entries")
	}
	doc, _ := ms.Get(ctx, model.ColWeeks, "2025-W30")
	if doc["status"] == model.WeekSettled {
		t.Error("precondition failure must not mark the week settled")
	}
}

// --- Settlement ---

// Weights {VTI:0.6, BND:0.4} against returns {10, -5} give 4% on
// 100000 → 104000.00.
func TestSettleWeek_ExampleScenario(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()
	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedMarket(t, mkt, "2025-W30", map[string]float64{"VTI": 10, "BND": -5})
	seedAllocation(t, ms, "2025-W30", "u1", map[string]float64{"VTI": 0.6, "BND": 0.4})

	res, err := eng.SettleWeek(ctx, "2025-W30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NumAllocations != 1 {
		t.Errorf("expected 1 allocation, got %d", res.NumAllocations)
	}

	wb := getWeeklyBalance(t, ms, "2025-W30", "u1")
	if !wb.ResultReturnPct.Equal(d(4)) {
		t.Errorf("expected return 4, got %s", wb.ResultReturnPct)
	}
	if !wb.EndBalance.Equal(d(104000)) {
		t.Errorf("expected end balance 104000.00, got %s", wb.EndBalance)
	}
	if !wb.BaseBalance.Equal(d(100000)) {
		t.Errorf("expected default base 100000, got %s", wb.BaseBalance)
	}

	// Allocation and ledger must agree once settled.
	a := getAllocation(t, ms, "2025-W30", "u1")
	if !a.EndBalance.Equal(wb.EndBalance) || !a.ResultReturnPct.Equal(wb.ResultReturnPct) {
		t.Error("allocation and ledger entry disagree after settlement")
	}
	if a.SettledAt.IsZero() {
		t.Error("settledAt not written")
	}

	// Week marked settled, snapshot advanced.
	doc, _ := ms.Get(ctx, model.ColWeeks, "2025-W30")
	if doc["status"] != model.WeekSettled {
		t.Errorf("expected week settled, got %v", doc["status"])
	}
	bal := getBalance(t, ms, "u1")
	if bal.LatestWeekID != "2025-W30" || !bal.LatestBalance.Equal(d(104000)) {
		t.Errorf("snapshot not updated: %+v", bal)
	}
}

// The stored baseBalance is a cache; settlement re-resolves it from the
// ledger and overrides it.
func TestSettleWeek_OverridesStaleStoredBase(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()
	seedWeek(t, ms, "2025-W31", model.WeekClosed)
	seedMarket(t, mkt, "2025-W31", map[string]float64{"VTI": 0})
	seedDoc(t, ms, model.ColWeeklyBalances, "2025-W30_u1", model.WeeklyBalance{
		UID: "u1", WeekID: "2025-W30", EndBalance: d(120000),
	})
	seedDoc(t, ms, model.ColAllocations, "2025-W31_u1", model.Allocation{
		UID: "u1", WeekID: "2025-W31",
		Pairs:       map[string]decimal.Decimal{"VTI": d(1)},
		BaseBalance: d(99), // stale cache from submission time
	})

	if _, err := eng.SettleWeek(ctx, "2025-W31"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wb := getWeeklyBalance(t, ms, "2025-W31", "u1")
	if !wb.BaseBalance.Equal(d(120000)) {
		t.Errorf("expected resolved base 120000, got %s", wb.BaseBalance)
	}
}

func TestSettleWeek_CarryForward(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()
	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedMarket(t, mkt, "2025-W30", map[string]float64{"VTI": 10})
	seedAllocation(t, ms, "2025-W30", "active", map[string]float64{"VTI": 1})
	seedDoc(t, ms, model.ColBalances, "idle", model.Balance{
		UID: "idle", LatestWeekID: "2025-W29", LatestBalance: d(95000),
	})
	seedDoc(t, ms, model.ColWeeklyBalances, "2025-W29_idle", model.WeeklyBalance{
		UID: "idle", WeekID: "2025-W29", EndBalance: d(95000),
	})

	res, err := eng.SettleWeek(ctx, "2025-W30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CarryForwards != 1 {
		t.Errorf("expected 1 carry-forward, got %d", res.CarryForwards)
	}

	wb := getWeeklyBalance(t, ms, "2025-W30", "idle")
	if !wb.ResultReturnPct.IsZero() {
		t.Errorf("carry-forward return must be 0, got %s", wb.ResultReturnPct)
	}
	if !wb.EndBalance.Equal(d(95000)) || !wb.BaseBalance.Equal(d(95000)) {
		t.Errorf("carry-forward must not change the balance: %+v", wb)
	}

	bal := getBalance(t, ms, "idle")
	if bal.LatestWeekID != "2025-W30" {
		t.Errorf("carry-forward snapshot not advanced: %+v", bal)
	}
}

// A user is never processed by both the allocation and carry-forward
// paths in one settlement.
func TestSettleWeek_AllocatedUserNotCarriedForward(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedMarket(t, mkt, "2025-W30", map[string]float64{"VTI": 10})
	seedAllocation(t, ms, "2025-W30", "u1", map[string]float64{"VTI": 1})
	seedDoc(t, ms, model.ColBalances, "u1", model.Balance{
		UID: "u1", LatestWeekID: "2025-W29", LatestBalance: d(50000),
	})

	res, err := eng.SettleWeek(context.Background(), "2025-W30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CarryForwards != 0 {
		t.Errorf("allocated user leaked into carry-forward: %d", res.CarryForwards)
	}
	wb := getWeeklyBalance(t, ms, "2025-W30", "u1")
	if wb.ResultReturnPct.IsZero() {
		t.Error("allocation path did not win")
	}
}

func TestSettleWeek_Idempotent(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()
	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedMarket(t, mkt, "2025-W30", map[string]float64{"VTI": 3.33, "BND": -1.7})
	seedAllocation(t, ms, "2025-W30", "u1", map[string]float64{"VTI": 0.7, "BND": 0.3})
	seedDoc(t, ms, model.ColBalances, "idle", model.Balance{
		UID: "idle", LatestWeekID: "2025-W29", LatestBalance: d(88000),
	})

	if _, err := eng.SettleWeek(ctx, "2025-W30"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := getWeeklyBalance(t, ms, "2025-W30", "u1")
	firstIdle := getWeeklyBalance(t, ms, "2025-W30", "idle")

	if _, err := eng.SettleWeek(ctx, "2025-W30"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := getWeeklyBalance(t, ms, "2025-W30", "u1")
	secondIdle := getWeeklyBalance(t, ms, "2025-W30", "idle")

	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-settlement changed the ledger:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(firstIdle, secondIdle) {
		t.Errorf("re-settlement changed carry-forward:\n%+v\n%+v", firstIdle, secondIdle)
	}
}

// Three consecutive weeks chain multiplicatively from the starting
// balance: B3 = B0 (1+r1/100)(1+r2/100)(1+r3/100).
func TestSettleWeek_ChainAcrossThreeWeeks(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()

	returns := map[string]float64{"2025-W30": 10, "2025-W31": -5, "2025-W32": 2}
	for _, id := range []string{"2025-W30", "2025-W31", "2025-W32"} {
		seedWeek(t, ms, id, model.WeekClosed)
		seedMarket(t, mkt, id, map[string]float64{"VTI": returns[id]})
		seedAllocation(t, ms, id, "u1", map[string]float64{"VTI": 1})
	}

	for _, id := range []string{"2025-W30", "2025-W31", "2025-W32"} {
		if _, err := eng.SettleWeek(ctx, id); err != nil {
			t.Fatalf("settle %s: %v", id, err)
		}
	}

	// 100000 * 1.10 * 0.95 * 1.02 = 106590.00
	wb := getWeeklyBalance(t, ms, "2025-W32", "u1")
	if !wb.EndBalance.Equal(d(106590)) {
		t.Errorf("expected chained end balance 106590.00, got %s", wb.EndBalance)
	}
	if !wb.PrevWeekEndBalance.Equal(d(104500)) {
		t.Errorf("expected predecessor 104500, got %s", wb.PrevWeekEndBalance)
	}
}

// A -100% week zeroes the balance, and the zero chains: the next week
// starts from 0 and ends at 0 regardless of its return, instead of the
// user being resurrected at a stored base or the system default.
func TestSettleWeek_WipedOutBalanceChains(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()

	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedMarket(t, mkt, "2025-W30", map[string]float64{"VTI": -100})
	seedAllocation(t, ms, "2025-W30", "u1", map[string]float64{"VTI": 1})
	seedWeek(t, ms, "2025-W31", model.WeekClosed)
	seedMarket(t, mkt, "2025-W31", map[string]float64{"VTI": 10})
	seedAllocation(t, ms, "2025-W31", "u1", map[string]float64{"VTI": 1})

	for _, id := range []string{"2025-W30", "2025-W31"} {
		if _, err := eng.SettleWeek(ctx, id); err != nil {
			t.Fatalf("settle %s: %v", id, err)
		}
	}

	w30 := getWeeklyBalance(t, ms, "2025-W30", "u1")
	if !w30.EndBalance.IsZero() {
		t.Fatalf("expected W30 wipeout to 0, got %s", w30.EndBalance)
	}
	w31 := getWeeklyBalance(t, ms, "2025-W31", "u1")
	if !w31.BaseBalance.IsZero() || !w31.EndBalance.IsZero() {
		t.Errorf("wiped-out balance did not chain: base %s end %s",
			w31.BaseBalance, w31.EndBalance)
	}
	// With a non-positive base the percentage change is undefined, so
	// weekOverWeekPct reports the portfolio return instead.
	if !w31.WeekOverWeekPct.Equal(d(10)) {
		t.Errorf("expected week-over-week fallback to return 10, got %s", w31.WeekOverWeekPct)
	}
}

// Settling an old week after a newer snapshot exists must not regress
// the Balance tail cache.
func TestSettleWeek_SnapshotNeverRegresses(t *testing.T) {
	eng, mkt, ms := newEnv(t)
	ctx := context.Background()
	seedWeek(t, ms, "2025-W30", model.WeekClosed)
	seedMarket(t, mkt, "2025-W30", map[string]float64{"VTI": 10})
	seedAllocation(t, ms, "2025-W30", "u1", map[string]float64{"VTI": 1})
	seedDoc(t, ms, model.ColBalances, "u1", model.Balance{
		UID: "u1", LatestWeekID: "2025-W32", LatestBalance: d(130000),
	})

	if _, err := eng.SettleWeek(ctx, "2025-W30"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bal := getBalance(t, ms, "u1")
	if bal.LatestWeekID != "2025-W32" {
		t.Errorf("snapshot regressed to %s", bal.LatestWeekID)
	}
}
