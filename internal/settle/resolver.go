package settle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/model"
	"github.com/paperfund/ledger-engine/internal/week"
)

// DefaultStartingBalance is the virtual balance for a user who has never
// appeared in the ledger.
var DefaultStartingBalance = decimal.NewFromInt(100000)

// Resolver determines a user's correct starting balance for a week by
// point lookups against the ledger, in precedence order:
//
//  1. the previous week's WeeklyBalance ending balance,
//  2. the previous week's settled Allocation ending balance (covers a
//     historical gap where a ledger entry was never written),
//  3. the caller-supplied fallback,
//  4. the user's Balance snapshot,
//  5. DefaultStartingBalance.
//
// The ledger tiers (1-2) win with whatever value they hold, including
// zero or negative after a wipeout; only the lower tiers require a
// positive value.
//
// The previous week is computed by calendar arithmetic, never by walking
// the weeks collection. A store error on any lookup degrades to "not
// found" and falls through to the next level; that is a resilience
// choice, not silent loss, so every degradation is logged.
type Resolver struct {
	store          docstore.Store
	defaultBalance decimal.Decimal
}

// NewResolver creates a resolver. A zero defaultBalance selects
// DefaultStartingBalance.
func NewResolver(store docstore.Store, defaultBalance decimal.Decimal) *Resolver {
	if !defaultBalance.IsPositive() {
		defaultBalance = DefaultStartingBalance
	}
	return &Resolver{store: store, defaultBalance: defaultBalance}
}

// StartingBalance resolves the base balance for (uid, weekID). fallback,
// when non-nil and positive, takes level 3 in the precedence chain —
// callers pass an already-stored baseBalance or nothing.
func (r *Resolver) StartingBalance(ctx context.Context, uid, weekID string, fallback *decimal.Decimal) decimal.Decimal {
	prevID, err := week.PrevID(weekID)
	if err != nil {
		slog.Warn("balance resolver: bad week id, using fallback chain", "week", weekID, "uid", uid, "err", err)
		return r.tail(ctx, uid, fallback)
	}
	key := model.AllocationKey(prevID, uid)

	// The ledger tiers are authoritative whenever they exist, whatever
	// their sign: a user wiped out at -100% stays at zero, they are not
	// resurrected by a lower tier.
	var wb model.WeeklyBalance
	if r.lookup(ctx, model.ColWeeklyBalances, key, &wb, uid) {
		return wb.EndBalance
	}

	// An allocation document exists from submission time; its endBalance
	// only means something once settlement stamped it.
	var alloc model.Allocation
	if r.lookup(ctx, model.ColAllocations, key, &alloc, uid) && !alloc.SettledAt.IsZero() {
		return alloc.EndBalance
	}

	return r.tail(ctx, uid, fallback)
}

// tail is the chain below the ledger lookups.
func (r *Resolver) tail(ctx context.Context, uid string, fallback *decimal.Decimal) decimal.Decimal {
	if fallback != nil && fallback.IsPositive() {
		return *fallback
	}
	var bal model.Balance
	if r.lookup(ctx, model.ColBalances, uid, &bal, uid) && bal.LatestBalance.IsPositive() {
		return bal.LatestBalance
	}
	return r.defaultBalance
}

// lookup reports whether the document exists and decoded. Store errors
// other than not-found are logged and treated as absence.
func (r *Resolver) lookup(ctx context.Context, collection, key string, v any, uid string) bool {
	doc, err := r.store.Get(ctx, collection, key)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			slog.Warn("balance resolver: lookup degraded to not-found",
				"collection", collection, "key", key, "uid", uid, "err", err)
		}
		return false
	}
	if err := docstore.Decode(doc, v); err != nil {
		slog.Warn("balance resolver: undecodable document treated as absent",
			"collection", collection, "key", key, "uid", uid, "err", err)
		return false
	}
	return true
}
