// Package model defines the core domain documents shared across the
// settlement engine. All monetary values and percentages use
// shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Week lifecycle states. Status only moves forward during normal
// operation; administrative corrections go through the week upsert API.
const (
	WeekUpcoming = "upcoming"
	WeekOpen     = "open"
	WeekClosed   = "closed"
	WeekSettled  = "settled"
)

// Document-store collection names.
const (
	ColWeeks          = "weeks"
	ColMarketData     = "marketdata"
	ColCorrections    = "corrections"
	ColAllocations    = "allocations"
	ColWeeklyBalances = "weeklybalances"
	ColBalances       = "balances"
)

// Week describes one game round. Keyed by its ISO week id ("2025-W30").
type Week struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Instruments []string  `json:"instruments"` // ordered set of tradable codes
}

// Quote is one instrument's market entry for a week. Fields are pointers
// because independent fetchers populate them incrementally: a source may
// know the open but not yet the close, and a failed fetch leaves the
// return missing rather than zero.
type Quote struct {
	Open      *decimal.Decimal `json:"open,omitempty"`
	Close     *decimal.Decimal `json:"close,omitempty"`
	ReturnPct *decimal.Decimal `json:"returnPct,omitempty"`
	Source    string           `json:"source,omitempty"`
}

// MarketData holds a week's fetched quotes, keyed by instrument code.
// Populated by merge-upsert so one source's write never erases another
// source's entries. Keyed by week id.
type MarketData struct {
	WeekID    string               `json:"weekId"`
	Entries   map[string]Quote     `json:"entries"`
	FetchedAt time.Time            `json:"fetchedAt"`
	Sources   map[string]time.Time `json:"sources,omitempty"` // source name → last write
	Window    string               `json:"window,omitempty"`   // fetch window label
}

// CorrectionEntry is a manual override for one instrument. Any subset of
// the numeric fields may be set; a bare note carries no numeric effect.
type CorrectionEntry struct {
	Open      *decimal.Decimal `json:"open,omitempty"`
	Close     *decimal.Decimal `json:"close,omitempty"`
	ReturnPct *decimal.Decimal `json:"returnPct,omitempty"`
	Note      string           `json:"note,omitempty"`
}

// Correction is the optional manual-override document for a week.
// Takes priority over MarketData when resolving effective returns.
type Correction struct {
	WeekID    string                     `json:"weekId"`
	Entries   map[string]CorrectionEntry `json:"entries"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// EffectiveQuote is the merged view of one instrument after corrections
// are applied over base market data. ReturnPct stays nil when neither
// source could produce a numeric return.
type EffectiveQuote struct {
	Open      *decimal.Decimal `json:"open,omitempty"`
	Close     *decimal.Decimal `json:"close,omitempty"`
	ReturnPct *decimal.Decimal `json:"returnPct,omitempty"`
}

// Allocation is a user's weight map for one week. Keyed by "weekID_uid".
// BaseBalance is fixed at submission time from the resolved predecessor
// balance but is treated as a cache: settlement re-resolves it.
// ResultReturnPct, EndBalance and SettledAt are written only by the
// settlement engine.
type Allocation struct {
	ID              string                     `json:"id"` // submission id
	UID             string                     `json:"uid"`
	WeekID          string                     `json:"weekId"`
	Pairs           map[string]decimal.Decimal `json:"pairs"` // instrument → weight, Σ = 1 ± 1e-6
	BaseBalance     decimal.Decimal            `json:"baseBalance"`
	ResultReturnPct decimal.Decimal            `json:"resultReturnPct"`
	EndBalance      decimal.Decimal            `json:"endBalance"`
	SubmittedAt     time.Time                  `json:"submittedAt"`
	SettledAt       time.Time                  `json:"settledAt,omitempty"`
}

// WeeklyBalance is the authoritative ledger entry: one per user per week,
// written merge-upsert and never deleted. It exists even for users with
// no allocation (carry-forward) so the chain has no gaps. Keyed by
// "weekID_uid". PrevWeekEndBalance references the predecessor by value;
// there is no foreign key.
type WeeklyBalance struct {
	UID                string          `json:"uid"`
	WeekID             string          `json:"weekId"`
	BaseBalance        decimal.Decimal `json:"baseBalance"`
	EndBalance         decimal.Decimal `json:"endBalance"`
	ResultReturnPct    decimal.Decimal `json:"resultReturnPct"`
	PrevWeekEndBalance decimal.Decimal `json:"prevWeekEndBalance"`
	WeekOverWeekPct    decimal.Decimal `json:"weekOverWeekPct"`
}

// Balance is the denormalized snapshot of the tail of a user's
// WeeklyBalance chain. Recomputed opportunistically; never the source of
// truth for historical weeks. Keyed by uid.
type Balance struct {
	UID           string          `json:"uid"`
	LatestWeekID  string          `json:"latestWeekId"`
	LatestBalance decimal.Decimal `json:"latestBalance"`
}

// AllocationKey builds the composite document key shared by Allocation
// and WeeklyBalance documents.
func AllocationKey(weekID, uid string) string {
	return weekID + "_" + uid
}
