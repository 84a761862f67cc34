// Package settle implements the settlement and recompute engine: the
// weighted-return calculation, predecessor balance resolution, per-week
// settlement, and deterministic multi-week replay over the ledger.
package settle

import (
	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// WeightedReturn computes a portfolio's return percentage from allocation
// weights and the effective market table.
//
// Weights ≤ 0 are ignored, as are instruments missing from the market or
// lacking a numeric return: the average is over *available* instruments
// only. A weight whose instrument has no data is excluded from both the
// numerator and the denominator, so missing data renormalizes the
// average instead of diluting it toward zero.
func WeightedReturn(weights map[string]decimal.Decimal, market map[string]model.EffectiveQuote) decimal.Decimal {
	totalWeight := decimal.Zero
	weightedSum := decimal.Zero

	for code, w := range weights {
		if !w.IsPositive() {
			continue
		}
		q, ok := market[code]
		if !ok || q.ReturnPct == nil {
			continue
		}
		totalWeight = totalWeight.Add(w)
		weightedSum = weightedSum.Add(w.Mul(*q.ReturnPct))
	}

	if !totalWeight.IsPositive() {
		return decimal.Zero
	}
	return weightedSum.Div(totalWeight)
}
