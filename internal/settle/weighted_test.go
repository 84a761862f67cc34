package settle_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/model"
	"github.com/paperfund/ledger-engine/internal/settle"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

func mkt(returns map[string]float64) map[string]model.EffectiveQuote {
	m := make(map[string]model.EffectiveQuote, len(returns))
	for code, r := range returns {
		m[code] = model.EffectiveQuote{ReturnPct: dp(r)}
	}
	return m
}

func TestWeightedReturn_ExactAverage(t *testing.T) {
	weights := map[string]decimal.Decimal{"A": d(0.6), "B": d(0.4)}
	got := settle.WeightedReturn(weights, mkt(map[string]float64{"A": 10, "B": -5}))
	// 0.6*10 + 0.4*(-5) = 4.0
	if !got.Equal(d(4)) {
		t.Errorf("expected 4.0, got %s", got)
	}
}

func TestWeightedReturn_EmptyWeights(t *testing.T) {
	got := settle.WeightedReturn(nil, mkt(map[string]float64{"A": 10}))
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestWeightedReturn_EmptyMarket(t *testing.T) {
	weights := map[string]decimal.Decimal{"A": d(1)}
	if got := settle.WeightedReturn(weights, nil); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

// A missing instrument renormalizes over remaining weight; it is never
// treated as a zero return.
func TestWeightedReturn_MissingInstrumentRenormalizes(t *testing.T) {
	weights := map[string]decimal.Decimal{"A": d(0.5), "B": d(0.5)}
	got := settle.WeightedReturn(weights, mkt(map[string]float64{"A": 10}))
	if !got.Equal(d(10)) {
		t.Errorf("expected 10 after renormalizing, got %s", got)
	}
}

func TestWeightedReturn_NilReturnExcluded(t *testing.T) {
	weights := map[string]decimal.Decimal{"A": d(0.6), "B": d(0.4)}
	market := map[string]model.EffectiveQuote{
		"A": {ReturnPct: dp(10)},
		"B": {Open: dp(72)}, // fetch failure left the return missing
	}
	got := settle.WeightedReturn(weights, market)
	if !got.Equal(d(10)) {
		t.Errorf("expected 10, got %s", got)
	}
}

func TestWeightedReturn_NonPositiveWeightsIgnored(t *testing.T) {
	weights := map[string]decimal.Decimal{"A": d(1), "B": d(0), "C": d(-0.5)}
	got := settle.WeightedReturn(weights, mkt(map[string]float64{"A": 7, "B": 100, "C": 100}))
	if !got.Equal(d(7)) {
		t.Errorf("expected 7, got %s", got)
	}
}

func TestWeightedReturn_UnevenWeights(t *testing.T) {
	weights := map[string]decimal.Decimal{"A": d(0.25), "B": d(0.75)}
	got := settle.WeightedReturn(weights, mkt(map[string]float64{"A": 8, "B": -4}))
	// 0.25*8 + 0.75*(-4) = -1
	if !got.Equal(d(-1)) {
		t.Errorf("expected -1, got %s", got)
	}
}
