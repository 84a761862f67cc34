package alloc

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestValidate_OK(t *testing.T) {
	var v Validator
	err := v.Validate(map[string]decimal.Decimal{
		"VTI": d(0.6), "BND": d(0.4),
	}, []string{"VTI", "BND", "GLD"})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidate_Empty(t *testing.T) {
	var v Validator
	if err := v.Validate(nil, []string{"VTI"}); !errors.Is(err, ErrNoPairs) {
		t.Errorf("expected ErrNoPairs, got %v", err)
	}
}

func TestValidate_NegativeWeight(t *testing.T) {
	var v Validator
	err := v.Validate(map[string]decimal.Decimal{
		"VTI": d(1.2), "BND": d(-0.2),
	}, []string{"VTI", "BND"})
	if !errors.Is(err, ErrNegativeWeight) {
		t.Errorf("expected ErrNegativeWeight, got %v", err)
	}
}

func TestValidate_SumTooLow(t *testing.T) {
	var v Validator
	err := v.Validate(map[string]decimal.Decimal{
		"VTI": d(0.5), "BND": d(0.4),
	}, []string{"VTI", "BND"})
	if !errors.Is(err, ErrWeightSum) {
		t.Errorf("expected ErrWeightSum, got %v", err)
	}
}

// Client-side float arithmetic leaves sums like 0.9999999 slightly off 1;
// those must pass.
func TestValidate_SumWithinTolerance(t *testing.T) {
	var v Validator
	err := v.Validate(map[string]decimal.Decimal{
		"VTI": decimal.RequireFromString("0.3333333"),
		"BND": decimal.RequireFromString("0.3333333"),
		"GLD": decimal.RequireFromString("0.3333333"),
	}, []string{"VTI", "BND", "GLD"})
	if err != nil {
		t.Errorf("expected tolerance to absorb float noise, got %v", err)
	}
}

func TestValidate_UnknownInstrument(t *testing.T) {
	var v Validator
	err := v.Validate(map[string]decimal.Decimal{
		"VTI": d(0.5), "DOGE": d(0.5),
	}, []string{"VTI", "BND"})
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestValidate_EmptyUniverseAllowsAnything(t *testing.T) {
	var v Validator
	err := v.Validate(map[string]decimal.Decimal{"ANY": d(1)}, nil)
	if err != nil {
		t.Errorf("expected no error with open universe, got %v", err)
	}
}

func TestValidate_CustomTolerance(t *testing.T) {
	v := Validator{Tolerance: d(0.05)}
	err := v.Validate(map[string]decimal.Decimal{
		"VTI": d(0.98),
	}, []string{"VTI"})
	if err != nil {
		t.Errorf("expected loose tolerance to accept 0.98, got %v", err)
	}
}
