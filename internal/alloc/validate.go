// Package alloc validates weekly portfolio submissions before they are
// accepted into the allocations collection.
//
// A submission is a set of instrument → weight pairs. Weights are
// fractions of the user's balance, so they must be non-negative and sum
// to 1 within a small tolerance that absorbs client-side float noise.
package alloc

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPairs is returned when a submission carries no weights at all.
	ErrNoPairs = errors.New("alloc: submission has no weights")

	// ErrNegativeWeight is returned when any weight is below zero.
	// Short positions are not part of the game.
	ErrNegativeWeight = errors.New("alloc: negative weight")

	// ErrWeightSum is returned when the weights do not sum to 1 within
	// tolerance.
	ErrWeightSum = errors.New("alloc: weights must sum to 1")

	// ErrUnknownInstrument is returned when a weight references an
	// instrument the week does not trade.
	ErrUnknownInstrument = errors.New("alloc: instrument not in this week's universe")
)

// sumTolerance absorbs rounding noise from clients that compute weights
// in binary floating point.
var sumTolerance = decimal.New(1, -6) // 1e-6

var one = decimal.NewFromInt(1)

// Validator checks submissions against a week's instrument universe.
type Validator struct {
	// Tolerance overrides the default weight-sum tolerance when positive.
	Tolerance decimal.Decimal
}

// Validate returns nil when pairs form a valid allocation over the given
// instrument universe. An empty universe allows any instrument.
func (v *Validator) Validate(pairs map[string]decimal.Decimal, instruments []string) error {
	if len(pairs) == 0 {
		return ErrNoPairs
	}

	universe := make(map[string]struct{}, len(instruments))
	for _, code := range instruments {
		universe[code] = struct{}{}
	}

	sum := decimal.Zero
	for code, w := range pairs {
		if w.IsNegative() {
			return fmt.Errorf("%w: %s=%s", ErrNegativeWeight, code, w)
		}
		if len(universe) > 0 {
			if _, ok := universe[code]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownInstrument, code)
			}
		}
		sum = sum.Add(w)
	}

	tol := v.Tolerance
	if !tol.IsPositive() {
		tol = sumTolerance
	}
	if sum.Sub(one).Abs().GreaterThan(tol) {
		return fmt.Errorf("%w: got %s", ErrWeightSum, sum)
	}
	return nil
}
