// Package market maintains a week's market data: merge-upsert ingestion
// from independent fetchers, manual corrections, and the effective-return
// resolution consumed by settlement.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/model"
)

// derivedScale is the rounding applied to returns derived from open and
// close prices.
const derivedScale = 4

// Service reads and writes market documents through the document store.
type Service struct {
	store docstore.Store
}

// NewService creates a market service.
func NewService(store docstore.Store) *Service {
	return &Service{store: store}
}

// Effective merges a week's base market data with its optional manual
// correction into one return table. Resolution order per instrument:
//
//  1. A correction with a numeric returnPct wins outright; its open and
//     close fill in from the base entry where the correction is silent.
//  2. A correction carrying a numeric non-zero open and a numeric close
//     yields a derived returnPct rounded to 4 decimal places.
//  3. Otherwise the base entry passes through unchanged.
//
// Returns nil (not an empty map) when no instrument in the result has a
// numeric returnPct; callers must treat that as a hard precondition
// failure for settlement, never as a zero-return week.
func (s *Service) Effective(ctx context.Context, weekID string) (map[string]model.EffectiveQuote, error) {
	var base model.MarketData
	if err := s.load(ctx, model.ColMarketData, weekID, &base); err != nil {
		return nil, err
	}
	var corr model.Correction
	if err := s.load(ctx, model.ColCorrections, weekID, &corr); err != nil {
		return nil, err
	}

	instruments := make(map[string]struct{}, len(base.Entries)+len(corr.Entries))
	for code := range base.Entries {
		instruments[code] = struct{}{}
	}
	for code := range corr.Entries {
		instruments[code] = struct{}{}
	}

	result := make(map[string]model.EffectiveQuote, len(instruments))
	hasNumeric := false

	for code := range instruments {
		b := base.Entries[code]
		c, corrected := corr.Entries[code]

		var eff model.EffectiveQuote
		switch {
		case corrected && c.ReturnPct != nil:
			eff = model.EffectiveQuote{
				Open:      coalesce(c.Open, b.Open),
				Close:     coalesce(c.Close, b.Close),
				ReturnPct: c.ReturnPct,
			}
		case corrected && c.Open != nil && !c.Open.IsZero() && c.Close != nil:
			derived := c.Close.Sub(*c.Open).
				Div(*c.Open).
				Mul(decimal.NewFromInt(100)).
				Round(derivedScale)
			eff = model.EffectiveQuote{Open: c.Open, Close: c.Close, ReturnPct: &derived}
		default:
			eff = model.EffectiveQuote{Open: b.Open, Close: b.Close, ReturnPct: b.ReturnPct}
		}

		if eff.ReturnPct != nil {
			hasNumeric = true
		}
		result[code] = eff
	}

	if !hasNumeric {
		return nil, nil
	}
	return result, nil
}

// ApplyFetch merge-upserts one source's quotes into the week's market
// document. The write carries only this source's entries, so it cannot
// regress another source's instruments.
func (s *Service) ApplyFetch(ctx context.Context, weekID, source string, quotes map[string]model.Quote, window string) error {
	if len(quotes) == 0 {
		return nil
	}

	now := time.Now().UTC()
	entries := make(map[string]model.Quote, len(quotes))
	for code, q := range quotes {
		q.Source = source
		entries[code] = q
	}
	doc, err := docstore.Encode(model.MarketData{
		WeekID:    weekID,
		Entries:   entries,
		FetchedAt: now,
		Sources:   map[string]time.Time{source: now},
		Window:    window,
	})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, model.ColMarketData, weekID, doc, true); err != nil {
		return fmt.Errorf("market: apply fetch %s/%s: %w", weekID, source, err)
	}
	return nil
}

// UpsertCorrection merge-upserts manual overrides for a week. Entries
// not named in the call are left untouched.
func (s *Service) UpsertCorrection(ctx context.Context, weekID string, entries map[string]model.CorrectionEntry) error {
	doc, err := docstore.Encode(model.Correction{
		WeekID:    weekID,
		Entries:   entries,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, model.ColCorrections, weekID, doc, true); err != nil {
		return fmt.Errorf("market: upsert correction %s: %w", weekID, err)
	}
	return nil
}

// load decodes one document, treating absence as a zero value.
func (s *Service) load(ctx context.Context, collection, key string, v any) error {
	doc, err := s.store.Get(ctx, collection, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("market: load %s/%s: %w", collection, key, err)
	}
	return docstore.Decode(doc, v)
}

func coalesce(a, b *decimal.Decimal) *decimal.Decimal {
	if a != nil {
		return a
	}
	return b
}
