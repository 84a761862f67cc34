package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/model"
)

// Fetcher pulls one source's quotes for a week's instrument set. Remote
// provider implementations live outside this module; they only need to
// satisfy this seam.
type Fetcher interface {
	// Name identifies the source in market documents and logs.
	Name() string

	// Fetch returns quotes per instrument code. Instruments the source
	// cannot price are simply omitted.
	Fetch(ctx context.Context, weekID string, instruments []string) (map[string]model.Quote, error)
}

// Runner drives every registered fetcher for one week and merge-upserts
// their results. One failing source never blocks the others.
type Runner struct {
	store    docstore.Store
	svc      *Service
	fetchers []Fetcher
}

// NewRunner creates a fetch runner.
func NewRunner(store docstore.Store, svc *Service, fetchers ...Fetcher) *Runner {
	return &Runner{store: store, svc: svc, fetchers: fetchers}
}

// FetchWeek runs all fetchers against the week's instrument set. Returns
// the last per-source error, if any; successful sources are committed
// regardless.
func (r *Runner) FetchWeek(ctx context.Context, weekID string) error {
	doc, err := r.store.Get(ctx, model.ColWeeks, weekID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("market: fetch: week %s not found", weekID)
	}
	if err != nil {
		return fmt.Errorf("market: fetch %s: %w", weekID, err)
	}
	var wk model.Week
	if err := docstore.Decode(doc, &wk); err != nil {
		return err
	}
	window := fetchWindow(wk)

	var lastErr error
	for _, f := range r.fetchers {
		quotes, err := f.Fetch(ctx, weekID, wk.Instruments)
		if err != nil {
			slog.Error("market fetch failed", "week", weekID, "source", f.Name(), "err", err)
			lastErr = err
			continue
		}
		if err := r.svc.ApplyFetch(ctx, weekID, f.Name(), quotes, window); err != nil {
			slog.Error("market fetch write failed", "week", weekID, "source", f.Name(), "err", err)
			lastErr = err
			continue
		}
		slog.Info("market data merged", "week", weekID, "source", f.Name(), "instruments", len(quotes))
	}
	return lastErr
}

// fetchWindow labels the calendar range the quotes cover, e.g.
// "2025-07-21/2025-07-27". Empty when the week carries no dates.
func fetchWindow(wk model.Week) string {
	if wk.StartDate.IsZero() || wk.EndDate.IsZero() {
		return ""
	}
	return wk.StartDate.Format("2006-01-02") + "/" + wk.EndDate.Format("2006-01-02")
}
