package notify

import (
	"context"
	"log/slog"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/model"
)

// watched maps collection names whose writes constitute a retroactive
// data change. Documents in both collections are keyed by week id.
var watched = map[string]struct{}{
	model.ColMarketData:  {},
	model.ColCorrections: {},
}

// NotifyingStore wraps a Store and publishes an Event for every write
// that lands in a watched collection. Batched writes publish only after
// the batch commits, so subscribers never observe events for writes that
// were rolled back.
//
// Publish failures are logged, not returned: the write is the source of
// truth and a missed event is recovered by the next manual recompute.
type NotifyingStore struct {
	docstore.Store
	bus Bus
}

func NewNotifyingStore(store docstore.Store, bus Bus) *NotifyingStore {
	return &NotifyingStore{Store: store, bus: bus}
}

func (s *NotifyingStore) Set(ctx context.Context, collection, key string, doc docstore.Document, merge bool) error {
	if err := s.Store.Set(ctx, collection, key, doc, merge); err != nil {
		return err
	}
	s.publish(ctx, collection, key)
	return nil
}

func (s *NotifyingStore) Batch() docstore.Batch {
	return &notifyingBatch{Batch: s.Store.Batch(), store: s}
}

func (s *NotifyingStore) publish(ctx context.Context, collection, key string) {
	if _, ok := watched[collection]; !ok {
		return
	}
	ev := Event{Collection: collection, WeekID: key}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Error("failed to publish change event",
			"collection", collection, "week", key, "err", err)
	}
}

type notifyingBatch struct {
	docstore.Batch
	store  *NotifyingStore
	events []Event
}

func (b *notifyingBatch) Set(collection, key string, doc docstore.Document, merge bool) {
	b.Batch.Set(collection, key, doc, merge)
	b.record(collection, key)
}

func (b *notifyingBatch) Update(collection, key string, doc docstore.Document) {
	b.Batch.Update(collection, key, doc)
	b.record(collection, key)
}

func (b *notifyingBatch) record(collection, key string) {
	if _, ok := watched[collection]; ok {
		b.events = append(b.events, Event{Collection: collection, WeekID: key})
	}
}

func (b *notifyingBatch) Commit(ctx context.Context) error {
	if err := b.Batch.Commit(ctx); err != nil {
		return err
	}
	for _, ev := range b.events {
		b.store.publish(ctx, ev.Collection, ev.WeekID)
	}
	return nil
}
