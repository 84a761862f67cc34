package docstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/paperfund/ledger-engine/internal/metrics"
)

// BatchedWriter accumulates write operations into atomic batches,
// rotating to a fresh batch before the store's per-commit op limit is
// reached. A settlement touching hundreds of users in carry-forward plus
// active allocations routinely exceeds one batch.
//
// Operations queued before a rotation commit in the batch they were
// assigned to; batches after the first rotation may commit concurrently
// with each other, so callers get "all committed once Flush returns",
// not a global ordering. A failed sub-commit is never retried — the
// error propagates from Flush.
//
// Not safe for concurrent use; queue writes from one goroutine.
type BatchedWriter struct {
	store  Store
	limit  int
	sealed []Batch // full batches awaiting Flush
	cur    Batch
}

// NewBatchedWriter creates a writer rotating at MaxBatchOps minus
// BatchHeadroom operations per batch.
func NewBatchedWriter(store Store) *BatchedWriter {
	return &BatchedWriter{
		store: store,
		limit: MaxBatchOps - BatchHeadroom,
	}
}

// Set queues a set operation (merge semantics as Store.Set).
func (w *BatchedWriter) Set(collection, key string, doc Document, merge bool) {
	w.batch().Set(collection, key, doc, merge)
}

// Update queues a merge write requiring the document to exist.
func (w *BatchedWriter) Update(collection, key string, doc Document) {
	w.batch().Update(collection, key, doc)
}

// Pending reports the number of operations queued and not yet flushed.
func (w *BatchedWriter) Pending() int {
	n := 0
	for _, b := range w.sealed {
		n += b.Len()
	}
	if w.cur != nil {
		n += w.cur.Len()
	}
	return n
}

// Batches reports how many batches the queued operations occupy.
func (w *BatchedWriter) Batches() int {
	n := len(w.sealed)
	if w.cur != nil && w.cur.Len() > 0 {
		n++
	}
	return n
}

// Flush commits every queued batch concurrently and waits for all of
// them. The writer is reusable afterwards.
func (w *BatchedWriter) Flush(ctx context.Context) error {
	batches := w.sealed
	if w.cur != nil && w.cur.Len() > 0 {
		batches = append(batches, w.cur)
	}
	w.sealed = nil
	w.cur = nil
	if len(batches) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		g.Go(func() error {
			if err := b.Commit(ctx); err != nil {
				return fmt.Errorf("docstore: flush: %w", err)
			}
			metrics.BatchCommits.Inc()
			return nil
		})
	}
	return g.Wait()
}

// batch returns the current batch, rotating when it is full.
func (w *BatchedWriter) batch() Batch {
	if w.cur == nil {
		w.cur = w.store.Batch()
	}
	if w.cur.Len() >= w.limit {
		w.sealed = append(w.sealed, w.cur)
		w.cur = w.store.Batch()
		metrics.BatchRotations.Inc()
	}
	return w.cur
}
