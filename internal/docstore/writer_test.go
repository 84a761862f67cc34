package docstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
)

func TestWriter_NoRotationBelowThreshold(t *testing.T) {
	w := NewBatchedWriter(NewMemoryStore())
	for i := 0; i < MaxBatchOps-BatchHeadroom; i++ {
		w.Set("weeklybalances", "k"+strconv.Itoa(i), Document{"n": "1"}, true)
	}
	if got := w.Batches(); got != 1 {
		t.Errorf("expected 1 batch, got %d", got)
	}
}

func TestWriter_RotatesAtThreshold(t *testing.T) {
	w := NewBatchedWriter(NewMemoryStore())
	limit := MaxBatchOps - BatchHeadroom
	for i := 0; i < limit+1; i++ {
		w.Set("weeklybalances", "k"+strconv.Itoa(i), Document{"n": "1"}, true)
	}
	if got := w.Batches(); got != 2 {
		t.Errorf("expected 2 batches after crossing threshold, got %d", got)
	}
	if got := w.Pending(); got != limit+1 {
		t.Errorf("expected %d pending ops, got %d", limit+1, got)
	}
}

func TestWriter_FlushCommitsEverything(t *testing.T) {
	s := NewMemoryStore()
	w := NewBatchedWriter(s)
	ctx := context.Background()

	total := 2*(MaxBatchOps-BatchHeadroom) + 7 // three batches
	for i := 0; i < total; i++ {
		w.Set("weeklybalances", "k"+strconv.Itoa(i), Document{"uid": "u"}, true)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	docs, _ := s.Query(ctx, "weeklybalances", "", "")
	if len(docs) != total {
		t.Errorf("expected %d docs committed, got %d", total, len(docs))
	}
	if w.Pending() != 0 {
		t.Errorf("expected empty writer after flush, got %d pending", w.Pending())
	}
}

func TestWriter_FlushEmpty(t *testing.T) {
	w := NewBatchedWriter(NewMemoryStore())
	if err := w.Flush(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWriter_ReusableAfterFlush(t *testing.T) {
	s := NewMemoryStore()
	w := NewBatchedWriter(s)
	ctx := context.Background()

	w.Set("weeks", "w1", Document{"status": "settled"}, true)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Set("weeks", "w2", Document{"status": "settled"}, true)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Get(ctx, "weeks", "w2"); err != nil {
		t.Errorf("second flush did not commit: %v", err)
	}
}

// failStore fails commits of every batch after the first.
type failStore struct {
	*MemoryStore
	mu      sync.Mutex
	commits int
}

func (s *failStore) Batch() Batch {
	return &failBatch{Batch: s.MemoryStore.Batch(), owner: s}
}

type failBatch struct {
	Batch
	owner *failStore
}

func (b *failBatch) Commit(ctx context.Context) error {
	b.owner.mu.Lock()
	b.owner.commits++
	n := b.owner.commits
	b.owner.mu.Unlock()
	if n > 1 {
		return fmt.Errorf("simulated commit failure")
	}
	return b.Batch.Commit(ctx)
}

func TestWriter_FlushPropagatesCommitFailure(t *testing.T) {
	s := &failStore{MemoryStore: NewMemoryStore()}
	w := NewBatchedWriter(s)

	for i := 0; i < 2*(MaxBatchOps-BatchHeadroom); i++ {
		w.Set("weeklybalances", "k"+strconv.Itoa(i), Document{"n": "1"}, true)
	}
	if err := w.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error when a sub-batch commit fails")
	}
}
