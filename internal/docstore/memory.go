package docstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
	}
}

func (s *MemoryStore) Get(_ context.Context, collection, key string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	return deepCopy(doc), nil
}

func (s *MemoryStore) Set(_ context.Context, collection, key string, doc Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apply(op{collection: collection, key: key, doc: doc, merge: merge})
	return nil
}

func (s *MemoryStore) Query(_ context.Context, collection, field, value string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Document
	for _, doc := range s.collections[collection] {
		if field == "" || matchField(doc, field, value) {
			result = append(result, deepCopy(doc))
		}
	}
	return result, nil
}

func (s *MemoryStore) Batch() Batch {
	return &memoryBatch{store: s}
}

// apply mutates state; caller holds the write lock.
func (s *MemoryStore) apply(o op) {
	col, ok := s.collections[o.collection]
	if !ok {
		col = make(map[string]Document)
		s.collections[o.collection] = col
	}
	if o.merge {
		col[o.key] = Merge(col[o.key], deepCopy(o.doc))
		return
	}
	col[o.key] = deepCopy(o.doc)
}

type op struct {
	collection string
	key        string
	doc        Document
	merge      bool
	update     bool // requires existence at commit time
}

// memoryBatch buffers ops and applies them atomically under one lock.
type memoryBatch struct {
	store *MemoryStore
	ops   []op
}

func (b *memoryBatch) Set(collection, key string, doc Document, merge bool) {
	b.ops = append(b.ops, op{collection: collection, key: key, doc: doc, merge: merge})
}

func (b *memoryBatch) Update(collection, key string, doc Document) {
	b.ops = append(b.ops, op{collection: collection, key: key, doc: doc, merge: true, update: true})
}

func (b *memoryBatch) Len() int { return len(b.ops) }

func (b *memoryBatch) Commit(_ context.Context) error {
	if len(b.ops) > MaxBatchOps {
		return fmt.Errorf("%w: %d ops", ErrBatchTooLarge, len(b.ops))
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	// Validate update preconditions before applying anything, so a
	// failed commit leaves the store untouched.
	for _, o := range b.ops {
		if !o.update {
			continue
		}
		if _, ok := b.store.collections[o.collection][o.key]; !ok {
			return fmt.Errorf("%w: update %s/%s", ErrNotFound, o.collection, o.key)
		}
	}
	for _, o := range b.ops {
		b.store.apply(o)
	}
	b.ops = nil
	return nil
}

func matchField(doc Document, field, value string) bool {
	v, ok := doc[field]
	if !ok {
		return false
	}
	str, ok := v.(string)
	return ok && str == value
}

func deepCopy(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		if m, ok := v.(map[string]any); ok {
			out[k] = deepCopy(m)
			continue
		}
		if arr, ok := v.([]any); ok {
			cp := make([]any, len(arr))
			for i, e := range arr {
				if m, ok := e.(map[string]any); ok {
					cp[i] = deepCopy(m)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}
