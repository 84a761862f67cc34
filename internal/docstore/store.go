// Package docstore defines the document-store contract the settlement
// engine consumes. Implementations include PostgreSQL (JSONB documents,
// source of truth) and in-memory (for testing). The engine never talks
// to a storage driver directly; everything flows through Store.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxBatchOps is the hard limit the store enforces on a single
	// atomic batch commit.
	MaxBatchOps = 500

	// BatchHeadroom is subtracted from MaxBatchOps by the batched
	// writer so rotation happens safely below the hard limit.
	BatchHeadroom = 50
)

var (
	// ErrNotFound is returned by Get when no document exists under the
	// key, and by Update ops committing against an absent document.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrBatchTooLarge is returned by Commit when a batch holds more
	// than MaxBatchOps operations.
	ErrBatchTooLarge = errors.New("docstore: batch exceeds max operation count")
)

// Document is a schemaless JSON object as stored.
type Document = map[string]any

// Store is the persistence contract. Documents live in named collections
// under string keys. Set with merge=true performs a recursive field-level
// union: nested objects merge, scalars overwrite, fields absent from the
// incoming document are never deleted.
type Store interface {
	// Get retrieves one document, or ErrNotFound.
	Get(ctx context.Context, collection, key string) (Document, error)

	// Set writes a document. With merge=false the document is replaced
	// wholesale; with merge=true it is field-level-unioned into any
	// existing document.
	Set(ctx context.Context, collection, key string, doc Document, merge bool) error

	// Query returns all documents in a collection whose top-level field
	// equals value. An empty field returns the whole collection.
	Query(ctx context.Context, collection, field, value string) ([]Document, error)

	// Batch starts an atomic write batch. The batch commits all queued
	// operations together or not at all, subject to MaxBatchOps.
	Batch() Batch
}

// Batch accumulates write operations for one atomic commit.
type Batch interface {
	// Set queues a set operation (merge semantics as Store.Set).
	Set(collection, key string, doc Document, merge bool)

	// Update queues a merge write that requires the document to already
	// exist; commit fails with ErrNotFound otherwise.
	Update(collection, key string, doc Document)

	// Len reports the number of queued operations.
	Len() int

	// Commit applies all queued operations atomically.
	Commit(ctx context.Context) error
}

// Merge recursively unions src into dst and returns dst. Nested maps are
// merged; every other value (including arrays) overwrites. dst may be nil.
func Merge(dst, src Document) Document {
	if dst == nil {
		dst = make(Document, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = Merge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Encode converts a typed value to a Document via its JSON form.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return doc, nil
}

// Decode converts a Document back into a typed value via its JSON form.
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("docstore: decode: %w", err)
	}
	return nil
}
