package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/model"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryBus_FansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()

	a, _ := bus.Subscribe(ctx)
	b, _ := bus.Subscribe(ctx)

	if err := bus.Publish(ctx, Event{Collection: model.ColCorrections, WeekID: "2025-W30"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Event{a, b} {
		if ev := recv(t, ch); ev.WeekID != "2025-W30" {
			t.Errorf("got %+v", ev)
		}
	}
}

func TestNotifyingStore_PublishesWatchedWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()
	st := NewNotifyingStore(docstore.NewMemoryStore(), bus)
	events, _ := bus.Subscribe(ctx)

	if err := st.Set(ctx, model.ColCorrections, "2025-W30", docstore.Document{"weekId": "2025-W30"}, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	ev := recv(t, events)
	if ev.Collection != model.ColCorrections || ev.WeekID != "2025-W30" {
		t.Errorf("got %+v", ev)
	}

	// Writes outside the watched collections stay silent.
	if err := st.Set(ctx, model.ColWeeks, "2025-W31", docstore.Document{"id": "2025-W31"}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event for unwatched collection: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyingStore_BatchPublishesAfterCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()
	st := NewNotifyingStore(docstore.NewMemoryStore(), bus)
	events, _ := bus.Subscribe(ctx)

	b := st.Batch()
	b.Set(model.ColMarketData, "2025-W30", docstore.Document{"weekId": "2025-W30"}, true)
	b.Set(model.ColAllocations, "2025-W30_u1", docstore.Document{"uid": "u1"}, true)

	select {
	case ev := <-events:
		t.Fatalf("event published before commit: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ev := recv(t, events)
	if ev.Collection != model.ColMarketData {
		t.Errorf("got %+v", ev)
	}
	select {
	case ev := <-events:
		t.Errorf("unwatched batch write produced event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyingStore_FailedBatchStaysSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()
	st := NewNotifyingStore(docstore.NewMemoryStore(), bus)
	events, _ := bus.Subscribe(ctx)

	b := st.Batch()
	b.Set(model.ColMarketData, "2025-W30", docstore.Document{"weekId": "2025-W30"}, true)
	// Update against an absent document makes the whole batch fail.
	b.Update(model.ColCorrections, "missing", docstore.Document{"x": 1})

	if err := b.Commit(ctx); err == nil {
		t.Fatal("expected commit to fail")
	}
	select {
	case ev := <-events:
		t.Errorf("rolled-back batch published event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

type countingEngine struct {
	mu    sync.Mutex
	weeks []string
	done  chan struct{}
}

func (e *countingEngine) RecomputeFrom(_ context.Context, weekID string) error {
	e.mu.Lock()
	e.weeks = append(e.weeks, weekID)
	e.mu.Unlock()
	e.done <- struct{}{}
	return nil
}

func TestWorker_TriggersRecompute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()
	eng := &countingEngine{done: make(chan struct{}, 1)}

	w := NewWorker(bus, eng)
	go w.Run(ctx)

	// Give the worker a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	if err := bus.Publish(ctx, Event{Collection: model.ColCorrections, WeekID: "2025-W30"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-eng.done:
	case <-time.After(time.Second):
		t.Fatal("worker never triggered recompute")
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.weeks) != 1 || eng.weeks[0] != "2025-W30" {
		t.Errorf("got %v", eng.weeks)
	}
}
