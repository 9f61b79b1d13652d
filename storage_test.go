package main

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUsageStoreRecordAndTotals(t *testing.T) {
	dir := t.TempDir()
	store, err := newUsageStore(filepath.Join(dir, "pool.db"), 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	base := time.Now()
	events := []QueryEvent{
		{Timestamp: base, ClientID: "a", Mode: ModePro, Outcome: "ok", Duration: time.Second},
		{Timestamp: base.Add(time.Second), ClientID: "a", Mode: ModePro, Outcome: string(KindTransient), Duration: time.Second},
		{Timestamp: base.Add(2 * time.Second), ClientID: "b", Mode: ModeAuto, Outcome: "ok", Duration: time.Second},
	}
	for _, ev := range events {
		if err := store.record(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	totals, err := store.clientTotals("a")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Requests != 2 || totals.Successes != 1 || totals.Failures != 1 {
		t.Fatalf("totals = %+v", totals)
	}
	if totals.LastOutcome != string(KindTransient) {
		t.Fatalf("last outcome = %q", totals.LastOutcome)
	}

	recent, err := store.recentEvents(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d events, want 3", len(recent))
	}
	// Newest first.
	if recent[0].ClientID != "b" {
		t.Fatalf("newest event first, got %+v", recent[0])
	}
}

func TestUsageStorePrune(t *testing.T) {
	dir := t.TempDir()
	store, err := newUsageStore(filepath.Join(dir, "pool.db"), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	old := QueryEvent{Timestamp: time.Now().Add(-48 * time.Hour), ClientID: "a", Outcome: "ok"}
	fresh := QueryEvent{Timestamp: time.Now(), ClientID: "a", Outcome: "ok"}
	if err := store.record(old); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := store.record(fresh); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	store.prune()
	recent, err := store.recentEvents(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected only the fresh event after prune, got %d", len(recent))
	}
}

func TestUsageStoreNilSafe(t *testing.T) {
	var store *usageStore
	if err := store.record(QueryEvent{}); err != nil {
		t.Fatalf("nil store record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("nil store close: %v", err)
	}
}
