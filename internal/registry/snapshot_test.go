package registry

import (
	"path/filepath"
	"testing"

	"github.com/picstash/picstash/internal/txlog"
	"github.com/picstash/picstash/pkg/errors"
)

func TestBootstrapFromLogOnly(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tx.log")
	snapPath := filepath.Join(dir, "registry.json")

	tx, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open txlog: %v", err)
	}

	r := New(tx, true, testLogger())
	a, _ := r.Register("raw/a.jpg", "a", 100)
	r.Transition(a.ID, StateClassified, Meta{Emotion: "happy", Tags: []string{"x", "y"}})
	r.Transition(a.ID, StateCategorized, Meta{Category: "happy", Path: "categories/happy/a.jpg"})
	b, _ := r.Register("raw/b.jpg", "b", 200)
	r.Transition(b.ID, StateDeleted, Meta{})
	tx.Close()

	// Fresh process: rebuild from the log alone.
	tx2, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to reopen txlog: %v", err)
	}
	defer tx2.Close()

	r2 := New(tx2, true, testLogger())
	if err := r2.Bootstrap(snapPath); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	got, err := r2.Get(a.ID)
	if err != nil {
		t.Fatalf("record a missing after bootstrap: %v", err)
	}
	if got.State != StateCategorized || got.Category != "happy" {
		t.Errorf("record a not rebuilt: %+v", got)
	}
	if got.Emotion != "happy" || len(got.Tags) != 2 {
		t.Errorf("record a metadata not rebuilt: %+v", got)
	}
	if got.Path != "categories/happy/a.jpg" {
		t.Errorf("record a path not rebuilt: %s", got.Path)
	}

	// The deleted record's lifecycle is over; bootstrap destroys it.
	if _, err := r2.Get(b.ID); !errors.HasCode(err, errors.ErrCodeRecordNotFound) {
		t.Errorf("deleted record should not survive bootstrap, got %v", err)
	}
	if totals := r2.GetTotals(); totals.Count != 1 {
		t.Errorf("expected 1 live record after bootstrap, got %d", totals.Count)
	}
}

func TestSnapshotDestroysTerminalRecords(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tx.log")
	snapPath := filepath.Join(dir, "registry.json")

	tx, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open txlog: %v", err)
	}
	defer tx.Close()

	r := New(tx, true, testLogger())
	gone, _ := r.Register("raw/gone.jpg", "gone", 100)
	r.Transition(gone.ID, StateDeleted, Meta{})
	kept, _ := r.Register("raw/kept.jpg", "kept", 100)

	if err := r.Snapshot(snapPath); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// Destroyed in memory at snapshot time.
	if _, err := r.Get(gone.ID); !errors.HasCode(err, errors.ErrCodeRecordNotFound) {
		t.Errorf("terminal record should be destroyed by snapshot, got %v", err)
	}

	// And absent from the snapshot a fresh process loads.
	r2 := New(tx, true, testLogger())
	if err := r2.Bootstrap(snapPath); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if _, err := r2.Get(gone.ID); !errors.HasCode(err, errors.ErrCodeRecordNotFound) {
		t.Errorf("terminal record should not be in the snapshot, got %v", err)
	}
	if _, err := r2.Get(kept.ID); err != nil {
		t.Errorf("live record must survive: %v", err)
	}
}

func TestSnapshotThenBootstrap(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tx.log")
	snapPath := filepath.Join(dir, "registry.json")

	tx, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open txlog: %v", err)
	}

	r := New(tx, true, testLogger())
	a, _ := r.Register("raw/a.jpg", "a", 100)
	r.Transition(a.ID, StateClassified, Meta{Emotion: "sad"})
	r.RecordAccess(a.ID)

	if err := r.Snapshot(snapPath); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// Mutations after the snapshot land only in the log.
	r.Transition(a.ID, StateCategorized, Meta{Category: "sad", Path: "categories/sad/a.jpg"})
	tx.Close()

	tx2, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to reopen txlog: %v", err)
	}
	defer tx2.Close()

	r2 := New(tx2, true, testLogger())
	if err := r2.Bootstrap(snapPath); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	got, err := r2.Get(a.ID)
	if err != nil {
		t.Fatalf("record missing after bootstrap: %v", err)
	}
	if got.State != StateCategorized || got.Category != "sad" {
		t.Errorf("post-snapshot mutation lost: %+v", got)
	}
	if got.AccessCount != 1 {
		t.Errorf("snapshot should capture access bookkeeping, got count %d", got.AccessCount)
	}
}

func TestBootstrapDiscardsInterrupted(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tx.log")
	snapPath := filepath.Join(dir, "registry.json")

	tx, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open txlog: %v", err)
	}

	r := New(tx, true, testLogger())
	a, _ := r.Register("raw/a.jpg", "a", 100)

	// A pending entry with no terminal outcome, as left by a crash.
	if _, err := tx.Begin(txlog.OpDelete, a.ID, nil); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx.Close()

	tx2, err := txlog.Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to reopen txlog: %v", err)
	}
	defer tx2.Close()

	r2 := New(tx2, true, testLogger())
	if err := r2.Bootstrap(snapPath); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	got, err := r2.Get(a.ID)
	if err != nil {
		t.Fatalf("record missing after bootstrap: %v", err)
	}
	if got.State != StateRaw {
		t.Errorf("interrupted delete must not take effect, got state %s", got.State)
	}
}
