package registry

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/txlog"
	"github.com/picstash/picstash/pkg/errors"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	tx, err := txlog.Open(filepath.Join(dir, "tx.log"), testLogger())
	if err != nil {
		t.Fatalf("failed to open txlog: %v", err)
	}
	t.Cleanup(func() { tx.Close() })
	return New(tx, true, testLogger()), dir
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	rec, err := r.Register("raw/abc.jpg", "abc", 1024)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if rec.State != StateRaw {
		t.Errorf("expected raw state, got %s", rec.State)
	}
	if rec.ID == "" {
		t.Error("expected non-empty record ID")
	}

	got, err := r.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Signature != "abc" || got.Size != 1024 {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestRegisterDuplicateSignature(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Register("raw/abc.jpg", "abc", 10)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = r.Register("raw/abc2.jpg", "abc", 10)
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if !errors.HasCode(err, errors.ErrCodeDuplicateRecord) {
		t.Errorf("expected DUPLICATE_RECORD, got %v", err)
	}

	// Only the first record exists.
	got, err := r.BySignature("abc")
	if err != nil {
		t.Fatalf("BySignature failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected first record to survive, got %s", got.ID)
	}
	if totals := r.GetTotals(); totals.Count != 1 {
		t.Errorf("expected 1 live record, got %d", totals.Count)
	}
}

func TestDuplicateDetectionDisabled(t *testing.T) {
	dir := t.TempDir()
	tx, err := txlog.Open(filepath.Join(dir, "tx.log"), testLogger())
	if err != nil {
		t.Fatalf("failed to open txlog: %v", err)
	}
	defer tx.Close()
	r := New(tx, false, testLogger())

	if _, err := r.Register("raw/a.jpg", "same", 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register("raw/b.jpg", "same", 1); err != nil {
		t.Errorf("duplicate should be allowed with dedup off: %v", err)
	}
}

func TestTransitions(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec, _ := r.Register("raw/abc.jpg", "abc", 10)

	err := r.Transition(rec.ID, StateClassified, Meta{
		Emotion:     "happy",
		Description: "a smiling face",
		Tags:        []string{"smile", "bright"},
	})
	if err != nil {
		t.Fatalf("transition to classified failed: %v", err)
	}

	err = r.Transition(rec.ID, StateCategorized, Meta{
		Category: "happy",
		Path:     "categories/happy/abc.jpg",
	})
	if err != nil {
		t.Fatalf("transition to categorized failed: %v", err)
	}

	got, _ := r.Get(rec.ID)
	if got.State != StateCategorized || got.Category != "happy" {
		t.Errorf("unexpected record after transitions: %+v", got)
	}
	if got.Emotion != "happy" || len(got.Tags) != 2 {
		t.Errorf("metadata not applied: %+v", got)
	}
	if got.Path != "categories/happy/abc.jpg" {
		t.Errorf("path not updated: %s", got.Path)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		setup  []State
		target State
	}{
		{"raw to categorized", nil, StateCategorized},
		{"raw to evicted", nil, StateEvicted},
		{"classified to evicted", []State{StateClassified}, StateEvicted},
		{"deleted resurrect", []State{StateDeleted}, StateClassified},
		{"evicted resurrect", []State{StateClassified, StateCategorized, StateEvicted}, StateCategorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			rec, _ := r.Register("raw/x.jpg", "x", 1)
			for _, s := range tt.setup {
				if err := r.Transition(rec.ID, s, Meta{}); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}
			err := r.Transition(rec.ID, tt.target, Meta{})
			if err == nil {
				t.Fatal("expected invalid transition error")
			}
			if !errors.HasCode(err, errors.ErrCodeInvalidTransition) {
				t.Errorf("expected INVALID_TRANSITION, got %v", err)
			}
		})
	}
}

func TestTerminalStateFreesSignature(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec, _ := r.Register("raw/abc.jpg", "abc", 10)

	if err := r.Transition(rec.ID, StateDeleted, Meta{}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// The signature is free again for a new record.
	if _, err := r.Register("raw/abc-again.jpg", "abc", 10); err != nil {
		t.Errorf("expected signature to be reusable after delete: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec, _ := r.Register("raw/abc.jpg", "abc", 10)

	removed := false
	if err := r.Destroy(rec.ID, func() error {
		removed = true
		return nil
	}); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if !removed {
		t.Error("remove callback should run")
	}

	got, _ := r.Get(rec.ID)
	if got.State != StateDeleted {
		t.Errorf("expected deleted state, got %s", got.State)
	}
	// The signature is free again.
	if _, err := r.Register("raw/abc-again.jpg", "abc", 10); err != nil {
		t.Errorf("signature should be reusable after destroy: %v", err)
	}
}

func TestDestroyFailedRemovalKeepsRecord(t *testing.T) {
	r, dir := newTestRegistry(t)
	rec, _ := r.Register("raw/abc.jpg", "abc", 10)

	boom := errors.New(errors.ErrCodeStorageIO, "disk unhappy")
	err := r.Destroy(rec.ID, func() error { return boom })
	if err == nil {
		t.Fatal("expected the removal error to surface")
	}

	got, _ := r.Get(rec.ID)
	if got.State != StateRaw {
		t.Errorf("record must keep its state after failed removal, got %s", got.State)
	}

	// The log carries a failed outcome, so a fresh bootstrap does not
	// apply the delete.
	tx2, err := txlog.Open(filepath.Join(dir, "tx.log"), testLogger())
	if err != nil {
		t.Fatalf("failed to reopen txlog: %v", err)
	}
	defer tx2.Close()
	r2 := New(tx2, true, testLogger())
	if err := r2.Bootstrap(filepath.Join(dir, "registry.json")); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	replayed, err := r2.Get(rec.ID)
	if err != nil {
		t.Fatalf("record missing after bootstrap: %v", err)
	}
	if replayed.State != StateRaw {
		t.Errorf("failed destroy must not replay as deleted, got %s", replayed.State)
	}
}

func TestRecordAccess(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec, _ := r.Register("raw/abc.jpg", "abc", 10)

	for i := 0; i < 3; i++ {
		if err := r.RecordAccess(rec.ID); err != nil {
			t.Fatalf("RecordAccess failed: %v", err)
		}
	}

	got, _ := r.Get(rec.ID)
	if got.AccessCount != 3 {
		t.Errorf("expected access count 3, got %d", got.AccessCount)
	}
	if !got.LastAccessedAt.After(rec.LastAccessedAt) && !got.LastAccessedAt.Equal(rec.LastAccessedAt) {
		t.Error("last access time should not move backwards")
	}
}

func TestQueries(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, _ := r.Register("raw/a.jpg", "a", 100)
	b, _ := r.Register("raw/b.jpg", "b", 200)
	r.Register("raw/c.jpg", "c", 300)

	r.Transition(a.ID, StateClassified, Meta{Emotion: "happy"})
	r.Transition(a.ID, StateCategorized, Meta{Category: "happy"})
	r.Transition(b.ID, StateClassified, Meta{Emotion: "sad"})
	r.Transition(b.ID, StateCategorized, Meta{Category: "sad"})

	if got := len(r.ByState(StateRaw)); got != 1 {
		t.Errorf("expected 1 raw record, got %d", got)
	}
	if got := len(r.ByState(StateCategorized)); got != 2 {
		t.Errorf("expected 2 categorized records, got %d", got)
	}
	if got := len(r.ByCategory("happy")); got != 1 {
		t.Errorf("expected 1 record in happy, got %d", got)
	}

	totals := r.GetTotals()
	if totals.Count != 3 || totals.TotalSize != 600 {
		t.Errorf("unexpected totals: %+v", totals)
	}
	if totals.CategorizedCount != 2 || totals.CategorizedSize != 300 {
		t.Errorf("unexpected categorized totals: %+v", totals)
	}
}

func TestGetMissing(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("no-such-id")
	if !errors.HasCode(err, errors.ErrCodeRecordNotFound) {
		t.Errorf("expected RECORD_NOT_FOUND, got %v", err)
	}
}
