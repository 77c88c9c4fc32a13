package txlog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tx.log")
	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestBeginApplied(t *testing.T) {
	l, _ := openTestLog(t)

	e, err := l.Begin(OpCreate, "rec-1", map[string]string{"path": "raw/abc"})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if e.Seq != 1 {
		t.Errorf("expected seq 1, got %d", e.Seq)
	}
	if e.Outcome != OutcomePending {
		t.Errorf("expected pending outcome, got %s", e.Outcome)
	}
	if err := l.Applied(e); err != nil {
		t.Fatalf("Applied failed: %v", err)
	}

	var entries []Entry
	if err := l.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Outcome != OutcomePending || entries[1].Outcome != OutcomeApplied {
		t.Errorf("expected pending then applied, got %s then %s",
			entries[0].Outcome, entries[1].Outcome)
	}
	if entries[1].Seq != entries[0].Seq {
		t.Errorf("terminal entry should carry the same seq")
	}
}

func TestSequenceContinuesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.log")

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		e, err := l.Begin(OpCreate, "rec", nil)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if err := l.Applied(e); err != nil {
			t.Fatalf("Applied failed: %v", err)
		}
	}
	l.Close()

	l2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	e, err := l2.Begin(OpDelete, "rec", nil)
	if err != nil {
		t.Fatalf("Begin after reopen failed: %v", err)
	}
	if e.Seq != 4 {
		t.Errorf("expected seq 4 after reopen, got %d", e.Seq)
	}
}

func TestFailedOutcome(t *testing.T) {
	l, _ := openTestLog(t)

	e, err := l.Begin(OpDelete, "rec-1", nil)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := l.Failed(e); err != nil {
		t.Fatalf("Failed failed: %v", err)
	}

	var entries []Entry
	if err := l.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Outcome != OutcomeFailed || entries[1].Seq != entries[0].Seq {
		t.Errorf("expected a failed terminal entry with the same seq, got %+v", entries[1])
	}
}

func TestReplayToleratesTornTail(t *testing.T) {
	l, path := openTestLog(t)
	e, _ := l.Begin(OpCreate, "rec-1", nil)
	l.Applied(e)
	l.Close()

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	if _, err := io.WriteString(f, `{"seq":2,"op":"del`); err != nil {
		t.Fatalf("failed to write torn line: %v", err)
	}
	f.Close()

	l2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen with torn tail failed: %v", err)
	}
	defer l2.Close()

	count := 0
	if err := l2.Replay(func(Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 complete entries, got %d", count)
	}
}

func TestTruncate(t *testing.T) {
	l, _ := openTestLog(t)

	e, _ := l.Begin(OpMove, "rec-1", nil)
	l.Applied(e)

	if err := l.Truncate(); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	count := 0
	if err := l.Replay(func(Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty log after truncate, got %d entries", count)
	}

	e2, err := l.Begin(OpCreate, "rec-2", nil)
	if err != nil {
		t.Fatalf("Begin after truncate failed: %v", err)
	}
	if e2.Seq != 1 {
		t.Errorf("expected seq to restart at 1, got %d", e2.Seq)
	}
}
