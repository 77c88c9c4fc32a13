// Package txlog provides the append-only transaction log that records
// every registry mutation before it happens. On startup the log is
// replayed against the latest snapshot to rebuild consistent state,
// and entries left in the pending outcome mark interrupted operations.
package txlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/pkg/errors"
)

// Op identifies the kind of mutation an entry records.
type Op string

const (
	OpCreate   Op = "create"
	OpClassify Op = "classify"
	OpMove     Op = "move"
	OpEvict    Op = "evict"
	OpDelete   Op = "delete"
)

// Outcome tracks whether the mutation a entry announced actually landed.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
)

// Entry is a single transaction log record.
type Entry struct {
	Seq       uint64            `json:"seq"`
	Op        Op                `json:"op"`
	RecordID  string            `json:"record_id"`
	Payload   map[string]string `json:"payload,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Timestamp time.Time         `json:"ts"`
}

// Log is an append-only JSONL transaction log. Every mutation writes a
// pending entry before touching state and a terminal entry afterwards,
// so replay can tell completed work from interrupted work.
type Log struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
	seq  uint64
	log  *logrus.Entry
}

// Open opens (or creates) the transaction log at path. The parent
// directory is created if missing. The next sequence number continues
// from the highest one already on disk.
func Open(path string, log *logrus.Entry) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.New(errors.ErrCodeLogAppend, "failed to create txlog directory").WithCause(err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.New(errors.ErrCodeLogAppend, "failed to open txlog").WithCause(err)
	}

	l := &Log{
		file: f,
		w:    bufio.NewWriter(f),
		path: path,
		log:  log.WithField("component", "txlog"),
	}

	last, err := lastSeq(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.seq = last

	return l, nil
}

func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.New(errors.ErrCodeLogReplay, "failed to read txlog").WithCause(err)
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line from a crash is tolerated; replay
			// stops at the last complete entry.
			continue
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.New(errors.ErrCodeLogReplay, "failed to scan txlog").WithCause(err)
	}
	return last, nil
}

// Begin appends a pending entry for the given mutation and returns it.
// The entry is durable before Begin returns.
func (l *Log) Begin(op Op, recordID string, payload map[string]string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := &Entry{
		Seq:       l.seq,
		Op:        op,
		RecordID:  recordID,
		Payload:   payload,
		Outcome:   OutcomePending,
		Timestamp: time.Now().UTC(),
	}
	if err := l.append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Applied records that the mutation announced by e completed.
func (l *Log) Applied(e *Entry) error {
	return l.finish(e, OutcomeApplied)
}

// Failed records that the mutation announced by e did not complete.
func (l *Log) Failed(e *Entry) error {
	return l.finish(e, OutcomeFailed)
}

func (l *Log) finish(e *Entry, outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	terminal := &Entry{
		Seq:       e.Seq,
		Op:        e.Op,
		RecordID:  e.RecordID,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
	return l.append(terminal)
}

// append writes one entry and syncs it to disk. Callers hold l.mu.
func (l *Log) append(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to encode txlog entry").WithCause(err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to append txlog entry").WithCause(err)
	}
	if err := l.w.Flush(); err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to flush txlog").WithCause(err)
	}
	if err := l.file.Sync(); err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to sync txlog").WithCause(err)
	}
	return nil
}

// Replay streams every complete entry in the log, in order, to fn.
// Replay stops and returns the first error fn reports.
func (l *Log) Replay(fn func(Entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return errors.New(errors.ErrCodeLogReplay, "failed to open txlog for replay").WithCause(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.log.WithError(err).Warn("skipping corrupt txlog line")
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.New(errors.ErrCodeLogReplay, "failed to scan txlog").WithCause(err)
	}
	return nil
}

// Truncate replaces the log with an empty file after a snapshot has
// captured everything it recorded.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to flush txlog before truncate").WithCause(err)
	}
	if err := l.file.Truncate(0); err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to truncate txlog").WithCause(err)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return errors.New(errors.ErrCodeLogAppend, "failed to rewind txlog").WithCause(err)
	}
	l.w.Reset(l.file)
	l.seq = 0
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
