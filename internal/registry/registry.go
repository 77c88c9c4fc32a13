// Package registry tracks every harvested image through its lifecycle.
// Records move raw -> classified -> categorized and end in evicted or
// deleted; terminal states never resurrect. Each mutation is announced
// in the transaction log before it is applied, so a crash mid-mutation
// is visible on the next bootstrap.
package registry

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/txlog"
	"github.com/picstash/picstash/pkg/errors"
)

// State is a lifecycle stage of a file record.
type State string

const (
	StateRaw         State = "raw"
	StateClassified  State = "classified"
	StateCategorized State = "categorized"
	StateEvicted     State = "evicted"
	StateDeleted     State = "deleted"
)

// validTransitions maps each state to the states reachable from it.
var validTransitions = map[State][]State{
	StateRaw:         {StateClassified, StateDeleted},
	StateClassified:  {StateCategorized, StateDeleted},
	StateCategorized: {StateEvicted, StateDeleted},
	StateEvicted:     {},
	StateDeleted:     {},
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

func (s State) canReach(target State) bool {
	for _, next := range validTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// FileRecord is the registry's view of one harvested image.
type FileRecord struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	State          State     `json:"state"`
	Category       string    `json:"category,omitempty"`
	Emotion        string    `json:"emotion,omitempty"`
	Description    string    `json:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Signature      string    `json:"signature"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

func (r *FileRecord) clone() *FileRecord {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	return &c
}

// Meta carries the metadata a transition attaches to a record.
type Meta struct {
	Emotion     string
	Description string
	Tags        []string
	Category    string
	Path        string
}

// Totals summarizes the live population of the registry.
type Totals struct {
	Count            int
	TotalSize        int64
	CategorizedCount int
	CategorizedSize  int64
}

// Registry is the in-memory index of all file records. Mutations take
// the write lock and are announced in the transaction log first; reads
// share the read lock and return copies.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*FileRecord
	bySig   map[string]string
	dedup   bool
	tx      *txlog.Log
	log     *logrus.Entry
}

// New creates an empty registry backed by the given transaction log.
func New(tx *txlog.Log, dedup bool, log *logrus.Entry) *Registry {
	return &Registry{
		records: make(map[string]*FileRecord),
		bySig:   make(map[string]string),
		dedup:   dedup,
		tx:      tx,
		log:     log.WithField("component", "registry"),
	}
}

// Register creates a raw record for newly stored content. When
// duplicate detection is on and a live record already carries the same
// signature, it returns a DUPLICATE_RECORD error wrapping the existing
// record's ID.
func (r *Registry) Register(path, signature string, size int64) (*FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dedup {
		if existing, ok := r.bySig[signature]; ok {
			return nil, errors.Newf(errors.ErrCodeDuplicateRecord,
				"signature %s already registered", signature).
				WithContext("existing_id", existing)
		}
	}

	now := time.Now().UTC()
	rec := &FileRecord{
		ID:             uuid.NewString(),
		Path:           path,
		State:          StateRaw,
		Signature:      signature,
		Size:           size,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	payload := map[string]string{
		"path":       path,
		"signature":  signature,
		"size":       strconv.FormatInt(size, 10),
		"created_at": now.Format(time.RFC3339Nano),
	}
	if err := r.logged(txlog.OpCreate, rec.ID, payload, func() {
		r.records[rec.ID] = rec
		r.bySig[signature] = rec.ID
	}); err != nil {
		return nil, err
	}

	return rec.clone(), nil
}

// Transition moves a record to the target state, applying any metadata
// the transition carries. Unreachable targets yield INVALID_TRANSITION.
func (r *Registry) Transition(id string, target State, meta Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", id)
	}
	if !rec.State.canReach(target) {
		return errors.Newf(errors.ErrCodeInvalidTransition,
			"cannot transition %s from %s to %s", id, rec.State, target)
	}

	op := opForTarget(target)
	payload := map[string]string{}
	if meta.Emotion != "" {
		payload["emotion"] = meta.Emotion
	}
	if meta.Description != "" {
		payload["description"] = meta.Description
	}
	if len(meta.Tags) > 0 {
		payload["tags"] = strings.Join(meta.Tags, ",")
	}
	if meta.Category != "" {
		payload["category"] = meta.Category
	}
	if meta.Path != "" {
		payload["path"] = meta.Path
	}

	return r.logged(op, id, payload, func() {
		applyMeta(rec, meta)
		if target.IsTerminal() {
			if r.bySig[rec.Signature] == rec.ID {
				delete(r.bySig, rec.Signature)
			}
		}
		rec.State = target
	})
}

func opForTarget(target State) txlog.Op {
	switch target {
	case StateClassified:
		return txlog.OpClassify
	case StateCategorized:
		return txlog.OpMove
	case StateEvicted:
		return txlog.OpEvict
	default:
		return txlog.OpDelete
	}
}

func applyMeta(rec *FileRecord, meta Meta) {
	if meta.Emotion != "" {
		rec.Emotion = meta.Emotion
	}
	if meta.Description != "" {
		rec.Description = meta.Description
	}
	if len(meta.Tags) > 0 {
		rec.Tags = append([]string(nil), meta.Tags...)
	}
	if meta.Category != "" {
		rec.Category = meta.Category
	}
	if meta.Path != "" {
		rec.Path = meta.Path
	}
}

// logged wraps a registry mutation in the write-ahead discipline.
// Callers hold the write lock; apply must not fail once reached.
func (r *Registry) logged(op txlog.Op, id string, payload map[string]string, apply func()) error {
	e, err := r.tx.Begin(op, id, payload)
	if err != nil {
		return err
	}
	apply()
	if err := r.tx.Applied(e); err != nil {
		// State is already applied; note the log gap and carry on.
		r.log.WithError(err).WithField("record", id).Error("failed to mark txlog entry applied")
	}
	return nil
}

// Destroy removes a record's underlying file and marks the record
// deleted in one logged transaction. remove runs between the pending
// and terminal log entries; when it fails, the failed outcome is
// recorded and the record keeps its state for a later retry.
func (r *Registry) Destroy(id string, remove func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", id)
	}
	if !rec.State.canReach(StateDeleted) {
		return errors.Newf(errors.ErrCodeInvalidTransition,
			"cannot transition %s from %s to %s", id, rec.State, StateDeleted)
	}

	e, err := r.tx.Begin(txlog.OpDelete, id, nil)
	if err != nil {
		return err
	}
	if err := remove(); err != nil {
		if ferr := r.tx.Failed(e); ferr != nil {
			r.log.WithError(ferr).WithField("record", id).Error("failed to mark txlog entry failed")
		}
		return err
	}

	if r.bySig[rec.Signature] == rec.ID {
		delete(r.bySig, rec.Signature)
	}
	rec.State = StateDeleted
	if err := r.tx.Applied(e); err != nil {
		r.log.WithError(err).WithField("record", id).Error("failed to mark txlog entry applied")
	}
	return nil
}

// RecordAccess bumps the access bookkeeping on a record. Access counts
// are not write-ahead logged; they are captured by the next snapshot.
func (r *Registry) RecordAccess(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", id)
	}
	rec.AccessCount++
	rec.LastAccessedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the record with the given ID.
func (r *Registry) Get(id string) (*FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", id)
	}
	return rec.clone(), nil
}

// BySignature returns the live record carrying the given signature.
func (r *Registry) BySignature(signature string) (*FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySig[signature]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeRecordNotFound, "no live record for signature %s", signature)
	}
	return r.records[id].clone(), nil
}

// ByState returns copies of all records in the given state.
func (r *Registry) ByState(state State) []*FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*FileRecord
	for _, rec := range r.records {
		if rec.State == state {
			out = append(out, rec.clone())
		}
	}
	return out
}

// ByCategory returns copies of all categorized records in the category.
func (r *Registry) ByCategory(category string) []*FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*FileRecord
	for _, rec := range r.records {
		if rec.State == StateCategorized && rec.Category == category {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Live returns copies of all non-terminal records.
func (r *Registry) Live() []*FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*FileRecord
	for _, rec := range r.records {
		if !rec.State.IsTerminal() {
			out = append(out, rec.clone())
		}
	}
	return out
}

// GetTotals summarizes counts and sizes of live records.
func (r *Registry) GetTotals() Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var t Totals
	for _, rec := range r.records {
		if rec.State.IsTerminal() {
			continue
		}
		t.Count++
		t.TotalSize += rec.Size
		if rec.State == StateCategorized {
			t.CategorizedCount++
			t.CategorizedSize += rec.Size
		}
	}
	return t
}
