package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/picstash/picstash/internal/txlog"
	"github.com/picstash/picstash/pkg/errors"
)

// Snapshot writes the live registry state to path and truncates the
// transaction log, which the snapshot now subsumes. Records in a
// terminal state are destroyed here: their last transition is already
// applied in the log being retired, so neither memory nor the snapshot
// carries them further. The file is written to a temp name and renamed
// so readers never see a partial snapshot.
func (r *Registry) Snapshot(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*FileRecord, 0, len(r.records))
	for id, rec := range r.records {
		if rec.State.IsTerminal() {
			delete(r.records, id)
			continue
		}
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to encode snapshot").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to create snapshot directory").WithCause(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to write snapshot").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to publish snapshot").WithCause(err)
	}

	if err := r.tx.Truncate(); err != nil {
		return err
	}

	r.log.WithField("records", len(records)).Info("registry snapshot written")
	return nil
}

// Bootstrap rebuilds registry state from the snapshot at path (if one
// exists) and then replays the transaction log on top of it. Only
// entries that reached the applied outcome take effect; pending entries
// mark mutations interrupted by a crash and are reported in the log.
// Records that end up terminal after replay are destroyed; their
// lifecycle is over and keeping them would grow the registry without
// bound.
func (r *Registry) Bootstrap(snapshotPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadSnapshot(snapshotPath); err != nil {
		return err
	}

	pending := make(map[uint64]txlog.Entry)
	err := r.tx.Replay(func(e txlog.Entry) error {
		switch e.Outcome {
		case txlog.OutcomePending:
			pending[e.Seq] = e
		case txlog.OutcomeApplied:
			if p, ok := pending[e.Seq]; ok {
				r.replayEntry(p)
				delete(pending, e.Seq)
			}
		case txlog.OutcomeFailed:
			delete(pending, e.Seq)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range pending {
		r.log.WithField("record", p.RecordID).WithField("op", string(p.Op)).
			Warn("transaction interrupted before completion, discarded")
	}

	for id, rec := range r.records {
		if rec.State.IsTerminal() {
			delete(r.records, id)
		}
	}

	r.log.WithField("records", len(r.records)).Info("registry bootstrapped")
	return nil
}

func (r *Registry) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.New(errors.ErrCodeStorageRead, "failed to read snapshot").WithCause(err)
	}

	var records []*FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.New(errors.ErrCodeLogReplay, "failed to decode snapshot").WithCause(err)
	}

	for _, rec := range records {
		r.records[rec.ID] = rec
		if !rec.State.IsTerminal() {
			r.bySig[rec.Signature] = rec.ID
		}
	}
	return nil
}

// replayEntry applies a logged mutation during bootstrap. Callers hold
// the write lock. Replay never writes back to the log.
func (r *Registry) replayEntry(e txlog.Entry) {
	switch e.Op {
	case txlog.OpCreate:
		size, _ := strconv.ParseInt(e.Payload["size"], 10, 64)
		created, err := time.Parse(time.RFC3339Nano, e.Payload["created_at"])
		if err != nil {
			created = e.Timestamp
		}
		rec := &FileRecord{
			ID:             e.RecordID,
			Path:           e.Payload["path"],
			State:          StateRaw,
			Signature:      e.Payload["signature"],
			Size:           size,
			CreatedAt:      created,
			LastAccessedAt: created,
		}
		r.records[rec.ID] = rec
		r.bySig[rec.Signature] = rec.ID

	case txlog.OpClassify, txlog.OpMove, txlog.OpEvict, txlog.OpDelete:
		rec, ok := r.records[e.RecordID]
		if !ok {
			r.log.WithField("record", e.RecordID).Warn("replayed mutation for unknown record")
			return
		}
		meta := Meta{
			Emotion:     e.Payload["emotion"],
			Description: e.Payload["description"],
			Category:    e.Payload["category"],
			Path:        e.Payload["path"],
		}
		if tags := e.Payload["tags"]; tags != "" {
			meta.Tags = strings.Split(tags, ",")
		}
		applyMeta(rec, meta)

		target := targetForOp(e.Op)
		if target.IsTerminal() && r.bySig[rec.Signature] == rec.ID {
			delete(r.bySig, rec.Signature)
		}
		rec.State = target
	}
}

func targetForOp(op txlog.Op) State {
	switch op {
	case txlog.OpClassify:
		return StateClassified
	case txlog.OpMove:
		return StateCategorized
	case txlog.OpEvict:
		return StateEvicted
	default:
		return StateDeleted
	}
}
