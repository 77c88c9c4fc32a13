// Package engine assembles the ingestion pipeline: admission control,
// raw storage, registration, classification, categorization and the
// maintenance schedule.
package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/archive"
	"github.com/picstash/picstash/internal/classify"
	"github.com/picstash/picstash/internal/cleanup"
	"github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/internal/logging"
	"github.com/picstash/picstash/internal/quota"
	"github.com/picstash/picstash/internal/registry"
	"github.com/picstash/picstash/internal/stats"
	"github.com/picstash/picstash/internal/store"
	"github.com/picstash/picstash/internal/throttle"
	"github.com/picstash/picstash/internal/txlog"
	"github.com/picstash/picstash/pkg/errors"
	"github.com/picstash/picstash/pkg/status"
)

// ImageEvent is one harvested image offered to the pipeline.
type ImageEvent struct {
	Payload []byte
	Ext     string
	Hint    string
	Scope   string
}

// Options tune engine construction beyond the configuration file.
type Options struct {
	// Filter rejects classification results; nil disables filtering.
	Filter classify.FilterFunc

	// Score overrides the size-based eviction ranking.
	Score quota.ScoreFunc

	// Registerer receives the prometheus collectors; nil skips
	// registration.
	Registerer prometheus.Registerer
}

// Engine owns the full pipeline and its maintenance schedule.
type Engine struct {
	provider *config.Provider

	tx  *txlog.Log
	reg *registry.Registry
	st  *store.Store

	// admitMu guards admit, which is rebuilt when the configuration
	// is reloaded.
	admitMu sync.RWMutex
	admit   *throttle.Controller

	gateway  *classify.Gateway
	qm       *quota.Manager
	agg      *stats.Aggregator
	coord    *cleanup.Coordinator
	reporter *status.Reporter

	snapshotPath string
	log          *logrus.Entry
}

// New wires an engine from the validated configuration. A v0 legacy
// layout under the base directory is migrated before anything else
// touches it.
func New(ctx context.Context, cfg *config.Configuration, opts Options, log *logrus.Entry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New(cfg.Global)
	}

	base := cfg.Storage.BaseDir
	legacy := store.IsLegacyLayout(base)

	st, err := store.New(base, log)
	if err != nil {
		return nil, err
	}

	tx, err := txlog.Open(filepath.Join(base, "tx.log"), log)
	if err != nil {
		return nil, err
	}

	reg := registry.New(tx, cfg.Storage.DuplicateDetection, log)
	snapshotPath := filepath.Join(base, "registry.json")
	if err := reg.Bootstrap(snapshotPath); err != nil {
		tx.Close()
		return nil, err
	}

	if legacy {
		if err := seedFromLegacy(st, reg, base, log); err != nil {
			tx.Close()
			return nil, err
		}
	}

	admit, err := throttle.New(cfg.Throttle)
	if err != nil {
		tx.Close()
		return nil, err
	}

	var filter classify.FilterFunc
	if cfg.Classify.ContentFilter {
		filter = opts.Filter
	}
	gateway, err := classify.New(cfg.Classify, filter, log)
	if err != nil {
		tx.Close()
		return nil, err
	}

	qm := quota.New(cfg.Quota, opts.Score, log)
	agg := stats.New(cfg.Stats.BucketRetention, opts.Registerer, log)

	var arch cleanup.Archiver
	if cfg.Archive.Enabled {
		s3arch, err := archive.New(ctx, cfg.Archive, log)
		if err != nil {
			tx.Close()
			return nil, err
		}
		arch = s3arch
	}

	coord := cleanup.New(cfg.Cleanup, cfg.Storage, reg, st, qm, agg, arch,
		filepath.Join(base, "lastrun.json"), snapshotPath, log)

	e := &Engine{
		provider:     config.NewProvider(cfg, log),
		tx:           tx,
		reg:          reg,
		st:           st,
		admit:        admit,
		gateway:      gateway,
		qm:           qm,
		agg:          agg,
		coord:        coord,
		reporter:     status.NewReporter(),
		snapshotPath: snapshotPath,
		log:          log.WithField("component", "engine"),
	}
	e.reporter.Set("engine", status.LevelOK, "initialized")
	e.provider.Subscribe(e.applyConfig)
	return e, nil
}

// applyConfig picks up a reloaded configuration: the admission
// controller is rebuilt and the quota and cleanup settings are swapped
// in place. Settings that require reconstruction, such as the storage
// layout or the classification stack, keep their startup values.
func (e *Engine) applyConfig(cfg *config.Configuration) {
	admit, err := throttle.New(cfg.Throttle)
	if err != nil {
		e.log.WithError(err).Warn("keeping previous throttle settings")
	} else {
		e.admitMu.Lock()
		e.admit = admit
		e.admitMu.Unlock()
	}

	e.qm.Reconfigure(cfg.Quota)
	e.coord.Reconfigure(cfg.Cleanup, cfg.Storage)
	e.log.Info("runtime settings applied from reloaded configuration")
}

func (e *Engine) throttle() *throttle.Controller {
	e.admitMu.RLock()
	defer e.admitMu.RUnlock()
	return e.admit
}

// seedFromLegacy migrates a v0 layout and registers every carried-over
// file as a categorized record.
func seedFromLegacy(st *store.Store, reg *registry.Registry, base string, log *logrus.Entry) error {
	migrated, err := st.MigrateLegacy(base)
	if err != nil {
		return err
	}
	for _, m := range migrated {
		rec, err := reg.Register(m.RelPath, m.Signature, m.Size)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeDuplicateRecord) {
				continue
			}
			return err
		}
		meta := registry.Meta{Emotion: m.Emotion, Description: m.Description, Tags: m.Tags}
		if err := reg.Transition(rec.ID, registry.StateClassified, meta); err != nil {
			return err
		}
		category := m.Emotion
		if category == "" {
			category = "unclassified"
		}
		if err := reg.Transition(rec.ID, registry.StateCategorized,
			registry.Meta{Category: category, Path: m.RelPath}); err != nil {
			return err
		}
	}
	if len(migrated) > 0 {
		log.WithField("records", len(migrated)).Info("legacy records seeded into registry")
	}
	return nil
}

// RegisterProvider adds a classification backend. The first registered
// provider is the session default.
func (e *Engine) RegisterProvider(p classify.Provider) {
	e.gateway.Register(p)
}

// Ingest runs one image through the pipeline. A nil record with a nil
// error means the admission controller declined the event. A duplicate
// returns the existing record and counts an access on it.
func (e *Engine) Ingest(ctx context.Context, ev ImageEvent) (*registry.FileRecord, error) {
	if !e.throttle().Admit(ev.Scope) {
		return nil, nil
	}

	put, err := e.st.PutRaw(ev.Payload, ev.Ext)
	if err != nil {
		return nil, err
	}

	rec, err := e.reg.Register(put.RelPath, put.Signature, put.Size)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeDuplicateRecord) {
			e.agg.Record(stats.EventDuplicate)
			existing, lookErr := e.reg.BySignature(put.Signature)
			if lookErr != nil {
				return nil, lookErr
			}
			if accErr := e.reg.RecordAccess(existing.ID); accErr != nil {
				e.log.WithError(accErr).Warn("failed to record duplicate access")
			}
			return e.reg.Get(existing.ID)
		}
		return nil, err
	}
	e.agg.Record(stats.EventIngested)

	result, err := e.gateway.Classify(ctx, classify.Request{
		Payload:   ev.Payload,
		Hint:      ev.Hint,
		Signature: put.Signature,
	})
	if err != nil {
		return e.handleClassifyFailure(rec, err)
	}
	e.agg.Record(stats.EventClassified)

	if err := e.reg.Transition(rec.ID, registry.StateClassified, registry.Meta{
		Emotion:     result.Emotion,
		Description: result.Description,
		Tags:        result.Tags,
	}); err != nil {
		return nil, err
	}

	catRel, err := e.st.Categorize(put.RelPath, result.Emotion)
	if err != nil {
		return nil, err
	}
	if err := e.reg.Transition(rec.ID, registry.StateCategorized, registry.Meta{
		Category: result.Emotion,
		Path:     catRel,
	}); err != nil {
		return nil, err
	}
	e.agg.Record(stats.EventCategorized)

	return e.reg.Get(rec.ID)
}

// handleClassifyFailure sorts gateway errors into their pipeline
// outcomes: rejection deletes, unavailability defers, anything else
// surfaces after leaving the record raw for the next attempt.
func (e *Engine) handleClassifyFailure(rec *registry.FileRecord, err error) (*registry.FileRecord, error) {
	switch errors.CodeOf(err) {
	case errors.ErrCodeContentRejected:
		e.agg.Record(stats.EventRejected)
		if trErr := e.reg.Transition(rec.ID, registry.StateClassified, registry.Meta{}); trErr != nil {
			return nil, trErr
		}
		if trErr := e.reg.Transition(rec.ID, registry.StateDeleted, registry.Meta{}); trErr != nil {
			return nil, trErr
		}
		if rmErr := e.st.Remove(rec.Path); rmErr != nil {
			e.log.WithError(rmErr).WithField("record", rec.ID).Warn("failed to remove rejected file")
		}
		return nil, err

	case errors.ErrCodeProviderUnavailable, errors.ErrCodeProviderError, errors.ErrCodeProviderTimeout:
		// Classification deferred; the record stays raw and the
		// ingestion still counts as a success.
		e.reporter.SetError("classify", err)
		e.log.WithField("record", rec.ID).Debug("classification deferred")
		return e.reg.Get(rec.ID)

	default:
		return nil, err
	}
}

// PickImage returns the absolute path of a random categorized image
// for the emotion, recording an access on its record.
func (e *Engine) PickImage(emotion string) (string, error) {
	rel, err := e.st.Pick(emotion)
	if err != nil {
		return "", err
	}

	name := filepath.Base(rel)
	sig := strings.TrimSuffix(name, filepath.Ext(name))
	if rec, err := e.reg.BySignature(sig); err == nil {
		if accErr := e.reg.RecordAccess(rec.ID); accErr != nil {
			e.log.WithError(accErr).Warn("failed to record pick access")
		}
	}

	return e.st.Abs(rel), nil
}

// Status is the engine's externally visible state.
type Status struct {
	Overall    status.Level
	Components []status.Component
	Quota      quota.State
	Stats      stats.Snapshot
	LastRuns   map[string]string
}

// GetStatus assembles a point-in-time status report.
func (e *Engine) GetStatus() Status {
	totals := e.reg.GetTotals()
	qs := e.qm.Status(totals)

	if qs.Critical {
		e.reporter.Set("quota", status.LevelDegraded, "above critical threshold")
	} else {
		e.reporter.Set("quota", status.LevelOK, "")
	}

	runs := make(map[string]string)
	for task, at := range e.coord.LastRuns() {
		runs[task] = at.Format("2006-01-02T15:04:05Z")
	}

	return Status{
		Overall:    e.reporter.Overall(),
		Components: e.reporter.Components(),
		Quota:      qs,
		Stats:      e.agg.GetSnapshot(),
		LastRuns:   runs,
	}
}

// Start begins the maintenance schedule and, when configFile is
// non-empty, hot reload of the configuration file.
func (e *Engine) Start(configFile string) error {
	if err := e.coord.Start(); err != nil {
		return err
	}
	if configFile != "" {
		if err := e.provider.Watch(configFile); err != nil {
			return err
		}
	}
	e.log.Info("engine started")
	return nil
}

// Stop halts scheduling, snapshots the registry and closes the
// transaction log.
func (e *Engine) Stop() error {
	e.coord.Stop()
	if err := e.provider.Close(); err != nil {
		e.log.WithError(err).Warn("failed to close config watcher")
	}
	if err := e.reg.Snapshot(e.snapshotPath); err != nil {
		e.log.WithError(err).Error("failed to snapshot registry on shutdown")
	}
	if err := e.tx.Close(); err != nil {
		return err
	}
	e.log.Info("engine stopped")
	return nil
}
