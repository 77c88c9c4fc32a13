// Package cleanup runs the maintenance cycles: raw expiry, capacity
// eviction, orphan reclamation, registry snapshots and stats
// aggregation. Cycles are scheduled independently but serialized
// through a single coordination mutex, so two cycles never race over
// the same records.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/internal/quota"
	"github.com/picstash/picstash/internal/registry"
	"github.com/picstash/picstash/internal/stats"
	"github.com/picstash/picstash/internal/store"
	"github.com/picstash/picstash/pkg/errors"
)

// Archiver receives evicted content before its physical removal.
type Archiver interface {
	Archive(ctx context.Context, category, filename string, content []byte) error
}

// Task names used for scheduling and last-run bookkeeping.
const (
	TaskRawExpiry   = "raw_expiry"
	TaskCapacity    = "capacity"
	TaskAggregation = "aggregation"
	TaskSnapshot    = "snapshot"
)

// defaultOrphanGrace is how long an unreferenced file is left alone
// before the orphan scan may reclaim it. It covers the window where an
// in-flight ingestion has written a file whose record does not exist
// yet.
const defaultOrphanGrace = 15 * time.Minute

// Coordinator owns the maintenance schedule.
type Coordinator struct {
	// cfgMu guards cfg and rawRetention, which can be swapped at
	// runtime via Reconfigure.
	cfgMu        sync.RWMutex
	cfg          config.CleanupConfig
	rawRetention time.Duration

	snapInterval time.Duration
	snapshotPath string
	orphanGrace  time.Duration

	reg  *registry.Registry
	st   *store.Store
	qm   *quota.Manager
	agg  *stats.Aggregator
	arch Archiver

	// mu is the coordination mutex: exactly one cycle runs at a time.
	mu sync.Mutex

	cron        *cron.Cron
	lastRunPath string
	lastMu      sync.Mutex
	lastRuns    map[string]time.Time

	now func() time.Time
	log *logrus.Entry
}

// New wires a coordinator. arch may be nil when archiving is disabled.
func New(cfg config.CleanupConfig, storage config.StorageConfig, reg *registry.Registry,
	st *store.Store, qm *quota.Manager, agg *stats.Aggregator, arch Archiver,
	lastRunPath, snapshotPath string, log *logrus.Entry) *Coordinator {

	c := &Coordinator{
		cfg:          cfg,
		rawRetention: storage.RawRetention,
		snapInterval: storage.SnapshotInterval,
		snapshotPath: snapshotPath,
		orphanGrace:  defaultOrphanGrace,
		reg:          reg,
		st:           st,
		qm:           qm,
		agg:          agg,
		arch:         arch,
		cron:         cron.New(),
		lastRunPath:  lastRunPath,
		lastRuns:     make(map[string]time.Time),
		now:          time.Now,
		log:          log.WithField("component", "cleanup"),
	}
	c.loadLastRuns()
	return c
}

// Reconfigure swaps in new flags and the raw retention window. Cron
// specs and the snapshot interval are fixed at Start; the flags and
// retention are consulted by each cycle when it fires.
func (c *Coordinator) Reconfigure(cfg config.CleanupConfig, storage config.StorageConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.rawRetention = storage.RawRetention
	c.cfgMu.Unlock()
	c.log.Info("cleanup settings reconfigured")
}

func (c *Coordinator) settings() (config.CleanupConfig, time.Duration) {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg, c.rawRetention
}

// Start registers the cron entries and begins scheduling. The cycles
// check their enable flags each time they fire, so flags flipped by a
// configuration reload take effect without a restart.
func (c *Coordinator) Start() error {
	cfg, _ := c.settings()
	if !cfg.Enabled {
		c.log.Info("cleanup disabled by configuration, cycles idle until reloaded")
	}

	type entry struct {
		spec string
		run  func(context.Context) error
		name string
	}
	entries := []entry{
		{cfg.RawExpirySpec, c.RunRawExpiry, TaskRawExpiry},
		{cfg.CapacitySpec, c.RunCapacity, TaskCapacity},
		{cfg.AggregationSpec, c.RunAggregation, TaskAggregation},
	}
	if c.snapInterval > 0 {
		entries = append(entries, entry{
			fmt.Sprintf("@every %s", c.snapInterval), c.RunSnapshot, TaskSnapshot,
		})
	}

	for _, e := range entries {
		e := e
		_, err := c.cron.AddFunc(e.spec, func() {
			// A failing cycle logs and yields; the scheduler lives on.
			if err := e.run(context.Background()); err != nil {
				c.log.WithError(err).WithField("task", e.name).Error("maintenance cycle failed")
			}
		})
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"invalid cron spec %q for %s", e.spec, e.name).WithCause(err)
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (c *Coordinator) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// RunRawExpiry deletes raw and still-unclassified records older than
// the retention window. Categorized records are never touched. The
// file removal runs inside the record's logged destroy, so a failed
// removal leaves the record intact for the next cycle.
func (c *Coordinator) RunRawExpiry(ctx context.Context) error {
	cfg, retention := c.settings()
	if !cfg.Enabled || !cfg.RawExpiryEnabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.markRun(TaskRawExpiry)

	cutoff := c.now().UTC().Add(-retention)
	expired := 0
	var firstErr error

	for _, state := range []registry.State{registry.StateRaw, registry.StateClassified} {
		for _, rec := range c.reg.ByState(state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !rec.CreatedAt.Before(cutoff) {
				continue
			}
			rec := rec
			err := c.reg.Destroy(rec.ID, func() error {
				return c.st.Remove(rec.Path)
			})
			if err != nil {
				c.log.WithError(err).WithField("record", rec.ID).Warn("expiry removal failed, will retry next cycle")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			c.agg.Record(stats.EventExpired)
			expired++
		}
	}

	if err := c.reclaimOrphans(); err != nil && firstErr == nil {
		firstErr = err
	}

	if expired > 0 {
		c.log.WithField("expired", expired).Info("raw expiry cycle complete")
	}
	return firstErr
}

// reclaimOrphans removes files on disk that no live record points to,
// such as raw copies left behind by categorization or eviction. Files
// younger than the grace window are left alone; they may belong to an
// ingestion that has not registered its record yet.
func (c *Coordinator) reclaimOrphans() error {
	live := make(map[string]bool)
	for _, rec := range c.reg.Live() {
		live[rec.Path] = true
	}

	orphans, err := c.st.OrphanScan(live, c.now().Add(-c.orphanGrace))
	if err != nil {
		return err
	}
	for _, rel := range orphans {
		if err := c.st.Remove(rel); err != nil {
			c.log.WithError(err).WithField("path", rel).Warn("orphan removal failed")
		}
	}
	if len(orphans) > 0 {
		c.log.WithField("orphans", len(orphans)).Info("orphaned files reclaimed")
	}
	return nil
}

// RunCapacity applies the quota manager's eviction plan. Per victim:
// registry transition, optional archive upload, then physical removal.
// Archive failures are logged and do not block the eviction.
func (c *Coordinator) RunCapacity(ctx context.Context) error {
	cfg, _ := c.settings()
	if !cfg.Enabled || !cfg.CapacityEnabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.markRun(TaskCapacity)

	totals := c.reg.GetTotals()
	state := c.qm.Status(totals)
	c.agg.SetUsage(state.Usage, totals.Count, totals.TotalSize)
	if state.Warning && !state.Critical {
		c.log.WithField("usage", state.Usage).Warn("quota usage above warning threshold")
	}
	if !state.Critical {
		return nil
	}

	victims := c.qm.Evaluate(c.reg.Live())
	evicted := 0
	var firstErr error

	for _, id := range victims {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.evictOne(ctx, id); err != nil {
			c.log.WithError(err).WithField("record", id).Error("eviction failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.agg.Record(stats.EventEvicted)
		evicted++
	}

	totals = c.reg.GetTotals()
	c.agg.SetUsage(c.qm.Status(totals).Usage, totals.Count, totals.TotalSize)
	c.log.WithField("evicted", evicted).WithField("planned", len(victims)).Info("capacity cycle complete")
	return firstErr
}

func (c *Coordinator) evictOne(ctx context.Context, id string) error {
	rec, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if rec.State != registry.StateCategorized {
		// Already handled by an earlier, interrupted cycle.
		return nil
	}

	if err := c.reg.Transition(id, registry.StateEvicted, registry.Meta{}); err != nil {
		return err
	}

	if c.arch != nil {
		if content, err := c.st.Read(rec.Path); err == nil {
			if err := c.arch.Archive(ctx, rec.Category, filepath.Base(rec.Path), content); err != nil {
				c.log.WithError(err).WithField("record", id).Warn("archive upload failed, evicting anyway")
			}
		} else {
			c.log.WithError(err).WithField("record", id).Warn("could not read evicted file for archive")
		}
	}

	return c.st.Remove(rec.Path)
}

// RunAggregation prunes expired stats buckets and refreshes the
// quota gauges.
func (c *Coordinator) RunAggregation(ctx context.Context) error {
	cfg, _ := c.settings()
	if !cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.markRun(TaskAggregation)

	c.agg.Prune()
	totals := c.reg.GetTotals()
	c.agg.SetUsage(c.qm.Status(totals).Usage, totals.Count, totals.TotalSize)
	return nil
}

// RunSnapshot persists the registry and truncates the transaction log,
// bounding log growth between restarts. It runs regardless of the
// cleanup enable flags; snapshots are a durability concern, not a
// maintenance feature.
func (c *Coordinator) RunSnapshot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.markRun(TaskSnapshot)

	return c.reg.Snapshot(c.snapshotPath)
}

// LastRuns returns the persisted completion time per task.
func (c *Coordinator) LastRuns() map[string]time.Time {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()

	out := make(map[string]time.Time, len(c.lastRuns))
	for k, v := range c.lastRuns {
		out[k] = v
	}
	return out
}

func (c *Coordinator) markRun(task string) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()

	c.lastRuns[task] = c.now().UTC()
	data, err := json.MarshalIndent(c.lastRuns, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.lastRunPath, data, 0640); err != nil {
		c.log.WithError(err).Warn("failed to persist last-run timestamps")
	}
}

func (c *Coordinator) loadLastRuns() {
	data, err := os.ReadFile(c.lastRunPath)
	if err != nil {
		return
	}
	var runs map[string]time.Time
	if err := json.Unmarshal(data, &runs); err != nil {
		c.log.WithError(err).Warn("ignoring corrupt last-run file")
		return
	}
	c.lastRuns = runs
}
