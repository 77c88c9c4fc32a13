// Package quota decides when the store is over capacity and which
// categorized records to evict to bring it back under its maxima.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/internal/registry"
)

// ScoreFunc ranks a record for size-based eviction; higher scores are
// evicted first. The default favors large files that have not been
// accessed recently.
type ScoreFunc func(rec *registry.FileRecord, now time.Time) float64

// DefaultScore weighs a record's size by how stale it is.
func DefaultScore(rec *registry.FileRecord, now time.Time) float64 {
	staleness := now.Sub(rec.LastAccessedAt).Seconds()
	if staleness < 1 {
		staleness = 1
	}
	return float64(rec.Size) * staleness
}

// State is a point-in-time quota report.
type State struct {
	Count             int
	MaxCount          int
	TotalSize         int64
	MaxSize           int64
	Strategy          config.QuotaStrategy
	Usage             float64
	Warning           bool
	Critical          bool
	WarningThreshold  float64
	CriticalThreshold float64
}

// Manager evaluates quota pressure against the configured strategy.
// The strategy and limits can be swapped at runtime via Reconfigure.
type Manager struct {
	mu    sync.RWMutex
	cfg   config.QuotaConfig
	score ScoreFunc
	now   func() time.Time
	log   *logrus.Entry
}

// New creates a quota manager. score may be nil to use DefaultScore.
func New(cfg config.QuotaConfig, score ScoreFunc, log *logrus.Entry) *Manager {
	if score == nil {
		score = DefaultScore
	}
	return &Manager{
		cfg:   cfg,
		score: score,
		now:   time.Now,
		log:   log.WithField("component", "quota"),
	}
}

// Reconfigure swaps in new limits and strategy. Callers validate the
// configuration before handing it over.
func (m *Manager) Reconfigure(cfg config.QuotaConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.log.WithField("strategy", cfg.Strategy).Info("quota limits reconfigured")
}

func (m *Manager) config() config.QuotaConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Status reports current utilization. Under the hybrid strategy usage
// is the worse of the count and size ratios.
func (m *Manager) Status(totals registry.Totals) State {
	cfg := m.config()
	countUsage := float64(totals.Count) / float64(cfg.MaxCount)
	sizeUsage := float64(totals.TotalSize) / float64(cfg.MaxSize)

	var usage float64
	switch cfg.Strategy {
	case config.StrategyCountBased:
		usage = countUsage
	case config.StrategySizeBased:
		usage = sizeUsage
	default:
		usage = countUsage
		if sizeUsage > usage {
			usage = sizeUsage
		}
	}

	return State{
		Count:             totals.Count,
		MaxCount:          cfg.MaxCount,
		TotalSize:         totals.TotalSize,
		MaxSize:           cfg.MaxSize,
		Strategy:          cfg.Strategy,
		Usage:             usage,
		Warning:           usage >= cfg.WarningThreshold,
		Critical:          usage >= cfg.CriticalThreshold,
		WarningThreshold:  cfg.WarningThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
	}
}

// Evaluate returns the IDs of the categorized records to evict so that
// applying all of them brings the live population within the maxima.
// Raw and classified records are never eviction victims.
func (m *Manager) Evaluate(records []*registry.FileRecord) []string {
	cfg := m.config()

	var liveCount int
	var liveSize int64
	var categorized []*registry.FileRecord
	for _, rec := range records {
		liveCount++
		liveSize += rec.Size
		if rec.State == registry.StateCategorized {
			categorized = append(categorized, rec)
		}
	}

	countExcess := liveCount - cfg.MaxCount
	sizeExcess := liveSize - cfg.MaxSize

	switch cfg.Strategy {
	case config.StrategyCountBased:
		return m.evictByCount(categorized, countExcess)
	case config.StrategySizeBased:
		return m.evictBySize(categorized, sizeExcess)
	default:
		victims := m.evictByCount(categorized, countExcess)
		taken := make(map[string]bool, len(victims))
		for _, id := range victims {
			taken[id] = true
		}
		var remaining []*registry.FileRecord
		for _, rec := range categorized {
			if taken[rec.ID] {
				sizeExcess -= rec.Size
			} else {
				remaining = append(remaining, rec)
			}
		}
		return append(victims, m.evictBySize(remaining, sizeExcess)...)
	}
}

// evictByCount picks the oldest records first.
func (m *Manager) evictByCount(categorized []*registry.FileRecord, excess int) []string {
	if excess <= 0 {
		return nil
	}
	sorted := append([]*registry.FileRecord(nil), categorized...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return olderFirst(sorted[i], sorted[j])
	})

	var victims []string
	for _, rec := range sorted {
		if len(victims) >= excess {
			break
		}
		victims = append(victims, rec.ID)
	}
	return victims
}

// evictBySize picks records in descending score order until the size
// excess is covered.
func (m *Manager) evictBySize(categorized []*registry.FileRecord, excess int64) []string {
	if excess <= 0 {
		return nil
	}
	now := m.now()
	sorted := append([]*registry.FileRecord(nil), categorized...)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := m.score(sorted[i], now), m.score(sorted[j], now)
		if si != sj {
			return si > sj
		}
		return olderFirst(sorted[i], sorted[j])
	})

	var victims []string
	var freed int64
	for _, rec := range sorted {
		if freed >= excess {
			break
		}
		victims = append(victims, rec.ID)
		freed += rec.Size
	}
	return victims
}

// olderFirst orders by createdAt, breaking ties by lower access count.
func olderFirst(a, b *registry.FileRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.AccessCount < b.AccessCount
}
