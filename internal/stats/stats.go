// Package stats counts pipeline events and rolls them up into hourly
// buckets kept for a configurable retention window.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Event is a countable pipeline occurrence.
type Event string

const (
	EventIngested    Event = "ingested"
	EventClassified  Event = "classified"
	EventCategorized Event = "categorized"
	EventEvicted     Event = "evicted"
	EventRejected    Event = "rejected"
	EventDuplicate   Event = "duplicate"
	EventExpired     Event = "expired"
)

var allEvents = []Event{
	EventIngested, EventClassified, EventCategorized,
	EventEvicted, EventRejected, EventDuplicate, EventExpired,
}

// Bucket is one hour of aggregated counters.
type Bucket struct {
	Start  time.Time       `json:"start"`
	Counts map[Event]int64 `json:"counts"`
}

// Snapshot is a copy-out of the aggregator state.
type Snapshot struct {
	Totals  map[Event]int64
	Buckets []Bucket
}

// Aggregator accumulates event counters. Writers touch a single mutex
// for a counter increment; readers get copies and never hold the lock
// past the copy-out.
type Aggregator struct {
	mu        sync.Mutex
	totals    map[Event]int64
	buckets   []Bucket
	retention time.Duration
	now       func() time.Time
	log       *logrus.Entry

	eventCounter *prometheus.CounterVec
	usageGauge   prometheus.Gauge
	countGauge   prometheus.Gauge
	sizeGauge    prometheus.Gauge
}

// New creates an aggregator keeping hourly buckets for retention.
func New(retention time.Duration, reg prometheus.Registerer, log *logrus.Entry) *Aggregator {
	a := &Aggregator{
		totals:    make(map[Event]int64),
		retention: retention,
		now:       time.Now,
		log:       log.WithField("component", "stats"),
		eventCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "picstash",
			Name:      "events_total",
			Help:      "Pipeline events by type",
		}, []string{"event"}),
		usageGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "picstash",
			Name:      "quota_usage_ratio",
			Help:      "Current quota utilization as a ratio of the configured maximum",
		}),
		countGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "picstash",
			Name:      "live_records",
			Help:      "Number of live records in the registry",
		}),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "picstash",
			Name:      "live_bytes",
			Help:      "Total size of live records in bytes",
		}),
	}

	if reg != nil {
		reg.MustRegister(a.eventCounter, a.usageGauge, a.countGauge, a.sizeGauge)
	}

	// Counters appear in scrapes from zero.
	for _, e := range allEvents {
		a.eventCounter.WithLabelValues(string(e)).Add(0)
	}

	return a
}

// Record counts one event in the running totals and the current bucket.
func (a *Aggregator) Record(event Event) {
	a.eventCounter.WithLabelValues(string(event)).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals[event]++
	bucket := a.currentBucket()
	bucket.Counts[event]++
}

// SetUsage publishes the quota gauges.
func (a *Aggregator) SetUsage(usage float64, count int, size int64) {
	a.usageGauge.Set(usage)
	a.countGauge.Set(float64(count))
	a.sizeGauge.Set(float64(size))
}

// currentBucket returns the bucket for the current hour, creating it
// if the hour rolled over. Callers hold a.mu.
func (a *Aggregator) currentBucket() *Bucket {
	hour := a.now().UTC().Truncate(time.Hour)
	if n := len(a.buckets); n > 0 && a.buckets[n-1].Start.Equal(hour) {
		return &a.buckets[n-1]
	}
	a.buckets = append(a.buckets, Bucket{Start: hour, Counts: make(map[Event]int64)})
	return &a.buckets[len(a.buckets)-1]
}

// Prune drops buckets older than the retention window. The cleanup
// coordinator calls this on its aggregation schedule.
func (a *Aggregator) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().UTC().Add(-a.retention)
	firstKept := 0
	for firstKept < len(a.buckets) && a.buckets[firstKept].Start.Before(cutoff) {
		firstKept++
	}
	dropped := firstKept
	if dropped > 0 {
		a.buckets = append([]Bucket(nil), a.buckets[firstKept:]...)
		a.log.WithField("dropped", dropped).Debug("pruned stats buckets")
	}
	return dropped
}

// GetSnapshot returns a copy of the totals and retained buckets.
func (a *Aggregator) GetSnapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	totals := make(map[Event]int64, len(a.totals))
	for k, v := range a.totals {
		totals[k] = v
	}
	buckets := make([]Bucket, len(a.buckets))
	for i, b := range a.buckets {
		counts := make(map[Event]int64, len(b.Counts))
		for k, v := range b.Counts {
			counts[k] = v
		}
		buckets[i] = Bucket{Start: b.Start, Counts: counts}
	}
	return Snapshot{Totals: totals, Buckets: buckets}
}
