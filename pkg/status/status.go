// Package status provides user-facing component status aggregation.
package status

import (
	"sort"
	"sync"
	"time"
)

// Level represents the operational level of a component
type Level int

const (
	// LevelOK indicates the component is fully operational
	LevelOK Level = iota

	// LevelDegraded indicates the component works with reduced function
	LevelDegraded

	// LevelUnavailable indicates the component is not operational
	LevelUnavailable
)

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelDegraded:
		return "degraded"
	case LevelUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Component is the reported status of one subsystem.
type Component struct {
	Name       string    `json:"name"`
	Level      Level     `json:"level"`
	Detail     string    `json:"detail,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastChange time.Time `json:"last_change"`
}

// Reporter aggregates per-component statuses into an overall level.
type Reporter struct {
	mu         sync.RWMutex
	components map[string]Component
}

// NewReporter creates an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{components: make(map[string]Component)}
}

// Set records the status of a component.
func (r *Reporter) Set(name string, level Level, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.components[name]
	c := Component{Name: name, Level: level, Detail: detail, LastChange: prev.LastChange}
	if !ok || prev.Level != level {
		c.LastChange = time.Now().UTC()
	}
	if level != LevelOK && ok {
		c.LastError = prev.LastError
	}
	r.components[name] = c
}

// SetError marks a component degraded with the error as detail.
func (r *Reporter) SetError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.components[name]
	c := Component{
		Name:       name,
		Level:      LevelDegraded,
		LastError:  err.Error(),
		LastChange: prev.LastChange,
	}
	if prev.Level != LevelDegraded {
		c.LastChange = time.Now().UTC()
	}
	r.components[name] = c
}

// Get returns the status of one component.
func (r *Reporter) Get(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.components[name]
	return c, ok
}

// Components returns all component statuses sorted by name.
func (r *Reporter) Components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst level any component reports.
func (r *Reporter) Overall() Level {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worst := LevelOK
	for _, c := range r.components {
		if c.Level > worst {
			worst = c.Level
		}
	}
	return worst
}
