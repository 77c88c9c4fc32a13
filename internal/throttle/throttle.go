// Package throttle decides, synchronously and without I/O, whether an
// incoming image event is admitted for processing.
package throttle

import (
	"math/rand"
	"sync"
	"time"

	"github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/pkg/errors"
)

// Controller applies one of four admission policies: always admit,
// admit with independent probability p, admit at most once per interval
// globally, or admit at most once per interval per scope (cooldown).
type Controller struct {
	mode config.ThrottleMode
	p    float64
	gap  time.Duration

	now func() time.Time

	mu          sync.Mutex
	rng         *rand.Rand
	last        time.Time
	lastByScope map[string]time.Time
}

// New creates an admission controller for the given settings. An
// out-of-range probability is a configuration error.
func New(cfg config.ThrottleConfig) (*Controller, error) {
	if cfg.Mode == config.ThrottleProbability && (cfg.Probability < 0 || cfg.Probability > 1) {
		return nil, errors.Newf(errors.ErrCodeConfigValidation,
			"throttle probability %v outside [0,1]", cfg.Probability)
	}
	if (cfg.Mode == config.ThrottleInterval || cfg.Mode == config.ThrottleCooldown) && cfg.MinGap <= 0 {
		return nil, errors.New(errors.ErrCodeConfigValidation, "throttle min_gap must be positive")
	}

	return &Controller{
		mode:        cfg.Mode,
		p:           cfg.Probability,
		gap:         cfg.MinGap,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		lastByScope: make(map[string]time.Time),
	}, nil
}

// Admit reports whether the event from scope should be processed.
// Interval mode ignores scope; cooldown mode tracks each scope
// separately. The admission timestamp advances only on admit.
func (c *Controller) Admit(scope string) bool {
	switch c.mode {
	case config.ThrottleAlways:
		return true

	case config.ThrottleProbability:
		c.mu.Lock()
		draw := c.rng.Float64()
		c.mu.Unlock()
		return draw < c.p

	case config.ThrottleInterval:
		c.mu.Lock()
		defer c.mu.Unlock()
		now := c.now()
		if !c.last.IsZero() && now.Sub(c.last) < c.gap {
			return false
		}
		c.last = now
		return true

	case config.ThrottleCooldown:
		c.mu.Lock()
		defer c.mu.Unlock()
		now := c.now()
		if last, ok := c.lastByScope[scope]; ok && now.Sub(last) < c.gap {
			return false
		}
		c.lastByScope[scope] = now
		return true

	default:
		return false
	}
}
