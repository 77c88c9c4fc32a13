package throttle

import (
	"math"
	"testing"
	"time"

	"github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/pkg/errors"
)

func TestAlwaysMode(t *testing.T) {
	c, err := New(config.ThrottleConfig{Mode: config.ThrottleAlways})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !c.Admit("chat-1") {
			t.Fatal("always mode must admit every event")
		}
	}
}

func TestProbabilityOutOfRange(t *testing.T) {
	for _, p := range []float64{-0.1, 1.1, 2.0} {
		_, err := New(config.ThrottleConfig{Mode: config.ThrottleProbability, Probability: p})
		if err == nil {
			t.Errorf("probability %v should be rejected", p)
		}
		if !errors.HasCode(err, errors.ErrCodeConfigValidation) {
			t.Errorf("expected CONFIG_VALIDATION for p=%v, got %v", p, err)
		}
	}
}

func TestProbabilityConvergence(t *testing.T) {
	const p = 0.3
	const draws = 100000

	c, err := New(config.ThrottleConfig{Mode: config.ThrottleProbability, Probability: p})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	admitted := 0
	for i := 0; i < draws; i++ {
		if c.Admit("chat-1") {
			admitted++
		}
	}

	rate := float64(admitted) / draws
	if math.Abs(rate-p) > 0.02 {
		t.Errorf("admission rate %v deviates more than 2%% from %v", rate, p)
	}
}

func TestProbabilityExtremes(t *testing.T) {
	zero, _ := New(config.ThrottleConfig{Mode: config.ThrottleProbability, Probability: 0})
	for i := 0; i < 1000; i++ {
		if zero.Admit("x") {
			t.Fatal("p=0 must never admit")
		}
	}

	one, _ := New(config.ThrottleConfig{Mode: config.ThrottleProbability, Probability: 1})
	for i := 0; i < 1000; i++ {
		if !one.Admit("x") {
			t.Fatal("p=1 must always admit")
		}
	}
}

func TestIntervalMode(t *testing.T) {
	c, err := New(config.ThrottleConfig{Mode: config.ThrottleInterval, MinGap: 60 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	// 60 events spaced 1s apart: only the first is admitted.
	admitted := 0
	for i := 0; i < 60; i++ {
		if c.Admit("any") {
			admitted++
		}
		now = now.Add(time.Second)
	}
	if admitted != 1 {
		t.Errorf("expected exactly 1 admission in a 60s window, got %d", admitted)
	}

	// After the gap has fully elapsed the next event is admitted.
	if !c.Admit("any") {
		t.Error("event after the full interval should be admitted")
	}
}

func TestIntervalModeIgnoresScope(t *testing.T) {
	c, _ := New(config.ThrottleConfig{Mode: config.ThrottleInterval, MinGap: time.Minute})
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if !c.Admit("chat-1") {
		t.Fatal("first event should be admitted")
	}
	if c.Admit("chat-2") {
		t.Error("interval mode is global, second scope must also be throttled")
	}
}

func TestCooldownModePerScope(t *testing.T) {
	c, err := New(config.ThrottleConfig{Mode: config.ThrottleCooldown, MinGap: time.Minute})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if !c.Admit("chat-1") {
		t.Fatal("first event for chat-1 should be admitted")
	}
	if !c.Admit("chat-2") {
		t.Error("cooldown is per scope, chat-2 should be admitted")
	}
	if c.Admit("chat-1") {
		t.Error("chat-1 should still be cooling down")
	}

	now = now.Add(61 * time.Second)
	if !c.Admit("chat-1") {
		t.Error("chat-1 cooldown has elapsed")
	}
}

func TestDeniedEventDoesNotAdvanceClock(t *testing.T) {
	c, _ := New(config.ThrottleConfig{Mode: config.ThrottleInterval, MinGap: 10 * time.Second})
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Admit("x")
	now = now.Add(9 * time.Second)
	c.Admit("x") // denied, must not reset the window
	now = now.Add(2 * time.Second)
	if !c.Admit("x") {
		t.Error("window measured from last admit, event at 11s should pass")
	}
}
