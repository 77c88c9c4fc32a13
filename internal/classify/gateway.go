// Package classify fronts the image classification providers. All
// provider access goes through the Gateway, which owns retries, the
// per-provider circuit breakers, the per-call timeout, emotion label
// coercion and the result cache.
package classify

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/circuit"
	"github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/pkg/errors"
	"github.com/picstash/picstash/pkg/retry"
)

// Request carries one image to classify. Signature keys the result
// cache, so identical content is classified once.
type Request struct {
	Payload   []byte
	Hint      string
	Signature string
}

// Result is what a provider says about an image.
type Result struct {
	Description string
	Tags        []string
	Emotion     string
}

// Provider is a single classification backend.
type Provider interface {
	ID() string
	Classify(ctx context.Context, req Request) (*Result, error)
}

// FilterFunc inspects a classification result and reports whether the
// content must be rejected.
type FilterFunc func(*Result) bool

// Gateway resolves a provider per call and shields the pipeline from
// its failure modes.
type Gateway struct {
	// mu guards providers and defaultID; providers can register while
	// classification traffic is in flight.
	mu           sync.RWMutex
	providers    map[string]Provider
	configuredID string
	defaultID    string

	labels   []string
	labelSet map[string]bool
	timeout  time.Duration

	retryer  *retry.Retryer
	breakers *circuit.Manager
	cache    *lru.Cache[string, *Result]
	filter   FilterFunc
	log      *logrus.Entry
}

// New creates a gateway from the classification settings. filter may
// be nil when content filtering is disabled.
func New(cfg config.ClassifyConfig, filter FilterFunc, log *logrus.Entry) (*Gateway, error) {
	if len(cfg.EmotionLabels) == 0 {
		return nil, errors.New(errors.ErrCodeConfigValidation, "classify emotion_labels cannot be empty")
	}

	labelSet := make(map[string]bool, len(cfg.EmotionLabels))
	for _, l := range cfg.EmotionLabels {
		labelSet[l] = true
	}

	cacheSize := cfg.ResultCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *Result](cacheSize)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigValidation, "invalid result cache size").WithCause(err)
	}

	retryer := retry.New(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeProviderError,
			errors.ErrCodeProviderTimeout,
		},
	})

	breakers := circuit.NewManager(circuit.Config{
		FailureThreshold:    uint32(cfg.Breaker.FailureThreshold),
		CoolDown:            cfg.Breaker.CoolDown,
		MaxHalfOpenRequests: 1,
		IsSuccessful: func(err error) bool {
			// Content rejection is a verdict, not a provider fault.
			return err == nil || errors.HasCode(err, errors.ErrCodeContentRejected)
		},
	})

	return &Gateway{
		providers:    make(map[string]Provider),
		configuredID: cfg.ProviderID,
		labels:       append([]string(nil), cfg.EmotionLabels...),
		labelSet:     labelSet,
		timeout:      cfg.Timeout,
		retryer:      retryer,
		breakers:     breakers,
		cache:        cache,
		filter:       filter,
		log:          log.WithField("component", "classify"),
	}, nil
}

// Register makes a provider available to the gateway. The first
// registered provider becomes the session default.
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.providers[p.ID()] = p
	if g.defaultID == "" {
		g.defaultID = p.ID()
	}
}

// SetDefault overrides the session default provider.
func (g *Gateway) SetDefault(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultID = id
}

// resolve picks the provider for a call: the configured id wins, then
// the session default.
func (g *Gateway) resolve() (Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.configuredID != "" {
		if p, ok := g.providers[g.configuredID]; ok {
			return p, nil
		}
		return nil, errors.Newf(errors.ErrCodeNoProvider,
			"configured provider %s is not registered", g.configuredID)
	}
	if g.defaultID != "" {
		if p, ok := g.providers[g.defaultID]; ok {
			return p, nil
		}
	}
	return nil, errors.New(errors.ErrCodeNoProvider, "no classification provider available")
}

// Classify runs one image through the resolved provider. It returns
// PROVIDER_UNAVAILABLE while the provider's breaker is open,
// CONTENT_REJECTED when the filter rejects the result, and the
// provider's own error after retries are exhausted.
func (g *Gateway) Classify(ctx context.Context, req Request) (*Result, error) {
	if req.Signature != "" {
		if cached, ok := g.cache.Get(req.Signature); ok {
			return cached, nil
		}
	}

	provider, err := g.resolve()
	if err != nil {
		return nil, err
	}
	breaker := g.breakers.GetBreaker(provider.ID())

	var result *Result
	err = g.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		execErr := breaker.Execute(func() error {
			r, err := g.callProvider(ctx, provider, req)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if stderrors.Is(execErr, circuit.ErrOpenState) || stderrors.Is(execErr, circuit.ErrTooManyRequests) {
			return errors.Newf(errors.ErrCodeProviderUnavailable,
				"provider %s is unavailable", provider.ID()).WithCause(execErr)
		}
		return execErr
	})
	if err != nil {
		return nil, err
	}

	result.Emotion = g.coerceEmotion(result.Emotion)

	if g.filter != nil && g.filter(result) {
		return nil, errors.New(errors.ErrCodeContentRejected, "content rejected by filter")
	}

	if req.Signature != "" {
		g.cache.Add(req.Signature, result)
	}
	return result, nil
}

// callProvider applies the per-call timeout. A deadline hit counts as
// a provider fault so the breaker sees it.
func (g *Gateway) callProvider(ctx context.Context, p Provider, req Request) (*Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	result, err := p.Classify(ctx, req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Newf(errors.ErrCodeProviderTimeout,
				"provider %s timed out", p.ID()).WithCause(err)
		}
		var structured *errors.Error
		if !stderrors.As(err, &structured) {
			return nil, errors.Newf(errors.ErrCodeProviderError,
				"provider %s failed", p.ID()).WithCause(err)
		}
		return nil, err
	}
	if result == nil {
		return nil, errors.Newf(errors.ErrCodeProviderError, "provider %s returned no result", p.ID())
	}
	return result, nil
}

// coerceEmotion maps out-of-set labels to the first configured one.
func (g *Gateway) coerceEmotion(emotion string) string {
	if g.labelSet[emotion] {
		return emotion
	}
	return g.labels[0]
}

// BreakerStats exposes the circuit breaker state per provider.
func (g *Gateway) BreakerStats() map[string]circuit.BreakerStats {
	return g.breakers.GetStats()
}
