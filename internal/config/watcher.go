package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Provider hands out the current configuration and supports atomic
// replacement when the backing file changes. Subscribers are notified
// after every successful replacement so runtime components can pick up
// the new settings.
type Provider struct {
	current atomic.Pointer[Configuration]
	log     *logrus.Entry

	subMu sync.Mutex
	subs  []func(*Configuration)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewProvider creates a provider seeded with the given configuration.
func NewProvider(cfg *Configuration, log *logrus.Entry) *Provider {
	p := &Provider{
		log:  log.WithField("component", "config"),
		done: make(chan struct{}),
	}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration. Callers must not mutate it.
func (p *Provider) Current() *Configuration {
	return p.current.Load()
}

// Subscribe registers fn to run after every successful Replace.
// Registration is not retroactive; fn does not see the configuration
// the provider was seeded with.
func (p *Provider) Subscribe(fn func(*Configuration)) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subs = append(p.subs, fn)
}

// Replace validates and swaps in a new configuration, then notifies
// subscribers.
func (p *Provider) Replace(cfg *Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.current.Store(cfg)

	p.subMu.Lock()
	subs := append([]func(*Configuration){}, p.subs...)
	p.subMu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever filename is rewritten.
// Invalid replacements are logged and discarded; the previous
// configuration stays active.
func (p *Provider) Watch(filename string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return err
	}
	p.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p.reload(filename)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.WithError(err).Warn("config watcher error")
			case <-p.done:
				return
			}
		}
	}()

	return nil
}

func (p *Provider) reload(filename string) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(filename); err != nil {
		p.log.WithError(err).Warn("config reload failed, keeping previous")
		return
	}
	if err := cfg.LoadFromEnv(); err != nil {
		p.log.WithError(err).Warn("config reload failed, keeping previous")
		return
	}
	if err := p.Replace(cfg); err != nil {
		p.log.WithError(err).Warn("rejected invalid config reload")
		return
	}
	p.log.WithField("file", filename).Info("configuration reloaded")
}

// Close stops the file watcher.
func (p *Provider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
