package vpn

import (
	"slices"
	"sync"
)

// ConfigQueue picks which candidate endpoint to try next.
//
// Configs wait in ready, highest priority at the tail, and move to used
// once handed out. Every config lives in exactly one of the two lists.
type ConfigQueue struct {
	mu    sync.Mutex
	ready []SessionConfig
	used  []SessionConfig
}

// NewConfigQueue returns a queue that hands out configs in the given order.
func NewConfigQueue(configs ...SessionConfig) *ConfigQueue {
	q := &ConfigQueue{}
	q.UpdateConfigs(configs)
	return q
}

// GetConfig returns the next config to try. It reports false once every
// config has been handed out since the last Reset.
func (q *ConfigQueue) GetConfig() (SessionConfig, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return SessionConfig{}, false
	}
	last := len(q.ready) - 1
	cfg := q.ready[last]
	q.ready = q.ready[:last]
	q.used = append(q.used, cfg)
	return cfg, true
}

// Reset makes every config available again. Configs never tried keep
// priority; used configs follow, least recently used first.
func (q *ConfigQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]SessionConfig, 0, len(q.used)+len(q.ready))
	for i := len(q.used) - 1; i >= 0; i-- {
		ready = append(ready, q.used[i])
	}
	q.ready = append(ready, q.ready...)
	q.used = nil
}

// UpdateConfigs replaces the candidate set. Configs missing from list are
// dropped, even if already used. Known configs keep their place. New
// configs go ahead of everything else, in list order.
func (q *ConfigQueue) UpdateConfigs(list []SessionConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inList := func(cfg SessionConfig) bool {
		return slices.ContainsFunc(list, cfg.Equal)
	}
	q.ready = slices.DeleteFunc(q.ready, func(cfg SessionConfig) bool { return !inList(cfg) })
	q.used = slices.DeleteFunc(q.used, func(cfg SessionConfig) bool { return !inList(cfg) })

	for i := len(list) - 1; i >= 0; i-- {
		cfg := list[i]
		if q.known(cfg) {
			continue
		}
		q.ready = append(q.ready, cfg)
	}
}

// Pending returns the configs not yet handed out, in the order they will
// be returned.
func (q *ConfigQueue) Pending() []SessionConfig {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]SessionConfig, len(q.ready))
	for i, cfg := range q.ready {
		pending[len(q.ready)-1-i] = cfg
	}
	return pending
}

// Len returns the number of known configs.
func (q *ConfigQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.used)
}

func (q *ConfigQueue) known(cfg SessionConfig) bool {
	return slices.ContainsFunc(q.ready, cfg.Equal) || slices.ContainsFunc(q.used, cfg.Equal)
}
