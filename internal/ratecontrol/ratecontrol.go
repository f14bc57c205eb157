package ratecontrol

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Limiter holds shared per-provider token buckets. Adapters across all
// tasks share one Limiter; the admit counters are atomic so no task-level
// lock guards cross-task state.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	defaults ProviderLimit

	admitted atomic.Int64
	waited   atomic.Int64
}

// ProviderLimit is requests-per-second with a burst allowance.
type ProviderLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type limitsFile struct {
	RateLimits struct {
		Default   ProviderLimit            `yaml:"default"`
		Providers map[string]ProviderLimit `yaml:"providers"`
	} `yaml:"rate_limits"`
}

// New builds a limiter with a single default bucket configuration.
func New(defaults ProviderLimit) *Limiter {
	if defaults.RPS <= 0 {
		defaults.RPS = 5
	}
	if defaults.Burst <= 0 {
		defaults.Burst = 10
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		defaults: defaults,
	}
}

// LoadFromFile reads per-provider overrides from a YAML file, falling back
// to defaults on any error.
func LoadFromFile(path string) *Limiter {
	l := New(ProviderLimit{})
	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	var cfg limitsFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return l
	}
	if cfg.RateLimits.Default.RPS > 0 {
		l.defaults = cfg.RateLimits.Default
		if l.defaults.Burst <= 0 {
			l.defaults.Burst = 1
		}
	}
	for name, pl := range cfg.RateLimits.Providers {
		if pl.RPS <= 0 {
			continue
		}
		if pl.Burst <= 0 {
			pl.Burst = 1
		}
		l.limiters[name] = rate.NewLimiter(rate.Limit(pl.RPS), pl.Burst)
	}
	return l
}

// Wait blocks until the provider's bucket admits one call or ctx is done.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	lim := l.get(provider)
	if !lim.Allow() {
		l.waited.Add(1)
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	l.admitted.Add(1)
	return nil
}

// Admitted returns the total calls admitted across all tasks.
func (l *Limiter) Admitted() int64 { return l.admitted.Load() }

// Waited returns how many calls had to queue behind the bucket.
func (l *Limiter) Waited() int64 { return l.waited.Load() }

func (l *Limiter) get(provider string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[provider]
	l.mu.RUnlock()
	if ok {
		return lim
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[provider]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.defaults.RPS), l.defaults.Burst)
	l.limiters[provider] = lim
	return lim
}
