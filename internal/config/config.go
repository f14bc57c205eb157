// Package config loads engine configuration from a YAML file with env
// overrides, and hot-reloads tunables when the file changes.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/artifacts"
	"github.com/strata-labs/deepresearch/internal/guard"
	"github.com/strata-labs/deepresearch/internal/recall"
	"github.com/strata-labs/deepresearch/internal/tracing"
)

// AdapterConfig selects and points one adapter family at its backend.
type AdapterConfig struct {
	Mode    string        `mapstructure:"mode"` // "http" or "mock"
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EngineConfig holds the run-loop tunables.
type EngineConfig struct {
	HeartbeatIntervalS int `mapstructure:"heartbeat_interval_s"`
	CancelGraceS       int `mapstructure:"cancel_grace_s"`
	RecallTopK         int `mapstructure:"recall_top_k"`
	StreamQueueDepth   int `mapstructure:"stream_queue_depth"`
	RingCapacity       int `mapstructure:"ring_capacity"`
	TaskRetentionS     int `mapstructure:"task_retention_s"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPPort    int `mapstructure:"http_port"`
	MetricsPort int `mapstructure:"metrics_port"`
	HealthPort  int `mapstructure:"health_port"`
}

// RedisConfig for the stream mirror and task snapshot cache.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Features is the full configuration tree (features.yaml).
type Features struct {
	Server    ServerConfig     `mapstructure:"server"`
	Engine    EngineConfig     `mapstructure:"engine"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Tracing   tracing.Config   `mapstructure:"tracing"`
	Guard     guard.Config     `mapstructure:"guard"`
	Recall    recall.Config    `mapstructure:"recall"`
	Artifacts artifacts.Config `mapstructure:"artifacts"`
	Adapters  struct {
		Search  AdapterConfig `mapstructure:"search"`
		Browse  AdapterConfig `mapstructure:"browse"`
		Extract AdapterConfig `mapstructure:"extract"`
		Model   AdapterConfig `mapstructure:"model"`
	} `mapstructure:"adapters"`
	RateLimitsPath string `mapstructure:"rate_limits_path"`
	Logging        struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

func (f *Features) applyDefaults() {
	if f.Server.HTTPPort == 0 {
		f.Server.HTTPPort = 8080
	}
	if f.Server.MetricsPort == 0 {
		f.Server.MetricsPort = 2112
	}
	if f.Server.HealthPort == 0 {
		f.Server.HealthPort = 8081
	}
	if f.Engine.HeartbeatIntervalS == 0 {
		f.Engine.HeartbeatIntervalS = 5
	}
	if f.Engine.CancelGraceS == 0 {
		f.Engine.CancelGraceS = 5
	}
	if f.Engine.RecallTopK == 0 {
		f.Engine.RecallTopK = 3
	}
	if f.Engine.StreamQueueDepth == 0 {
		f.Engine.StreamQueueDepth = 64
	}
	if f.Engine.RingCapacity == 0 {
		f.Engine.RingCapacity = 256
	}
	if f.Engine.TaskRetentionS == 0 {
		f.Engine.TaskRetentionS = 3600
	}
	if f.Logging.Level == "" {
		f.Logging.Level = "info"
	}
}

// Load reads features.yaml from CONFIG_PATH or ./config/features.yaml.
// A missing file yields pure defaults; env vars prefixed DEEPRESEARCH_
// override any key (dots become underscores).
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/features.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("DEEPRESEARCH")
	v.AutomaticEnv()

	var f Features
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		// No file: defaults plus env overrides.
		f.applyDefaults()
		return &f, nil
	}
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	f.applyDefaults()
	return &f, nil
}

// Watcher hot-reloads the engine tunables when features.yaml is written.
// Only fields safe to change mid-flight are republished; listener ports
// and adapter wiring stay fixed for the process lifetime.
type Watcher struct {
	v       *viper.Viper
	logger  *zap.Logger
	mu      sync.RWMutex
	current EngineConfig
}

// NewWatcher installs an fsnotify watch on cfgPath. onChange, when set,
// fires with the new tunables after each successful reload.
func NewWatcher(cfgPath string, initial EngineConfig, logger *zap.Logger, onChange func(EngineConfig)) *Watcher {
	w := &Watcher{v: viper.New(), logger: logger, current: initial}
	w.v.SetConfigFile(cfgPath)
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if err := w.v.ReadInConfig(); err != nil {
			logger.Warn("Config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		var f Features
		if err := w.v.Unmarshal(&f); err != nil {
			logger.Warn("Config reload unmarshal failed", zap.Error(err))
			return
		}
		f.applyDefaults()
		w.mu.Lock()
		w.current = f.Engine
		w.mu.Unlock()
		if onChange != nil {
			onChange(f.Engine)
		}
		logger.Info("Engine tunables reloaded", zap.String("file", e.Name))
	})
	w.v.WatchConfig()
	return w
}

// Engine returns the current tunables snapshot.
func (w *Watcher) Engine() EngineConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
