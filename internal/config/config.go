// Package config loads pagecache's runtime configuration from YAML (with
// environment-variable overrides) via spf13/viper, validates it, and
// watches the file for hot-reload so operators can change memory bounds,
// TTLs, and priority weights without restarting the daemon.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PriorityWeights are the (frequency, recency, pageType, contentType)
// weights used by CacheManager's priority computation. They must sum to
// 1.0.
type PriorityWeights struct {
	Frequency   float64 `mapstructure:"frequency" yaml:"frequency"`
	Recency     float64 `mapstructure:"recency" yaml:"recency"`
	PageType    float64 `mapstructure:"pageType" yaml:"pageType"`
	ContentType float64 `mapstructure:"contentType" yaml:"contentType"`
}

// Sum returns the total of all four weights.
func (w PriorityWeights) Sum() float64 {
	return w.Frequency + w.Recency + w.PageType + w.ContentType
}

// DefaultPriorityWeights matches the documented default split.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{Frequency: 0.3, Recency: 0.2, PageType: 0.3, ContentType: 0.2}
}

// Config is the recognized configuration surface.
type Config struct {
	MaxMemoryBytes          int              `mapstructure:"maxMemoryBytes" yaml:"maxMemoryBytes"`
	MaxIndexedDBBytes       int              `mapstructure:"maxIndexedDBBytes" yaml:"maxIndexedDBBytes"`
	DefaultTTL              time.Duration    `mapstructure:"defaultTTL" yaml:"defaultTTL"`
	StaleTTL                time.Duration    `mapstructure:"staleTTL" yaml:"staleTTL"`
	EnablePersistence       bool             `mapstructure:"enablePersistence" yaml:"enablePersistence"`
	PriorityWeights         PriorityWeights  `mapstructure:"priorityWeights" yaml:"priorityWeights"`
	MinHitRateForAdaptation float64          `mapstructure:"minHitRateForAdaptation" yaml:"minHitRateForAdaptation"`
	CacheDir                string           `mapstructure:"cacheDir" yaml:"cacheDir"`
	InteractionDeferDelay   time.Duration    `mapstructure:"interactionDeferDelay" yaml:"interactionDeferDelay"`
	Flags                   []FlagDefinition `mapstructure:"flags" yaml:"flags"`

	// Worker controls the background worker runtime: its own persistent
	// store, the fetch-interception strategy table, and the routes
	// prefetched on install/CACHE_WARM.
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	// Refresh controls the background revalidation scheduler.
	Refresh RefreshConfig `mapstructure:"refresh" yaml:"refresh"`
}

// WorkerConfig configures the background worker runtime (Module H).
type WorkerConfig struct {
	CacheDir         string   `mapstructure:"cacheDir" yaml:"cacheDir"`
	StaticAssets     []string `mapstructure:"staticAssets" yaml:"staticAssets"`
	PrefetchRoutes   []string `mapstructure:"prefetchRoutes" yaml:"prefetchRoutes"`
	SameOrigin       string   `mapstructure:"sameOrigin" yaml:"sameOrigin"`
	APIPrefix        string   `mapstructure:"apiPrefix" yaml:"apiPrefix"`
	BuildAssetPrefix string   `mapstructure:"buildAssetPrefix" yaml:"buildAssetPrefix"`
	CacheVersion     int      `mapstructure:"cacheVersion" yaml:"cacheVersion"`
	// OriginBaseURL, if set, is prepended to a route to build the URL
	// prefetched on install/CACHE_WARM and revalidated on a stale
	// navigation hit. Empty disables both (prefetch becomes a no-op).
	OriginBaseURL string `mapstructure:"originBaseUrl" yaml:"originBaseUrl"`
}

// RefreshConfig configures the background revalidation scheduler (Module
// F): retry policy and the rate limit on revalidations started per
// second (0 disables the limiter).
type RefreshConfig struct {
	MaxRetries        int           `mapstructure:"maxRetries" yaml:"maxRetries"`
	InitialDelay      time.Duration `mapstructure:"initialDelay" yaml:"initialDelay"`
	MaxDelay          time.Duration `mapstructure:"maxDelay" yaml:"maxDelay"`
	RatePerSecond     float64       `mapstructure:"ratePerSecond" yaml:"ratePerSecond"`
}

// FlagDefinition is the static part of a feature flag as loaded from
// configuration: default value, targeting lists, and rollout percentage.
// The dynamic manual-override layer lives in a separate durable store.
type FlagDefinition struct {
	Name                 string          `mapstructure:"name" yaml:"name"`
	DefaultEnabled        bool            `mapstructure:"defaultEnabled" yaml:"defaultEnabled"`
	TargetUserIDs         []string        `mapstructure:"targetUserIds" yaml:"targetUserIds"`
	TargetGroups          []string        `mapstructure:"targetGroups" yaml:"targetGroups"`
	EnvironmentOverrides  map[string]bool `mapstructure:"environmentOverrides" yaml:"environmentOverrides"`
	RolloutPercentage     int             `mapstructure:"rolloutPercentage" yaml:"rolloutPercentage"`
}

// Default returns the documented defaults (15 MiB memory, 25 MiB
// persistent, 2 minute TTL, 3 minute staleTTL, persistence on).
func Default() Config {
	return Config{
		MaxMemoryBytes:          15 * 1024 * 1024,
		MaxIndexedDBBytes:       25 * 1024 * 1024,
		DefaultTTL:              2 * time.Minute,
		StaleTTL:                3 * time.Minute,
		EnablePersistence:       true,
		PriorityWeights:         DefaultPriorityWeights(),
		MinHitRateForAdaptation: 0.5,
		CacheDir:                "./pagecache-data",
		InteractionDeferDelay:   2 * time.Second,
		Worker: WorkerConfig{
			CacheDir:         "./pagecache-data/worker",
			StaticAssets:     []string{"/static/app.js", "/static/app.css"},
			PrefetchRoutes:   []string{"/dashboard"},
			SameOrigin:       "",
			APIPrefix:        "/api/",
			BuildAssetPrefix: "/_build/",
			CacheVersion:     1,
			OriginBaseURL:    "",
		},
		Refresh: RefreshConfig{
			MaxRetries:    3,
			InitialDelay:  1 * time.Second,
			MaxDelay:      30 * time.Second,
			RatePerSecond: 5,
		},
	}
}

// Validate reports a descriptive error for any configuration value that
// would break an invariant downstream components rely on.
func (c Config) Validate() error {
	if c.MaxMemoryBytes <= 0 {
		return fmt.Errorf("config: maxMemoryBytes must be positive, got %d", c.MaxMemoryBytes)
	}
	if c.MaxIndexedDBBytes <= 0 {
		return fmt.Errorf("config: maxIndexedDBBytes must be positive, got %d", c.MaxIndexedDBBytes)
	}
	if sum := c.PriorityWeights.Sum(); sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("config: priorityWeights must sum to 1.0, got %f", sum)
	}
	if c.MinHitRateForAdaptation < 0 || c.MinHitRateForAdaptation > 1 {
		return fmt.Errorf("config: minHitRateForAdaptation must be in [0,1], got %f", c.MinHitRateForAdaptation)
	}
	return nil
}

// Manager owns a viper instance, the currently-loaded Config, and an
// optional hot-reload watch. Safe for concurrent reads via Current.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	current Config
	logger  *zap.Logger

	onChange []func(Config)
}

// Load reads configuration from path (if non-empty) layered over
// Default(), with environment variable overrides (prefix PAGECACHE_,
// nested keys joined by underscore), and validates the result.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	def := Default()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAGECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{v: v, current: cfg, logger: logger}

	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			m.reload()
		})
		v.WatchConfig()
	}

	return m, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("maxMemoryBytes", def.MaxMemoryBytes)
	v.SetDefault("maxIndexedDBBytes", def.MaxIndexedDBBytes)
	v.SetDefault("defaultTTL", def.DefaultTTL)
	v.SetDefault("staleTTL", def.StaleTTL)
	v.SetDefault("enablePersistence", def.EnablePersistence)
	v.SetDefault("priorityWeights", map[string]float64{
		"frequency":   def.PriorityWeights.Frequency,
		"recency":     def.PriorityWeights.Recency,
		"pageType":    def.PriorityWeights.PageType,
		"contentType": def.PriorityWeights.ContentType,
	})
	v.SetDefault("minHitRateForAdaptation", def.MinHitRateForAdaptation)
	v.SetDefault("cacheDir", def.CacheDir)
	v.SetDefault("interactionDeferDelay", def.InteractionDeferDelay)
	v.SetDefault("worker.cacheDir", def.Worker.CacheDir)
	v.SetDefault("worker.staticAssets", def.Worker.StaticAssets)
	v.SetDefault("worker.prefetchRoutes", def.Worker.PrefetchRoutes)
	v.SetDefault("worker.sameOrigin", def.Worker.SameOrigin)
	v.SetDefault("worker.apiPrefix", def.Worker.APIPrefix)
	v.SetDefault("worker.buildAssetPrefix", def.Worker.BuildAssetPrefix)
	v.SetDefault("worker.cacheVersion", def.Worker.CacheVersion)
	v.SetDefault("worker.originBaseUrl", def.Worker.OriginBaseURL)
	v.SetDefault("refresh.maxRetries", def.Refresh.MaxRetries)
	v.SetDefault("refresh.initialDelay", def.Refresh.InitialDelay)
	v.SetDefault("refresh.maxDelay", def.Refresh.MaxDelay)
	v.SetDefault("refresh.ratePerSecond", def.Refresh.RatePerSecond)
}

func (m *Manager) reload() {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		m.logger.Warn("config: reload failed to unmarshal, keeping prior config", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		m.logger.Warn("config: reload produced invalid config, keeping prior config", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	callbacks := append([]func(Config){}, m.onChange...)
	m.mu.Unlock()

	m.logger.Info("config: reloaded")
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked with the new Config after every
// successful hot-reload. Callbacks run synchronously on the viper watch
// goroutine; they must not block.
func (m *Manager) OnChange(cb func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, cb)
}
