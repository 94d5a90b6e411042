// Package config defines all configuration for the surveillance engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via POLYWATCH_* environment variables. A .env file in the working
// directory is loaded first, so deployments can keep URLs and the webhook
// secret out of the YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"polywatch/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML structure.
type Config struct {
	API            APIConfig            `mapstructure:"api"`
	Discovery      DiscoveryConfig      `mapstructure:"discovery"`
	Tiers          TierConfig           `mapstructure:"tiers"`
	WS             WSConfig             `mapstructure:"ws"`
	Microstructure MicrostructureConfig `mapstructure:"microstructure"`
	Correlation    CorrelationConfig    `mapstructure:"correlation"`
	Performance    PerformanceConfig    `mapstructure:"performance"`
	Notifier       NotifierConfig       `mapstructure:"notifier"`
	Store          StoreConfig          `mapstructure:"store"`
	Workers        WorkerConfig         `mapstructure:"workers"`
	Health         HealthConfig         `mapstructure:"health"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// APIConfig holds the venue endpoints. Only public endpoints are used; the
// engine never authenticates.
type APIConfig struct {
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`

	// Token-bucket limit applied per host: Requests per Window.
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// DiscoveryConfig controls the market-refresh loop.
//
//   - CheckInterval: refresh cadence, clamped to [5s, 300s].
//   - MaxEventsToScan: hard cap on paged events per cycle.
//   - PageSize: events per page request.
//   - MinVolumeThreshold: markets below this are never considered.
//   - MaxMarketsToTrack: cap on ACTIVE ∪ WATCHLIST after tiering.
type DiscoveryConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	MaxEventsToScan    int           `mapstructure:"max_events_to_scan"`
	PageSize           int           `mapstructure:"page_size"`
	MinVolumeThreshold float64       `mapstructure:"min_volume_threshold"`
	MaxMarketsToTrack  int           `mapstructure:"max_markets_to_track"`
}

// TierConfig sets the per-category volume floors for the ACTIVE tier, the
// watchlist relaxation, and the retention window for closed-market GC.
type TierConfig struct {
	// CategoryVolumeThresholds maps category → minimum volume for ACTIVE.
	// Categories absent from the map fall back to DefaultVolumeThreshold.
	CategoryVolumeThresholds map[string]float64 `mapstructure:"category_volume_thresholds"`
	DefaultVolumeThreshold   float64            `mapstructure:"default_volume_threshold"`

	// WatchlistVolumeFraction relaxes the ACTIVE floor for WATCHLIST
	// admission (e.g. 0.25 = a quarter of the ACTIVE floor).
	WatchlistVolumeFraction float64 `mapstructure:"watchlist_volume_fraction"`
	// WatchlistMaxTimeToClose admits near-dated markets to WATCHLIST even at
	// lower volume (catalyst proximity).
	WatchlistMaxTimeToClose time.Duration `mapstructure:"watchlist_max_time_to_close"`

	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// WSConfig tunes the WebSocket ingestion layer.
type WSConfig struct {
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`

	// SubscriptionChunk is the starting per-burst subscription size. The
	// venue's true per-socket cap is discovered at runtime (the chunk halves
	// when the server drops the connection right after a burst).
	SubscriptionChunk int `mapstructure:"subscription_chunk"`

	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`

	// UnknownAssetRediffThreshold triggers a subscription re-diff when the
	// unknown-asset drop rate within one batch window exceeds it.
	UnknownAssetRediffThreshold int `mapstructure:"unknown_asset_rediff_threshold"`
}

// MicrostructureConfig tunes per-market state and the detector family.
type MicrostructureConfig struct {
	TickBufferSize int     `mapstructure:"tick_buffer_size"`
	MinSampleSize  int     `mapstructure:"min_sample_size"`
	EWMAAlpha      float64 `mapstructure:"ewma_alpha"`
	DepthLevels    int     `mapstructure:"depth_levels"`
	SlopeWindow    int     `mapstructure:"slope_window"`

	OrderbookImbalanceThreshold float64       `mapstructure:"orderbook_imbalance_threshold"`
	ImbalanceZThreshold         float64       `mapstructure:"imbalance_z_threshold"`
	SpreadAnomalyMultiplier     float64       `mapstructure:"spread_anomaly_multiplier"`
	DepthDropThresholdPct       float64       `mapstructure:"depth_drop_threshold_pct"`
	LiquidityShiftThreshold     float64       `mapstructure:"liquidity_shift_threshold"`
	TradeFlowWindow             int           `mapstructure:"trade_flow_window"`
	TradeFlowZThreshold         float64       `mapstructure:"trade_flow_z_threshold"`
	FrontRunWindow              time.Duration `mapstructure:"front_run_window"`
	VolumeSpikeMultiplier       float64       `mapstructure:"volume_spike_multiplier"`
	PriceMoveThresholdPct       float64       `mapstructure:"price_move_threshold_pct"`
	PriceMoveWindow             time.Duration `mapstructure:"price_move_window"`
}

// CorrelationConfig tunes the cross-market correlation detector.
type CorrelationConfig struct {
	MinCorrelation             float64            `mapstructure:"min_correlation"`
	Windows                    []time.Duration    `mapstructure:"windows"`
	MinMarketsForSignal        int                `mapstructure:"min_markets_for_signal"`
	VolumeConfirmationMultiple float64            `mapstructure:"volume_confirmation_multiple"`
	MinPriceChangePercent      float64            `mapstructure:"min_price_change_percent"`
	BaselineWindow             time.Duration      `mapstructure:"baseline_window"`
	MaxCandidates              int                `mapstructure:"max_candidates"`
	Interval                   time.Duration      `mapstructure:"interval"`
	CategoryBaselines          map[string]float64 `mapstructure:"category_baselines"`
	DefaultBaseline            float64            `mapstructure:"default_baseline"`
}

// PerformanceConfig tunes the signal performance tracker.
type PerformanceConfig struct {
	SampleWorkers      int     `mapstructure:"sample_workers"`
	QueueSize          int     `mapstructure:"queue_size"`
	MaxPositionSizePct float64 `mapstructure:"max_position_size_pct"` // Kelly clamp
}

// NotifierConfig tunes alert delivery.
type NotifierConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"` // empty disables delivery
	DiscordRateLimit  int           `mapstructure:"discord_rate_limit"`
	PerMarketCooldown time.Duration `mapstructure:"per_market_cooldown"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// StoreConfig sets where the sqlite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig tunes the shared statistics worker pool.
type WorkerConfig struct {
	PoolSize  int `mapstructure:"pool_size"`
	QueueSize int `mapstructure:"queue_size"`
	// SmallInputThreshold: inputs at or below this many points run inline
	// instead of being queued.
	SmallInputThreshold int `mapstructure:"small_input_threshold"`
}

// HealthConfig controls the health/metrics HTTP server.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error — defaults plus env vars make a runnable config.
func Load(path string) (*Config, error) {
	// Best effort; deployments without a .env rely on real env vars.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	clamp(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.rate_limit_requests", 100)
	v.SetDefault("api.rate_limit_window", time.Minute)
	v.SetDefault("api.request_timeout", 15*time.Second)

	v.SetDefault("discovery.check_interval", 30*time.Second)
	v.SetDefault("discovery.max_events_to_scan", 5000)
	v.SetDefault("discovery.page_size", 1000)
	v.SetDefault("discovery.min_volume_threshold", 1000.0)
	v.SetDefault("discovery.max_markets_to_track", 300)

	v.SetDefault("tiers.default_volume_threshold", 5000.0)
	v.SetDefault("tiers.category_volume_thresholds", map[string]float64{
		string(types.CategoryEarnings): 2000,
		string(types.CategoryPolitics): 8000,
		string(types.CategoryFed):      5000,
	})
	v.SetDefault("tiers.watchlist_volume_fraction", 0.25)
	v.SetDefault("tiers.watchlist_max_time_to_close", 72*time.Hour)
	v.SetDefault("tiers.retention_window", 7*24*time.Hour)

	v.SetDefault("ws.handshake_timeout", 10*time.Second)
	v.SetDefault("ws.heartbeat_interval", 30*time.Second)
	v.SetDefault("ws.reconnect_interval", time.Second)
	v.SetDefault("ws.max_reconnect_attempts", 10)
	v.SetDefault("ws.subscription_chunk", 500)
	v.SetDefault("ws.batch_size", 64)
	v.SetDefault("ws.batch_timeout", 50*time.Millisecond)
	v.SetDefault("ws.unknown_asset_rediff_threshold", 25)

	v.SetDefault("microstructure.tick_buffer_size", 1000)
	v.SetDefault("microstructure.min_sample_size", 10)
	v.SetDefault("microstructure.ewma_alpha", 0.1)
	v.SetDefault("microstructure.depth_levels", 5)
	v.SetDefault("microstructure.slope_window", 20)
	v.SetDefault("microstructure.orderbook_imbalance_threshold", 0.15)
	v.SetDefault("microstructure.imbalance_z_threshold", 2.0)
	v.SetDefault("microstructure.spread_anomaly_multiplier", 2.0)
	v.SetDefault("microstructure.depth_drop_threshold_pct", 20.0)
	v.SetDefault("microstructure.liquidity_shift_threshold", 0.3)
	v.SetDefault("microstructure.trade_flow_window", 30)
	v.SetDefault("microstructure.trade_flow_z_threshold", 2.0)
	v.SetDefault("microstructure.front_run_window", 60*time.Second)
	v.SetDefault("microstructure.volume_spike_multiplier", 3.0)
	v.SetDefault("microstructure.price_move_threshold_pct", 1.5)
	v.SetDefault("microstructure.price_move_window", 5*time.Minute)

	v.SetDefault("correlation.min_correlation", 0.6)
	v.SetDefault("correlation.windows", []time.Duration{time.Hour, 4 * time.Hour, 8 * time.Hour})
	v.SetDefault("correlation.min_markets_for_signal", 3)
	v.SetDefault("correlation.volume_confirmation_multiple", 1.5)
	v.SetDefault("correlation.min_price_change_percent", 2.0)
	v.SetDefault("correlation.baseline_window", 24*time.Hour)
	v.SetDefault("correlation.max_candidates", 50)
	v.SetDefault("correlation.interval", 30*time.Second)
	v.SetDefault("correlation.category_baselines", map[string]float64{
		string(types.CategoryPolitics):     0.3,
		string(types.CategoryFed):          0.4,
		string(types.CategoryCryptoEvents): 0.5,
		string(types.CategoryMacro):        0.4,
		string(types.CategoryEarnings):     0.35,
	})
	v.SetDefault("correlation.default_baseline", 0.3)

	v.SetDefault("performance.sample_workers", 4)
	v.SetDefault("performance.queue_size", 1024)
	v.SetDefault("performance.max_position_size_pct", 0.25)

	v.SetDefault("notifier.discord_rate_limit", 10)
	v.SetDefault("notifier.per_market_cooldown", 60*time.Second)
	v.SetDefault("notifier.dedup_window", 60*time.Second)
	v.SetDefault("notifier.request_timeout", 5*time.Second)

	v.SetDefault("store.path", "data/polywatch.db")

	v.SetDefault("workers.pool_size", 4)
	v.SetDefault("workers.queue_size", 256)
	v.SetDefault("workers.small_input_threshold", 64)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the documented environment variables onto fields
// that deployments most often need to override without a YAML file.
func applyEnvOverrides(cfg *Config) {
	if u := os.Getenv("POLYWATCH_GAMMA_URL"); u != "" {
		cfg.API.GammaBaseURL = u
	}
	if u := os.Getenv("POLYWATCH_CLOB_URL"); u != "" {
		cfg.API.CLOBBaseURL = u
	}
	if u := os.Getenv("POLYWATCH_WS_URL"); u != "" {
		cfg.API.WSMarketURL = u
	}
	if u := os.Getenv("POLYWATCH_WEBHOOK_URL"); u != "" {
		cfg.Notifier.WebhookURL = u
	}
	if p := os.Getenv("POLYWATCH_STORE_PATH"); p != "" {
		cfg.Store.Path = p
	}
	if l := os.Getenv("POLYWATCH_LOG_LEVEL"); l != "" {
		cfg.Logging.Level = l
	}
}

// clamp enforces documented ranges that are tolerated rather than rejected.
func clamp(cfg *Config) {
	if cfg.Discovery.CheckInterval < 5*time.Second {
		cfg.Discovery.CheckInterval = 5 * time.Second
	}
	if cfg.Discovery.CheckInterval > 300*time.Second {
		cfg.Discovery.CheckInterval = 300 * time.Second
	}
	if cfg.Performance.MaxPositionSizePct <= 0 || cfg.Performance.MaxPositionSizePct > 1 {
		cfg.Performance.MaxPositionSizePct = 0.25
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.API.RateLimitRequests <= 0 || c.API.RateLimitWindow <= 0 {
		return fmt.Errorf("api rate limit must be positive")
	}
	if c.Discovery.PageSize <= 0 || c.Discovery.PageSize > 1000 {
		return fmt.Errorf("discovery.page_size must be in (0, 1000]")
	}
	if c.Discovery.MaxEventsToScan <= 0 {
		return fmt.Errorf("discovery.max_events_to_scan must be > 0")
	}
	if c.Microstructure.TickBufferSize < 2 {
		return fmt.Errorf("microstructure.tick_buffer_size must be >= 2")
	}
	if c.Microstructure.EWMAAlpha <= 0 || c.Microstructure.EWMAAlpha >= 1 {
		return fmt.Errorf("microstructure.ewma_alpha must be in (0, 1)")
	}
	if c.Microstructure.DepthLevels <= 0 {
		return fmt.Errorf("microstructure.depth_levels must be > 0")
	}
	if c.Correlation.MinCorrelation <= 0 || c.Correlation.MinCorrelation > 1 {
		return fmt.Errorf("correlation.min_correlation must be in (0, 1]")
	}
	if len(c.Correlation.Windows) == 0 {
		return fmt.Errorf("correlation.windows must not be empty")
	}
	if c.Correlation.MinMarketsForSignal < 2 {
		return fmt.Errorf("correlation.min_markets_for_signal must be >= 2")
	}
	if c.Notifier.DiscordRateLimit <= 0 {
		return fmt.Errorf("notifier.discord_rate_limit must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (set POLYWATCH_STORE_PATH)")
	}
	if c.WS.SubscriptionChunk <= 0 {
		return fmt.Errorf("ws.subscription_chunk must be > 0")
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("workers.pool_size must be > 0")
	}
	return nil
}

// ActiveVolumeFloor returns the ACTIVE-tier volume floor for a category.
func (c *TierConfig) ActiveVolumeFloor(cat types.Category) float64 {
	if v, ok := c.CategoryVolumeThresholds[string(cat)]; ok {
		return v
	}
	return c.DefaultVolumeThreshold
}

// CategoryBaseline returns the expected baseline correlation for a category.
func (c *CorrelationConfig) CategoryBaseline(cat types.Category) float64 {
	if v, ok := c.CategoryBaselines[string(cat)]; ok {
		return v
	}
	return c.DefaultBaseline
}
