package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricepush/internal/config"
	"pricepush/internal/content"
	"pricepush/internal/digest"
	"pricepush/internal/dispatch"
	"pricepush/internal/dispatcher"
	"pricepush/internal/eventsink"
	"pricepush/internal/gateway"
	"pricepush/internal/market"
	"pricepush/internal/monitor"
	"pricepush/internal/segment"
	"pricepush/internal/storage"
	"pricepush/pkg/logx"
)

// mapped holds every component config derived from one config document.
// Building it is also how a hot-reloaded config is validated before commit.
type mapped struct {
	log        logx.Config
	storage    storage.Config
	gateway    gateway.Config
	engine     dispatch.Config
	dedupTTL   time.Duration
	dedupSweep time.Duration
	segment    segment.Config
	limits     content.Limits
	monitor    monitor.Config
	dispatcher dispatcher.Config
	digest     digest.Config
	market     market.BinanceConfig
	sink       eventsink.Config
}

func mapConfig(cfg *config.Config) (mapped, error) {
	var (
		m   mapped
		err error
	)
	if cfg == nil {
		return m, fmt.Errorf("config is nil")
	}
	m.log = mapLogConfig(cfg)
	if m.storage, err = mapStorageConfig(cfg); err != nil {
		return m, err
	}
	if m.gateway, err = mapGatewayConfig(cfg); err != nil {
		return m, err
	}
	if m.engine, err = mapEngineConfig(cfg); err != nil {
		return m, err
	}
	if m.dedupTTL, err = config.ParseDurationOrDefault("dedup.ttl", cfg.Dedup.TTL, time.Hour); err != nil {
		return m, err
	}
	if m.dedupSweep, err = config.ParseDurationOrDefault("dedup.sweep_interval", cfg.Dedup.SweepInterval, 5*time.Minute); err != nil {
		return m, err
	}
	if m.segment, err = mapSegmentConfig(cfg); err != nil {
		return m, err
	}
	m.limits = content.Limits{
		MaxTextLength:    cfg.Content.MaxTextLength,
		MaxFieldLength:   cfg.Content.MaxFieldLength,
		MaxAltTextLength: cfg.Content.MaxAltTextLength,
		MaxDepth:         cfg.Content.MaxDepth,
	}
	if m.monitor, err = mapMonitorConfig(cfg); err != nil {
		return m, err
	}
	if m.dispatcher, err = mapDispatcherConfig(cfg); err != nil {
		return m, err
	}
	if m.digest, err = mapDigestConfig(cfg); err != nil {
		return m, err
	}
	if m.market, err = mapMarketConfig(cfg); err != nil {
		return m, err
	}
	m.sink = eventsink.Config{Brokers: cfg.EventSink.Brokers, Topic: cfg.EventSink.Topic}
	return m, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	gc := cfg.Gateway
	out := gateway.Config{
		Driver:        gc.Driver,
		MaxRecipients: gc.MaxRecipients,
		Telegram: gateway.TelegramConfig{
			Token:      gc.Telegram.Token,
			ParseMode:  gc.Telegram.ParseMode,
			RatePerSec: gc.Telegram.RatePerSec,
		},
		SNS: gateway.SNSConfig{Region: gc.SNS.Region, TopicARN: gc.SNS.TopicARN},
	}
	switch strings.ToLower(strings.TrimSpace(gc.Driver)) {
	case "telegram":
		if strings.TrimSpace(gc.Telegram.Token) == "" {
			return out, &config.ConfigurationError{Field: "gateway.telegram.token", Value: "", Reason: "required when gateway.driver=telegram"}
		}
	case "sns":
		if strings.TrimSpace(gc.SNS.Region) == "" {
			return out, &config.ConfigurationError{Field: "gateway.sns.region", Value: "", Reason: "required when gateway.driver=sns"}
		}
	}
	if !gc.Breaker.Enabled {
		return out, nil
	}
	bc := gateway.DefaultBreakerConfig("")
	var err error
	if bc.Interval, err = config.ParseDurationOrDefault("gateway.breaker.interval", gc.Breaker.Interval, bc.Interval); err != nil {
		return out, err
	}
	if bc.Timeout, err = config.ParseDurationOrDefault("gateway.breaker.timeout", gc.Breaker.Timeout, bc.Timeout); err != nil {
		return out, err
	}
	if gc.Breaker.MaxRequests > 0 {
		bc.MaxRequests = gc.Breaker.MaxRequests
	}
	if gc.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = gc.Breaker.FailureThreshold
	}
	if gc.Breaker.MinRequests > 0 {
		bc.MinRequests = gc.Breaker.MinRequests
	}
	out.Breaker = &bc
	return out, nil
}

func mapEngineConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	d := dispatch.DefaultConfig()
	out := dispatch.Config{
		MaxBatchSize:       dc.MaxBatchSize,
		OptimalBatchSize:   dc.OptimalBatchSize,
		MinBatchSize:       dc.MinBatchSize,
		MessagesPerMinute:  dc.MessagesPerMinute,
		MessagesPerSecond:  dc.MessagesPerSecond,
		MaxRetries:         dc.MaxRetries,
		ExponentialBackoff: dc.ExponentialBackoff,
		MaxQueuedTasks:     dc.MaxQueuedTasks,
		Levels:             dispatch.DefaultLevels(),
	}
	var err error
	if out.Tick, err = config.ParseDurationOrDefault("dispatch.tick", dc.Tick, d.Tick); err != nil {
		return out, err
	}
	if out.RetryDelay, err = config.ParseDurationOrDefault("dispatch.retry_delay", dc.RetryDelay, d.RetryDelay); err != nil {
		return out, err
	}
	if out.ChunkDelay, err = config.ParseDurationOrDefault("dispatch.chunk_delay", dc.ChunkDelay, d.ChunkDelay); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, d.SendTimeout); err != nil {
		return out, err
	}
	for name, pc := range dc.Priorities {
		p, err := dispatch.ParsePriority(name)
		if err != nil {
			return out, fmt.Errorf("dispatch.priorities: %w", err)
		}
		lvl := out.Levels[p]
		if pc.Weight > 0 {
			lvl.Weight = pc.Weight
		}
		if strings.TrimSpace(pc.MaxDelay) != "" {
			if lvl.MaxDelay, err = config.ParseDurationField("dispatch.priorities."+name+".max_delay", pc.MaxDelay); err != nil {
				return out, err
			}
		}
		out.Levels[p] = lvl
	}
	return out, nil
}

func mapSegmentConfig(cfg *config.Config) (segment.Config, error) {
	sc := cfg.Segmentation
	out := segment.Config{Policies: map[segment.Segment]segment.Policy{}}
	var err error
	if out.CacheTTL, err = config.ParseDurationOrDefault("segmentation.profile_cache_ttl", sc.ProfileCacheTTL, 0); err != nil {
		return out, err
	}
	if out.ActiveWithin, err = config.ParseDurationOrDefault("segmentation.active_within", sc.ActiveWithin, 0); err != nil {
		return out, err
	}
	if out.InactiveAfter, err = config.ParseDurationOrDefault("segmentation.inactive_after", sc.InactiveAfter, 0); err != nil {
		return out, err
	}
	for name, pc := range cfg.Dispatch.Segments {
		s, err := segment.Parse(name)
		if err != nil {
			return out, fmt.Errorf("dispatch.segments: %w", err)
		}
		out.Policies[s] = segment.Policy{Priority: pc.Priority, BatchSize: pc.BatchSize}
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	iv, err := config.ParseDurationOrDefault("monitor.interval", cfg.Monitor.Interval, monitor.DefaultConfig().Interval)
	if err != nil {
		return monitor.Config{}, err
	}
	if iv < config.MinMonitorInterval {
		return monitor.Config{}, &config.ConfigurationError{Field: "monitor.interval", Value: iv, Reason: "must be at least 10s"}
	}
	return monitor.Config{Interval: iv, FetchConcurrency: cfg.Monitor.FetchConcurrency}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	dc := cfg.Dispatcher
	out := dispatcher.DefaultConfig()
	out.FallbackEnabled = dc.FallbackEnabled
	out.FallbackMaxRecipients = dc.FallbackMaxRecipients
	if raw := strings.TrimSpace(dc.VolatilityThreshold); raw != "" {
		th, err := decimal.NewFromString(raw)
		if err != nil || th.IsNegative() {
			return out, &config.ConfigurationError{Field: "dispatcher.volatility_threshold", Value: raw, Reason: "must be a non-negative decimal"}
		}
		out.VolatilityThreshold = th
	}
	return out, nil
}

func mapDigestConfig(cfg *config.Config) (digest.Config, error) {
	dc := cfg.Digest
	out := digest.Config{
		Schedule: dc.Schedule,
		Symbols:  dc.Symbols,
		Timezone: dc.Timezone,
	}
	if strings.TrimSpace(dc.Segment) != "" {
		s, err := segment.Parse(dc.Segment)
		if err != nil {
			return out, fmt.Errorf("digest.segment: %w", err)
		}
		out.Segment = s
	}
	if tz := strings.TrimSpace(dc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("digest.timezone: invalid %q: %w", tz, err)
		}
	}
	return out, nil
}

func mapMarketConfig(cfg *config.Config) (market.BinanceConfig, error) {
	mc := cfg.Market
	timeout, err := config.ParseDurationOrDefault("market.timeout", mc.Timeout, 5*time.Second)
	if err != nil {
		return market.BinanceConfig{}, err
	}
	return market.BinanceConfig{BaseURL: mc.BaseURL, Timeout: timeout, RatePerSec: mc.RatePerSec}, nil
}
