package config

// Default returns a configuration that runs locally without external services:
// log gateway, memory storage, monitor on, digest and event sink off.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true, File: LoggingFileConfig{Path: "./pricepush.log"}},
		Dispatch: DispatchConfig{
			Tick:               "1s",
			MaxBatchSize:       500,
			OptimalBatchSize:   500,
			MinBatchSize:       50,
			MessagesPerMinute:  6000,
			MessagesPerSecond:  20,
			MaxRetries:         3,
			RetryDelay:         "2s",
			ExponentialBackoff: true,
			ChunkDelay:         "200ms",
			SendTimeout:        "10s",
			MaxQueuedTasks:     10000,
			Priorities: map[string]PriorityConfig{
				"critical": {Weight: 4, MaxDelay: "0s"},
				"high":     {Weight: 2, MaxDelay: "5s"},
				"medium":   {Weight: 1, MaxDelay: "30s"},
				"low":      {Weight: 0.5, MaxDelay: "5m"},
			},
			Segments: map[string]SegmentConfig{
				"vip":      {Priority: "high", BatchSize: 100},
				"active":   {Priority: "medium", BatchSize: 500},
				"regular":  {Priority: "medium", BatchSize: 500},
				"inactive": {Priority: "low", BatchSize: 500},
			},
		},
		Dedup:        DedupConfig{TTL: "1h", SweepInterval: "5m"},
		Segmentation: SegmentationConfig{ProfileCacheTTL: "10m", ActiveWithin: "168h", InactiveAfter: "720h"},
		Content:      ContentConfig{MaxTextLength: 2000, MaxFieldLength: 160, MaxAltTextLength: 400, MaxDepth: 5},
		Monitor:      MonitorConfig{Enabled: true, Interval: "30s", FetchConcurrency: 4},
		Dispatcher:   DispatcherConfig{VolatilityThreshold: "10", FallbackEnabled: true, FallbackMaxRecipients: 25},
		Digest:       DigestConfig{Schedule: "0 8 * * *", Symbols: []string{"BTCUSDT"}, Segment: "active", Timezone: "UTC"},
		Market:       MarketConfig{BaseURL: "https://api.binance.com", Timeout: "5s", RatePerSec: 10},
		Gateway: GatewayConfig{
			Driver:        "log",
			MaxRecipients: 500,
			Telegram:      TelegramGatewayConfig{RatePerSec: 25},
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxRequests:      3,
				Interval:         "30s",
				Timeout:          "60s",
				FailureThreshold: 0.6,
				MinRequests:      5,
			},
		},
		Storage:   StorageConfig{Driver: "memory", Path: "./data/pricepush.db", BusyTimeout: "5s"},
		Metrics:   MetricsConfig{Enabled: true, Address: "127.0.0.1:9090"},
		EventSink: EventSinkConfig{Topic: "pricepush.dispatch"},
	}
}
