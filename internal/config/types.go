package config

// Config is the root configuration document.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1h").
// Omitted fields take the values from Default().
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Dedup        DedupConfig        `json:"dedup"`
	Segmentation SegmentationConfig `json:"segmentation"`
	Content      ContentConfig      `json:"content"`
	Monitor      MonitorConfig      `json:"monitor"`
	Dispatcher   DispatcherConfig   `json:"dispatcher"`
	Digest       DigestConfig       `json:"digest"`
	Market       MarketConfig       `json:"market"`
	Gateway      GatewayConfig      `json:"gateway"`
	Storage      StorageConfig      `json:"storage"`
	Metrics      MetricsConfig      `json:"metrics"`
	EventSink    EventSinkConfig    `json:"eventsink"`
}

type LoggingConfig struct {
	Level   string            `json:"level" validate:"loglevel"`
	Console bool              `json:"console"`
	JSON    bool              `json:"json,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig drives the batching, pacing and retry engine.
type DispatchConfig struct {
	Tick               string  `json:"tick" validate:"duration"`
	MaxBatchSize       int     `json:"max_batch_size" validate:"gte=1"`
	OptimalBatchSize   int     `json:"optimal_batch_size" validate:"gte=1"`
	MinBatchSize       int     `json:"min_batch_size" validate:"gte=1,ltefield=MaxBatchSize"`
	MessagesPerMinute  int     `json:"messages_per_minute" validate:"gte=1"`
	MessagesPerSecond  float64 `json:"messages_per_second" validate:"gt=0"`
	MaxRetries         int     `json:"max_retries" validate:"gte=0"`
	RetryDelay         string  `json:"retry_delay" validate:"duration"`
	ExponentialBackoff bool    `json:"exponential_backoff"`
	ChunkDelay         string  `json:"chunk_delay" validate:"duration"`
	SendTimeout        string  `json:"send_timeout" validate:"duration"`
	MaxQueuedTasks     int     `json:"max_queued_tasks" validate:"gte=0"`

	Priorities map[string]PriorityConfig `json:"priorities" validate:"dive,keys,oneof=critical high medium low,endkeys"`
	Segments   map[string]SegmentConfig  `json:"segments" validate:"dive,keys,oneof=vip active regular inactive,endkeys"`
}

type PriorityConfig struct {
	Weight   float64 `json:"weight" validate:"gt=0"`
	MaxDelay string  `json:"max_delay" validate:"duration"`
}

type SegmentConfig struct {
	Priority  string `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	BatchSize int    `json:"batch_size" validate:"gte=0"`
}

type DedupConfig struct {
	TTL           string `json:"ttl" validate:"duration"`
	SweepInterval string `json:"sweep_interval" validate:"duration"`
	// Persist mirrors dedup entries into storage so suppression survives restarts.
	Persist bool `json:"persist"`
}

type SegmentationConfig struct {
	ProfileCacheTTL string `json:"profile_cache_ttl" validate:"duration"`
	ActiveWithin    string `json:"active_within" validate:"duration"`
	InactiveAfter   string `json:"inactive_after" validate:"duration"`
}

type ContentConfig struct {
	MaxTextLength    int `json:"max_text_length" validate:"gte=0"`
	MaxFieldLength   int `json:"max_field_length" validate:"gte=0"`
	MaxAltTextLength int `json:"max_alt_text_length" validate:"gte=0"`
	MaxDepth         int `json:"max_depth" validate:"gte=0"`
}

type MonitorConfig struct {
	Enabled          bool   `json:"enabled"`
	Interval         string `json:"interval" validate:"duration"`
	FetchConcurrency int    `json:"fetch_concurrency" validate:"gte=0"`
}

type DispatcherConfig struct {
	// VolatilityThreshold is an absolute 24h change percentage, as a decimal string.
	VolatilityThreshold   string `json:"volatility_threshold" validate:"omitempty,numeric"`
	FallbackEnabled       bool   `json:"fallback_enabled"`
	FallbackMaxRecipients int    `json:"fallback_max_recipients" validate:"gte=0"`
}

type DigestConfig struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule"`
	Symbols  []string `json:"symbols" validate:"dive,required"`
	Segment  string   `json:"segment" validate:"omitempty,oneof=vip active regular inactive"`
	Timezone string   `json:"timezone"`
}

type MarketConfig struct {
	BaseURL    string  `json:"base_url" validate:"omitempty,url"`
	Timeout    string  `json:"timeout" validate:"duration"`
	RatePerSec float64 `json:"rate_per_sec" validate:"gte=0"`
}

type GatewayConfig struct {
	Driver        string                `json:"driver" validate:"omitempty,oneof=log telegram sns"`
	MaxRecipients int                   `json:"max_recipients" validate:"gte=0"`
	Telegram      TelegramGatewayConfig `json:"telegram"`
	SNS           SNSGatewayConfig      `json:"sns"`
	Breaker       BreakerConfig         `json:"breaker"`
}

type TelegramGatewayConfig struct {
	Token      string  `json:"token"`
	ParseMode  string  `json:"parse_mode,omitempty"`
	RatePerSec float64 `json:"rate_per_sec" validate:"gte=0"`
}

type SNSGatewayConfig struct {
	Region   string `json:"region"`
	TopicARN string `json:"topic_arn,omitempty"`
}

type BreakerConfig struct {
	Enabled          bool    `json:"enabled"`
	MaxRequests      uint32  `json:"max_requests"`
	Interval         string  `json:"interval" validate:"duration"`
	Timeout          string  `json:"timeout" validate:"duration"`
	FailureThreshold float64 `json:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32  `json:"min_requests"`
}

// StorageConfig selects the persistence backend.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file at Path
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none memory sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout" validate:"duration"`
}

// MetricsConfig controls the ops HTTP listener (/metrics, /healthz, /status).
// Pprof additionally mounts /debug/pprof; keep Address on loopback when set.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address" validate:"omitempty,hostname_port"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type EventSinkConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	Topic   string   `json:"topic" validate:"required_if=Enabled true"`
}
