// Package config centralises runtime configuration for the Courier pipeline.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects which sink implementation the host wires in.
type Mode string

const (
	// ModeStdout logs batches locally instead of delivering them.
	ModeStdout Mode = "stdout"
	// ModeHTTP delivers batches to the HTTP ingest endpoint.
	ModeHTTP Mode = "http"
	// ModePostgres inserts batches directly into the analytics database.
	ModePostgres Mode = "postgres"
	// ModeStream delivers batches over a persistent websocket session.
	ModeStream Mode = "stream"
)

// FlushConfig controls the periodic flush timer and batch sizing.
type FlushConfig struct {
	Interval     IntervalSetting `yaml:"interval"`
	MaxBatchSize int             `yaml:"maxBatchSize"`
}

// RetryConfig bounds per-batch delivery attempts.
type RetryConfig struct {
	MaxRetries        int      `yaml:"maxRetries"`
	BaseDelay         Duration `yaml:"baseDelay"`
	RateLimitCooldown Duration `yaml:"rateLimitCooldown"`
}

// BreakerConfig controls the delivery circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// DeadLetterConfig bounds the in-memory dead-letter queue.
// Capacity <= 0 means unbounded.
type DeadLetterConfig struct {
	Capacity int `yaml:"capacity"`
}

// Destinations names the remote table each record kind is delivered to.
type Destinations struct {
	Events    string `yaml:"events"`
	Snapshots string `yaml:"snapshots"`
	Mutations string `yaml:"mutations"`
}

// ForKind returns the destination table for a record kind string.
func (d Destinations) ForKind(kind string) string {
	switch kind {
	case "event":
		return d.Events
	case "snapshot":
		return d.Snapshots
	case "mutation":
		return d.Mutations
	default:
		return ""
	}
}

// Tables lists the configured destination tables.
func (d Destinations) Tables() []string {
	return []string{d.Events, d.Snapshots, d.Mutations}
}

// HTTPSinkConfig configures the HTTP ingest sink.
type HTTPSinkConfig struct {
	BaseURL           string   `yaml:"baseURL"`
	APIKey            string   `yaml:"apiKey"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
	CompressMinBytes  int      `yaml:"compressMinBytes"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string   `yaml:"dsn"`
	MaxConns          int32    `yaml:"maxConns"`
	MinConns          int32    `yaml:"minConns"`
	MaxConnLifetime   Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool     `yaml:"runMigrations"`
}

// StreamSinkConfig configures the websocket streaming sink.
type StreamSinkConfig struct {
	URL              string   `yaml:"url"`
	HandshakeTimeout Duration `yaml:"handshakeTimeout"`
	AckTimeout       Duration `yaml:"ackTimeout"`
}

// SinkConfig aggregates per-mode sink settings.
type SinkConfig struct {
	Mode     Mode             `yaml:"mode"`
	HTTP     HTTPSinkConfig   `yaml:"http"`
	Database DatabaseConfig   `yaml:"database"`
	Stream   StreamSinkConfig `yaml:"stream"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// Settings contains the Courier configuration tree loaded from defaults and overrides.
type Settings struct {
	Enabled      bool             `yaml:"enabled"`
	Flush        FlushConfig      `yaml:"flush"`
	Retry        RetryConfig      `yaml:"retry"`
	Breaker      BreakerConfig    `yaml:"breaker"`
	DeadLetter   DeadLetterConfig `yaml:"deadLetter"`
	Destinations Destinations     `yaml:"destinations"`
	Sink         SinkConfig       `yaml:"sink"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the default Courier configuration.
func Default() Settings {
	return Settings{
		Enabled: true,
		Flush: FlushConfig{
			Interval:     IntervalEvery(30 * time.Second),
			MaxBatchSize: 100,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         Duration(500 * time.Millisecond),
			RateLimitCooldown: Duration(5 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(60 * time.Second),
		},
		DeadLetter: DeadLetterConfig{Capacity: 1000},
		Destinations: Destinations{
			Events:    "usage_events",
			Snapshots: "structure_snapshots",
			Mutations: "mutation_logs",
		},
		Sink: SinkConfig{
			Mode: ModeStdout,
			HTTP: HTTPSinkConfig{
				BaseURL:           "",
				APIKey:            "",
				Timeout:           Duration(10 * time.Second),
				RequestsPerSecond: 8,
				Burst:             1,
				CompressMinBytes:  1024,
			},
			Database: DatabaseConfig{
				DSN:               "postgresql://localhost:5432/courier",
				MaxConns:          8,
				MinConns:          1,
				MaxConnLifetime:   Duration(30 * time.Minute),
				MaxConnIdleTime:   Duration(5 * time.Minute),
				HealthCheckPeriod: Duration(30 * time.Second),
				RunMigrations:     false,
			},
			Stream: StreamSinkConfig{
				URL:              "",
				HandshakeTimeout: Duration(10 * time.Second),
				AckTimeout:       Duration(15 * time.Second),
			},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "courier",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return OverlayEnv(Default())
}

// OverlayEnv applies COURIER_* environment variables on top of cfg.
func OverlayEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("COURIER_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_FLUSH_INTERVAL")); v != "" {
		if setting, err := ParseInterval(v); err == nil {
			cfg.Flush.Interval = setting
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_MAX_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Flush.MaxBatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_BASE_RETRY_DELAY")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Retry.BaseDelay = Duration(dur)
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_RATE_LIMIT_COOLDOWN")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Retry.RateLimitCooldown = Duration(dur)
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_FAILURE_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_BREAKER_COOLDOWN")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Breaker.Cooldown = Duration(dur)
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_DLQ_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadLetter.Capacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_EVENTS_TABLE")); v != "" {
		cfg.Destinations.Events = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_SNAPSHOTS_TABLE")); v != "" {
		cfg.Destinations.Snapshots = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_MUTATIONS_TABLE")); v != "" {
		cfg.Destinations.Mutations = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_SINK_MODE")); v != "" {
		cfg.Sink.Mode = Mode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_INGEST_BASE_URL")); v != "" {
		cfg.Sink.HTTP.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_INGEST_API_KEY")); v != "" {
		cfg.Sink.HTTP.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_INGEST_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Sink.HTTP.Timeout = Duration(dur)
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_DATABASE_DSN")); v != "" {
		cfg.Sink.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_STREAM_URL")); v != "" {
		cfg.Sink.Stream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_OTLP_INSECURE")); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.OTLPInsecure = insecure
		}
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_ENABLE_METRICS")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.EnableMetrics = enabled
		}
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnabled toggles the whole pipeline.
func WithEnabled(enabled bool) Option {
	return func(s *Settings) {
		s.Enabled = enabled
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(interval time.Duration) Option {
	return func(s *Settings) {
		if interval > 0 {
			s.Flush.Interval = IntervalEvery(interval)
		}
	}
}

// WithManualFlush disables the periodic flush timer; only explicit Flush calls deliver.
func WithManualFlush() Option {
	return func(s *Settings) {
		s.Flush.Interval = IntervalManual()
	}
}

// WithMaxBatchSize caps the number of records per delivered batch.
func WithMaxBatchSize(size int) Option {
	return func(s *Settings) {
		if size > 0 {
			s.Flush.MaxBatchSize = size
		}
	}
}

// WithRetry configures the per-batch retry budget.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *Settings) {
		if maxRetries > 0 {
			s.Retry.MaxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.Retry.BaseDelay = Duration(baseDelay)
		}
	}
}

// WithRateLimitCooldown sets the wait applied after a rate-limited attempt.
func WithRateLimitCooldown(cooldown time.Duration) Option {
	return func(s *Settings) {
		if cooldown > 0 {
			s.Retry.RateLimitCooldown = Duration(cooldown)
		}
	}
}

// WithBreaker configures the circuit breaker threshold and cooldown.
func WithBreaker(failureThreshold int, cooldown time.Duration) Option {
	return func(s *Settings) {
		if failureThreshold > 0 {
			s.Breaker.FailureThreshold = failureThreshold
		}
		if cooldown > 0 {
			s.Breaker.Cooldown = Duration(cooldown)
		}
	}
}

// WithDeadLetterCapacity bounds the dead-letter queue.
func WithDeadLetterCapacity(capacity int) Option {
	return func(s *Settings) {
		s.DeadLetter.Capacity = capacity
	}
}

// WithDestinations overrides the destination tables per record kind.
func WithDestinations(events, snapshots, mutations string) Option {
	events = strings.TrimSpace(events)
	snapshots = strings.TrimSpace(snapshots)
	mutations = strings.TrimSpace(mutations)
	return func(s *Settings) {
		if events != "" {
			s.Destinations.Events = events
		}
		if snapshots != "" {
			s.Destinations.Snapshots = snapshots
		}
		if mutations != "" {
			s.Destinations.Mutations = mutations
		}
	}
}

// WithHTTPIngest points the HTTP sink at an ingest endpoint.
func WithHTTPIngest(baseURL, apiKey string) Option {
	baseURL = strings.TrimSpace(baseURL)
	apiKey = strings.TrimSpace(apiKey)
	return func(s *Settings) {
		s.Sink.Mode = ModeHTTP
		if baseURL != "" {
			s.Sink.HTTP.BaseURL = baseURL
		}
		if apiKey != "" {
			s.Sink.HTTP.APIKey = apiKey
		}
	}
}

// WithDatabaseDSN points the Postgres sink at the analytics database.
func WithDatabaseDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(s *Settings) {
		s.Sink.Mode = ModePostgres
		if dsn != "" {
			s.Sink.Database.DSN = dsn
		}
	}
}

// WithStreamURL points the streaming sink at a websocket collector.
func WithStreamURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		s.Sink.Mode = ModeStream
		if url != "" {
			s.Sink.Stream.URL = url
		}
	}
}
