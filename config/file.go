package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type intervalKind int

const (
	intervalUnset intervalKind = iota
	intervalExplicit
	intervalManual
)

// IntervalSetting encapsulates the flush interval allowing both duration and
// symbolic values. "manual" disables the periodic timer entirely.
type IntervalSetting struct {
	kind  intervalKind
	value time.Duration
}

// IntervalEvery returns an explicit periodic flush interval.
func IntervalEvery(d time.Duration) IntervalSetting {
	return IntervalSetting{kind: intervalExplicit, value: d}
}

// IntervalManual returns the setting that disables the periodic timer.
func IntervalManual() IntervalSetting {
	return IntervalSetting{kind: intervalManual, value: 0}
}

// ParseInterval parses a duration string or the symbolic value "manual".
func ParseInterval(raw string) (IntervalSetting, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return IntervalSetting{kind: intervalUnset, value: 0}, nil
	}
	if strings.EqualFold(text, "manual") {
		return IntervalManual(), nil
	}
	dur, err := time.ParseDuration(text)
	if err != nil {
		return IntervalSetting{}, fmt.Errorf("interval: invalid value %q", raw)
	}
	if dur <= 0 {
		return IntervalSetting{}, fmt.Errorf("interval: duration must be > 0")
	}
	return IntervalEvery(dur), nil
}

// UnmarshalYAML supports duration strings and the symbolic value "manual".
func (s *IntervalSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = IntervalSetting{kind: intervalUnset, value: 0}
		return nil
	}
	parsed, err := ParseInterval(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Every returns the effective flush period and whether the timer is enabled.
// Unset settings fall back to the default 30s period.
func (s IntervalSetting) Every() (time.Duration, bool) {
	switch s.kind {
	case intervalExplicit:
		return s.value, true
	case intervalManual:
		return 0, false
	default:
		return 30 * time.Second, true
	}
}

// Manual reports whether the periodic timer is disabled.
func (s IntervalSetting) Manual() bool {
	return s.kind == intervalManual
}

// Duration decodes YAML scalars like "500ms" into a typed duration.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	if parsed < 0 {
		return fmt.Errorf("duration: must be >= 0")
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var destinationNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// LoadFile reads a YAML document and overlays it onto the default Settings.
func LoadFile(path string) (Settings, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Settings{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Normalise adjusts fields with derived defaults and trims whitespace.
func (s *Settings) Normalise() {
	if s == nil {
		return
	}
	s.Destinations.Events = strings.TrimSpace(s.Destinations.Events)
	s.Destinations.Snapshots = strings.TrimSpace(s.Destinations.Snapshots)
	s.Destinations.Mutations = strings.TrimSpace(s.Destinations.Mutations)

	s.Sink.Mode = Mode(strings.ToLower(strings.TrimSpace(string(s.Sink.Mode))))
	if s.Sink.Mode == "" {
		s.Sink.Mode = ModeStdout
	}
	s.Sink.HTTP.BaseURL = strings.TrimSpace(s.Sink.HTTP.BaseURL)
	s.Sink.Stream.URL = strings.TrimSpace(s.Sink.Stream.URL)
	s.Telemetry.OTLPEndpoint = strings.TrimSpace(s.Telemetry.OTLPEndpoint)
	s.Telemetry.ServiceName = strings.TrimSpace(s.Telemetry.ServiceName)

	if s.Flush.MaxBatchSize <= 0 {
		s.Flush.MaxBatchSize = 100
	}
	if s.Retry.MaxRetries <= 0 {
		s.Retry.MaxRetries = 3
	}
	if s.Retry.BaseDelay <= 0 {
		s.Retry.BaseDelay = Duration(500 * time.Millisecond)
	}
	if s.Retry.RateLimitCooldown <= 0 {
		s.Retry.RateLimitCooldown = Duration(5 * time.Second)
	}
	if s.Breaker.FailureThreshold <= 0 {
		s.Breaker.FailureThreshold = 5
	}
	if s.Breaker.Cooldown <= 0 {
		s.Breaker.Cooldown = Duration(60 * time.Second)
	}

	s.Sink.Database.DSN = strings.TrimSpace(s.Sink.Database.DSN)
	if s.Sink.Database.MaxConns <= 0 {
		s.Sink.Database.MaxConns = 8
	}
	if s.Sink.Database.MinConns <= 0 {
		s.Sink.Database.MinConns = 1
	}
	if s.Sink.Database.MinConns > s.Sink.Database.MaxConns {
		s.Sink.Database.MinConns = s.Sink.Database.MaxConns
	}
	if s.Sink.Database.MaxConnLifetime <= 0 {
		s.Sink.Database.MaxConnLifetime = Duration(30 * time.Minute)
	}
	if s.Sink.Database.MaxConnIdleTime <= 0 {
		s.Sink.Database.MaxConnIdleTime = Duration(5 * time.Minute)
	}
	if s.Sink.Database.HealthCheckPeriod <= 0 {
		s.Sink.Database.HealthCheckPeriod = Duration(30 * time.Second)
	}

	if s.Sink.HTTP.Timeout <= 0 {
		s.Sink.HTTP.Timeout = Duration(10 * time.Second)
	}
	if s.Sink.HTTP.RequestsPerSecond <= 0 {
		s.Sink.HTTP.RequestsPerSecond = 8
	}
	if s.Sink.HTTP.Burst <= 0 {
		s.Sink.HTTP.Burst = 1
	}
	if s.Sink.HTTP.CompressMinBytes <= 0 {
		s.Sink.HTTP.CompressMinBytes = 1024
	}
	if s.Sink.Stream.HandshakeTimeout <= 0 {
		s.Sink.Stream.HandshakeTimeout = Duration(10 * time.Second)
	}
	if s.Sink.Stream.AckTimeout <= 0 {
		s.Sink.Stream.AckTimeout = Duration(15 * time.Second)
	}
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = "courier"
	}
}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	if s.Flush.MaxBatchSize <= 0 {
		return fmt.Errorf("flush maxBatchSize must be >0")
	}
	if s.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry maxRetries must be >0")
	}
	if s.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry baseDelay must be >0")
	}
	if s.Retry.RateLimitCooldown <= 0 {
		return fmt.Errorf("retry rateLimitCooldown must be >0")
	}
	if s.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failureThreshold must be >0")
	}
	if s.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be >0")
	}

	for _, table := range s.Destinations.Tables() {
		if strings.TrimSpace(table) == "" {
			return fmt.Errorf("destinations must name a table per record kind")
		}
		if !destinationNamePattern.MatchString(table) {
			return fmt.Errorf("destination %q must match %s", table, destinationNamePattern.String())
		}
	}

	switch s.Sink.Mode {
	case ModeStdout:
	case ModeHTTP:
		if s.Sink.HTTP.BaseURL == "" {
			return fmt.Errorf("sink http baseURL required")
		}
	case ModePostgres:
		if s.Sink.Database.DSN == "" {
			return fmt.Errorf("sink database dsn required")
		}
	case ModeStream:
		if s.Sink.Stream.URL == "" {
			return fmt.Errorf("sink stream url required")
		}
	default:
		return fmt.Errorf("sink mode must be one of stdout, http, postgres, stream")
	}

	if strings.TrimSpace(s.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
