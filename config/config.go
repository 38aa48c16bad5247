package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Stream    StreamConfig    `yaml:"stream"`
	Book      BookConfig      `yaml:"book"`
	Arbitrage ArbitrageConfig `yaml:"arbitrage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sink      SinkConfig      `yaml:"sink"`
}

type AppConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// StreamConfig drives the websocket connection and the broadcast fan-out.
type StreamConfig struct {
	Exchange             string        `yaml:"exchange"`
	BaseURL              string        `yaml:"base_url"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MessageTimeout       time.Duration `yaml:"message_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ControlBuffer        int           `yaml:"control_buffer"`
	EnableCompression    bool          `yaml:"enable_compression"`
	Backoff              BackoffConfig `yaml:"backoff"`
	Subscriptions        []string      `yaml:"subscriptions"`
}

// BackoffConfig selects the delay between reconnect attempts. The constant mode
// always waits reconnect_interval; exponential grows from it up to max_interval.
type BackoffConfig struct {
	Mode        string        `yaml:"mode"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
}

// BookConfig configures the order books and the REST snapshots that seed them.
// Market selects the product line the snapshots come from and must match the
// stream; SnapshotURL defaults per exchange and market when empty.
type BookConfig struct {
	Symbols             []string      `yaml:"symbols"`
	Market              string        `yaml:"market"`
	SnapshotURL         string        `yaml:"snapshot_url"`
	SnapshotLimit       int           `yaml:"snapshot_limit"`
	SnapshotRPS         float64       `yaml:"snapshot_rps"`
	SnapshotBurst       int           `yaml:"snapshot_burst"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	InitConcurrency     int           `yaml:"init_concurrency"`
	SlowUpdateThreshold time.Duration `yaml:"slow_update_threshold"`
	AutoResync          bool          `yaml:"auto_resync"`
}

type ArbitrageConfig struct {
	ThresholdBps    float64       `yaml:"threshold_bps"`
	MinScanInterval time.Duration `yaml:"min_scan_interval"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	DirectPairs     []DirectPair  `yaml:"direct_pairs"`
	Triangles       []Triangle    `yaml:"triangles"`
}

// DirectPair is two books quoting the same base in different quote assets.
type DirectPair struct {
	First  string  `yaml:"first"`
	Second string  `yaml:"second"`
	Size   float64 `yaml:"size"`
}

// Triangle is a three-asset cycle: Base and Alt are quoted in the same asset,
// Cross quotes Alt in units of Base's asset (e.g. BTCUSDT, ETHUSDT, ETHBTC).
type Triangle struct {
	Name     string  `yaml:"name"`
	Base     string  `yaml:"base"`
	Alt      string  `yaml:"alt"`
	Cross    string  `yaml:"cross"`
	Notional float64 `yaml:"notional"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Disabled        []string         `yaml:"disabled"`
	PublishInterval time.Duration    `yaml:"publish_interval"`
	CloudWatch      CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus      PrometheusConfig `yaml:"prometheus"`
}

type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type SinkConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

const (
	MarketSpot    = "spot"
	MarketFutures = "futures"
)

// DefaultSnapshotURL is the public REST host for an exchange and market.
func DefaultSnapshotURL(exchange, market string) string {
	switch strings.ToLower(exchange) {
	case "bybit":
		return "https://api.bybit.com"
	default:
		if market == MarketSpot {
			return "https://api.binance.com"
		}
		return "https://fapi.binance.com"
	}
}

// Default returns a configuration with every default filled in. The snapshot
// URL is left empty for LoadConfig to derive from the exchange and market.
func Default() Config {
	return Config{
		App: AppConfig{
			Name:           "marketstream",
			Version:        "dev",
			ReportInterval: time.Minute,
		},
		Stream: StreamConfig{
			Exchange:             "binance",
			BaseURL:              "wss://fstream.binance.com/ws",
			PingInterval:         30 * time.Second,
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
			MessageTimeout:       30 * time.Second,
			WriteTimeout:         10 * time.Second,
			BufferSize:           1000,
			ControlBuffer:        64,
			EnableCompression:    true,
			Backoff: BackoffConfig{
				Mode:        "constant",
				MaxInterval: time.Minute,
				Multiplier:  2,
			},
		},
		Book: BookConfig{
			Market:              MarketFutures,
			SnapshotLimit:       1000,
			SnapshotRPS:         5,
			SnapshotBurst:       1,
			RequestTimeout:      10 * time.Second,
			InitConcurrency:     8,
			SlowUpdateThreshold: 100 * time.Microsecond,
		},
		Arbitrage: ArbitrageConfig{
			ThresholdBps:    1,
			MinScanInterval: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			PublishInterval: 10 * time.Second,
			Prometheus: PrometheusConfig{
				Listen:    ":9102",
				Path:      "/metrics",
				Namespace: "marketstream",
			},
		},
		Sink: SinkConfig{
			Kafka: KafkaConfig{
				Topic:        "marketstream.events",
				BatchTimeout: 50 * time.Millisecond,
				BufferSize:   1000,
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	if config.Book.SnapshotURL == "" {
		config.Book.SnapshotURL = DefaultSnapshotURL(config.Stream.Exchange, config.Book.Market)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MARKETSTREAM_BASE_URL")); v != "" {
		cfg.Stream.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETSTREAM_SYMBOLS")); v != "" {
		cfg.Book.Symbols = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Sink.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the whole configuration.
func Validate(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if err := cfg.Stream.Validate(); err != nil {
		return err
	}
	switch cfg.Book.Market {
	case MarketSpot, MarketFutures:
	default:
		return fmt.Errorf("book.market '%s' must be spot or futures", cfg.Book.Market)
	}
	if cfg.Book.SnapshotLimit <= 0 {
		return fmt.Errorf("book.snapshot_limit must be greater than 0")
	}
	if cfg.Book.SnapshotRPS <= 0 {
		return fmt.Errorf("book.snapshot_rps must be greater than 0")
	}
	if cfg.Book.InitConcurrency <= 0 {
		return fmt.Errorf("book.init_concurrency must be greater than 0")
	}
	if cfg.Arbitrage.ThresholdBps < 0 {
		return fmt.Errorf("arbitrage.threshold_bps must not be negative")
	}
	for i, p := range cfg.Arbitrage.DirectPairs {
		if p.First == "" || p.Second == "" || p.First == p.Second {
			return fmt.Errorf("arbitrage.direct_pairs[%d] needs two distinct symbols", i)
		}
	}
	for i, tri := range cfg.Arbitrage.Triangles {
		if tri.Base == "" || tri.Alt == "" || tri.Cross == "" {
			return fmt.Errorf("arbitrage.triangles[%d] needs base, alt and cross", i)
		}
	}
	if err := checkArbitrageLegs(cfg); err != nil {
		return err
	}
	if cfg.Metrics.Prometheus.Enabled && cfg.Metrics.Prometheus.Listen == "" {
		return fmt.Errorf("metrics.prometheus.listen is required when prometheus is enabled")
	}
	if cfg.Sink.Kafka.Enabled {
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.topic is required when kafka is enabled")
		}
	}
	return nil
}

// checkArbitrageLegs rejects pairs and triangles that name a symbol without a
// book; such legs would never be quoted. It is skipped when no books are listed.
func checkArbitrageLegs(cfg *Config) error {
	if len(cfg.Book.Symbols) == 0 {
		return nil
	}
	books := make(map[string]struct{}, len(cfg.Book.Symbols))
	for _, s := range cfg.Book.Symbols {
		books[strings.ToUpper(s)] = struct{}{}
	}
	missing := func(legs ...string) string {
		for _, l := range legs {
			if _, ok := books[strings.ToUpper(l)]; !ok {
				return l
			}
		}
		return ""
	}
	for i, p := range cfg.Arbitrage.DirectPairs {
		if m := missing(p.First, p.Second); m != "" {
			return fmt.Errorf("arbitrage.direct_pairs[%d] uses %s, which is not in book.symbols", i, m)
		}
	}
	for i, tri := range cfg.Arbitrage.Triangles {
		if m := missing(tri.Base, tri.Alt, tri.Cross); m != "" {
			return fmt.Errorf("arbitrage.triangles[%d] uses %s, which is not in book.symbols", i, m)
		}
	}
	return nil
}

// Validate checks the connection settings; the stream manager calls it on start.
func (s StreamConfig) Validate() error {
	u, err := url.Parse(s.BaseURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("stream.base_url '%s' must be a ws:// or wss:// URL", s.BaseURL)
	}
	if IsProductionLike(AppEnvironment()) && u.Scheme != "wss" {
		return fmt.Errorf("stream.base_url must use wss in %s", AppEnvironment())
	}
	if s.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be greater than 0")
	}
	if s.ReconnectInterval <= 0 {
		return fmt.Errorf("stream.reconnect_interval must be greater than 0")
	}
	if s.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be greater than 0")
	}
	if s.MessageTimeout <= 0 {
		return fmt.Errorf("stream.message_timeout must be greater than 0")
	}
	if s.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be greater than 0")
	}
	switch s.Backoff.Mode {
	case "", "constant":
	case "exponential":
		if s.Backoff.Multiplier < 1 {
			return fmt.Errorf("stream.backoff.multiplier must be at least 1")
		}
	default:
		return fmt.Errorf("stream.backoff.mode '%s' is invalid", s.Backoff.Mode)
	}
	return nil
}
