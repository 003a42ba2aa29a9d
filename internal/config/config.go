// Package config loads and validates agent configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	_ "time/tzdata" // schedule timezones on hosts without a zoneinfo database

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
)

// ErrInvalid marks an operator-supplied value that was rejected before any
// connection attempt.
var ErrInvalid = errors.New("invalid configuration")

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportPubSub    = "pubsub"
	TransportKafka     = "kafka"
	TransportNATS      = "nats"
)

// Terminal source kinds.
const (
	TerminalBridge = "bridge"
	TerminalMemory = "memory"
)

// Config captures all agent configuration knobs loaded via Viper.
type Config struct {
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Transport TransportConfig `mapstructure:"transport"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Server    ServerConfig    `mapstructure:"server"`
	Events    EventsConfig    `mapstructure:"events"`
	History   HistoryConfig   `mapstructure:"history"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ProxyConfig is the WebSocket proxy address.
type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// TransportConfig selects and tunes the outbound sink.
type TransportConfig struct {
	Kind                    string  `mapstructure:"kind"`
	MaxMessageBytes         int64   `mapstructure:"max_message_bytes"`
	HandshakeTimeoutSeconds int     `mapstructure:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int     `mapstructure:"write_timeout_seconds"`
	SendRate                float64 `mapstructure:"send_rate"`
	SendBurst               int     `mapstructure:"send_burst"`
}

// PubSubConfig holds the Pub/Sub topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig holds the Kafka brokers and topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// NATSConfig holds the NATS server and subject prefix.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	MaxReconnect  int    `mapstructure:"max_reconnect"`
}

// TerminalConfig selects the MT5 data source.
type TerminalConfig struct {
	Kind           string `mapstructure:"kind"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	FixturePath    string `mapstructure:"fixture_path"`
	Login          int64  `mapstructure:"login"`
}

// SyncConfig sizes batches and the rate history depth.
type SyncConfig struct {
	SymbolBatchSize int    `mapstructure:"symbol_batch_size"`
	RateBatchSize   int    `mapstructure:"rate_batch_size"`
	RateCount       int    `mapstructure:"rate_count"`
	Timeframe       string `mapstructure:"timeframe"`
}

// ScheduleConfig controls the recurring symbol sync.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Spec     string `mapstructure:"spec"`
	Timezone string `mapstructure:"timezone"`
}

// ServerConfig controls the local control API.
type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig defines control API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EventsConfig sizes the UI event queue.
type EventsConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// HistoryConfig selects run-history storage. An empty DSN keeps history in memory.
type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
	Limit int    `mapstructure:"limit"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	LogEnabled     bool `mapstructure:"log_enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MTAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port", 443)
	v.SetDefault("transport.kind", TransportWebSocket)
	v.SetDefault("transport.max_message_bytes", 1<<24)
	v.SetDefault("transport.handshake_timeout_seconds", 10)
	v.SetDefault("transport.write_timeout_seconds", 30)
	v.SetDefault("transport.send_rate", 0)
	v.SetDefault("transport.send_burst", 1)
	v.SetDefault("nats.subject_prefix", "mt5")
	v.SetDefault("nats.max_reconnect", 10)
	v.SetDefault("terminal.kind", TerminalBridge)
	v.SetDefault("terminal.base_url", "http://127.0.0.1:8228")
	v.SetDefault("terminal.timeout_seconds", 60)
	v.SetDefault("terminal.login", 0)
	v.SetDefault("sync.symbol_batch_size", 500)
	v.SetDefault("sync.rate_batch_size", 5000)
	v.SetDefault("sync.rate_count", 100000)
	v.SetDefault("sync.timeframe", string(terminal.TimeframeM1))
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.spec", "0 20 * * 6")
	v.SetDefault("schedule.timezone", "Asia/Tehran")
	v.SetDefault("server.port", 8080)
	v.SetDefault("events.capacity", 256)
	v.SetDefault("history.table", "sync_runs")
	v.SetDefault("history.limit", 1000)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. Every error wraps
// ErrInvalid.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Proxy.Host != "" {
		if err := ValidateAddress(c.Proxy.Host, c.Proxy.Port); err != nil {
			return err
		}
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := c.validateTerminal(); err != nil {
		return err
	}
	if c.Sync.SymbolBatchSize <= 0 {
		return errors.New("sync.symbol_batch_size must be > 0")
	}
	if c.Sync.RateBatchSize <= 0 {
		return errors.New("sync.rate_batch_size must be > 0")
	}
	if c.Sync.RateCount <= 0 {
		return errors.New("sync.rate_count must be > 0")
	}
	if _, err := terminal.ParseTimeframe(c.Sync.Timeframe); err != nil {
		return fmt.Errorf("sync.timeframe: %w", err)
	}
	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
			return fmt.Errorf("schedule.spec: %w", err)
		}
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be in 1..65535")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return errors.New("server.auth.api_key must be set when auth is enabled")
	}
	if c.Events.Capacity <= 0 {
		return errors.New("events.capacity must be > 0")
	}
	return nil
}

func (c Config) validateTransport() error {
	t := c.Transport
	if t.MaxMessageBytes <= 0 {
		return errors.New("transport.max_message_bytes must be > 0")
	}
	if t.SendRate < 0 {
		return errors.New("transport.send_rate must be >= 0")
	}
	switch t.Kind {
	case TransportWebSocket:
	case TransportPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return errors.New("pubsub.project_id and pubsub.topic_name are required for the pubsub transport")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return errors.New("kafka.brokers and kafka.topic are required for the kafka transport")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return errors.New("nats.url is required for the nats transport")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", t.Kind)
	}
	return nil
}

func (c Config) validateTerminal() error {
	switch c.Terminal.Kind {
	case TerminalBridge:
		if c.Terminal.BaseURL == "" {
			return errors.New("terminal.base_url is required for the bridge terminal")
		}
		if c.Terminal.TimeoutSeconds <= 0 {
			return errors.New("terminal.timeout_seconds must be > 0")
		}
	case TerminalMemory:
		if c.Terminal.FixturePath == "" && c.Terminal.Login <= 0 {
			return errors.New("terminal.fixture_path or terminal.login is required for the memory terminal")
		}
	default:
		return fmt.Errorf("unknown terminal.kind %q", c.Terminal.Kind)
	}
	return nil
}

// ValidateAddress checks a proxy host and port. Errors wrap ErrInvalid.
func ValidateAddress(host string, port int) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("%w: proxy host is required", ErrInvalid)
	}
	if strings.ContainsAny(host, "/ ?#") {
		return fmt.Errorf("%w: proxy host %q must be a bare hostname or IP", ErrInvalid, host)
	}
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return fmt.Errorf("%w: proxy host %q must not include a port", ErrInvalid, host)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: proxy port %d must be in 1..65535", ErrInvalid, port)
	}
	return nil
}

// HandshakeTimeout returns the WebSocket handshake timeout.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Transport.HandshakeTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-frame write timeout.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Transport.WriteTimeoutSeconds) * time.Second
}

// TerminalTimeout returns the bridge request timeout.
func (c Config) TerminalTimeout() time.Duration {
	return time.Duration(c.Terminal.TimeoutSeconds) * time.Second
}

// ProgressWait returns the progress hub flush interval.
func (c Config) ProgressWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
