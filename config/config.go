// Package config loads peerbus settings from TOML.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. Durations are strings such as "250ms" or "5s".
//
//	[attachment]
//	name = "thermostat"
//	call_timeout = "10s"
//
//	[router]
//	url = "nats://localhost:4222"
//	retries = 5
//
//	[discovery]
//	backend = "jetstream"
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/peerbus/bus"
	"github.com/vinayprograms/peerbus/discovery"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/telemetry"
)

// Discovery backends.
const (
	BackendBroadcast = "broadcast"
	BackendJetStream = "jetstream"
)

// Duration is a time.Duration written as a string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete configuration of an attachment process or busd.
type Config struct {
	Attachment AttachmentConfig `toml:"attachment"`
	Router     RouterConfig     `toml:"router"`
	Hub        HubConfig        `toml:"hub"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// AttachmentConfig tunes a bus attachment.
type AttachmentConfig struct {
	Name               string   `toml:"name"`
	Workers            int      `toml:"workers"`
	QueueSize          int      `toml:"queue_size"`
	CallTimeout        Duration `toml:"call_timeout"`
	JoinTimeout        Duration `toml:"join_timeout"`
	MalformedThreshold int      `toml:"malformed_threshold"`
	MalformedWindow    Duration `toml:"malformed_window"`
	QuarantinePeriod   Duration `toml:"quarantine_period"`
	MaxBodyBytes       int      `toml:"max_body_bytes"`
}

// RouterConfig selects the routing node. The URL scheme picks the
// transport: ws:// or wss:// for busd, nats:// or tls:// for NATS.
type RouterConfig struct {
	URL            string   `toml:"url"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	Retries        int      `toml:"retries"`
	RetryInterval  Duration `toml:"retry_interval"`
	Token          string   `toml:"token"`
}

// HubConfig configures the busd websocket hub.
type HubConfig struct {
	Listen         string   `toml:"listen"`
	Path           string   `toml:"path"`
	SendBuffer     int      `toml:"send_buffer"`
	MaxMessageSize int64    `toml:"max_message_size"`
	PingInterval   Duration `toml:"ping_interval"`
	WriteTimeout   Duration `toml:"write_timeout"`
}

// DiscoveryConfig selects and tunes the discovery directory.
type DiscoveryConfig struct {
	Backend     string   `toml:"backend"`
	Bucket      string   `toml:"bucket"`
	Replicas    int      `toml:"replicas"`
	TTL         Duration `toml:"ttl"`
	Readvertise Duration `toml:"readvertise"`
}

// HeartbeatConfig tunes peer liveness.
type HeartbeatConfig struct {
	Interval Duration `toml:"interval"`
	Timeout  Duration `toml:"timeout"`
}

// LogConfig sets log output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig enables the Prometheus endpoint. An empty Listen disables
// it.
type MetricsConfig struct {
	Listen  string `toml:"listen"`
	Runtime bool   `toml:"runtime"`
}

// TelemetryConfig enables OTLP trace export. An empty Endpoint disables
// it unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
	Debug       bool    `toml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	bc := bus.DefaultConfig()
	dc := discovery.DefaultConfig()
	kv := discovery.DefaultKVConfig()
	ws := router.DefaultWebSocketConfig()
	retry := router.DefaultRetryPolicy()
	return &Config{
		Attachment: AttachmentConfig{
			Name:               "peerbus",
			Workers:            bc.Workers,
			QueueSize:          bc.QueueSize,
			CallTimeout:        Duration{bc.CallTimeout},
			JoinTimeout:        Duration{bc.JoinTimeout},
			MalformedThreshold: bc.MalformedThreshold,
			MalformedWindow:    Duration{bc.MalformedWindow},
			QuarantinePeriod:   Duration{bc.QuarantinePeriod},
			MaxBodyBytes:       bc.Limits.MaxBodyBytes,
		},
		Router: RouterConfig{
			URL:            "ws://localhost:8080/bus",
			ConnectTimeout: Duration{5 * time.Second},
			Retries:        retry.MaxAttempts,
			RetryInterval:  Duration{retry.InitialInterval},
		},
		Hub: HubConfig{
			Listen:         ":8080",
			Path:           "/bus",
			SendBuffer:     ws.SendBufferSize,
			MaxMessageSize: ws.MaxMessageSize,
			PingInterval:   Duration{ws.PingInterval},
			WriteTimeout:   Duration{ws.WriteTimeout},
		},
		Discovery: DiscoveryConfig{
			Backend:     BackendBroadcast,
			Bucket:      kv.Bucket,
			Replicas:    kv.Replicas,
			TTL:         Duration{dc.TTL},
			Readvertise: Duration{dc.Readvertise},
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration{bc.HeartbeatInterval},
			Timeout:  Duration{bc.HeartbeatTimeout},
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatConsole),
		},
		Metrics: MetricsConfig{
			Listen:  ":9090",
			Runtime: true,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "peerbus",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeNotFound, "read config "+path)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, buserr.Wrap(err, "load config "+path)
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeInvalidArgument, "parse config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, buserr.InvalidArgument("unknown config keys: " + strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, buserr.InvalidArgument(fmt.Sprintf(format, args...)))
	}

	a := c.Attachment
	if strings.TrimSpace(a.Name) == "" {
		bad("attachment.name is empty")
	}
	if a.Workers <= 0 {
		bad("attachment.workers must be positive, got %d", a.Workers)
	}
	if a.QueueSize <= 0 {
		bad("attachment.queue_size must be positive, got %d", a.QueueSize)
	}
	if a.CallTimeout.Duration <= 0 {
		bad("attachment.call_timeout must be positive")
	}
	if a.JoinTimeout.Duration <= 0 {
		bad("attachment.join_timeout must be positive")
	}
	if a.MalformedThreshold <= 0 {
		bad("attachment.malformed_threshold must be positive, got %d", a.MalformedThreshold)
	}
	if a.MaxBodyBytes < 0 {
		bad("attachment.max_body_bytes is negative")
	}

	if _, err := c.Router.scheme(); err != nil {
		errs = append(errs, err)
	}
	if c.Router.Retries < 0 {
		bad("router.retries is negative")
	}

	if c.Hub.Path == "" || !strings.HasPrefix(c.Hub.Path, "/") {
		bad("hub.path %q must start with /", c.Hub.Path)
	}

	switch c.Discovery.Backend {
	case BackendBroadcast:
	case BackendJetStream:
		if c.Discovery.Bucket == "" {
			bad("discovery.bucket is empty")
		}
		if c.Discovery.Replicas < 1 || c.Discovery.Replicas > 5 {
			bad("discovery.replicas must be 1..5, got %d", c.Discovery.Replicas)
		}
		if s, err := c.Router.scheme(); err == nil && s != "nats" && s != "tls" {
			bad("discovery.backend %q needs a nats router url", BackendJetStream)
		}
	default:
		bad("discovery.backend %q is not %s or %s", c.Discovery.Backend, BackendBroadcast, BackendJetStream)
	}
	if c.Discovery.Readvertise.Duration >= c.Discovery.TTL.Duration {
		bad("discovery.readvertise (%s) must be shorter than discovery.ttl (%s)",
			c.Discovery.Readvertise.Duration, c.Discovery.TTL.Duration)
	}

	if c.Heartbeat.Interval.Duration <= 0 {
		bad("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout.Duration <= c.Heartbeat.Interval.Duration {
		bad("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout.Duration, c.Heartbeat.Interval.Duration)
	}

	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		bad("log.level %q is not debug, info, warn or error", c.Log.Level)
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		bad("log.format %q is not console or json", c.Log.Format)
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		bad("telemetry.protocol %q is not grpc or http", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		bad("telemetry.sample_ratio must be within 0..1")
	}
	return buserr.Join(errs...)
}

var levels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

func (r RouterConfig) scheme() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return "", buserr.InvalidArgument(fmt.Sprintf("router.url %q is not a valid url", r.URL))
	}
	switch u.Scheme {
	case "ws", "wss", "nats", "tls":
		return u.Scheme, nil
	}
	return "", buserr.InvalidArgument(fmt.Sprintf("router.url scheme %q is not ws, wss, nats or tls", u.Scheme))
}

// Logger builds the root logger.
func (c *Config) Logger() *logging.Logger {
	l := logging.New()
	l.SetLevel(logging.ParseLevel(c.Log.Level))
	l.SetFormat(logging.Format(c.Log.Format))
	return l
}

// Dialer builds the routing node dialer for Router.URL.
func (c *Config) Dialer() (router.Dialer, error) {
	scheme, err := c.Router.scheme()
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "nats", "tls":
		nc := router.DefaultNATSConfig()
		nc.URL = c.Router.URL
		nc.Name = c.Attachment.Name
		nc.Token = c.Router.Token
		if c.Router.ConnectTimeout.Duration > 0 {
			nc.ConnectTimeout = c.Router.ConnectTimeout.Duration
		}
		return router.NewNATSDialer(nc), nil
	default:
		return router.NewWSDialer(c.Router.URL, c.WebSocket()), nil
	}
}

// WebSocket returns the websocket settings shared by the hub and its
// clients.
func (c *Config) WebSocket() router.WebSocketConfig {
	ws := router.DefaultWebSocketConfig()
	ws.SendBufferSize = c.Hub.SendBuffer
	ws.MaxMessageSize = c.Hub.MaxMessageSize
	ws.PingInterval = c.Hub.PingInterval.Duration
	if c.Hub.WriteTimeout.Duration > 0 {
		ws.WriteTimeout = c.Hub.WriteTimeout.Duration
	}
	return ws
}

// DiscoveryFactory returns the directory factory for the configured
// backend.
func (c *Config) DiscoveryFactory() discovery.Factory {
	if c.Discovery.Backend == BackendJetStream {
		return discovery.JetStream(discovery.KVConfig{
			Bucket:   c.Discovery.Bucket,
			Replicas: c.Discovery.Replicas,
		})
	}
	return discovery.Broadcast()
}

// AttachmentOptions converts the configuration into bus options. Logger,
// metrics and tracer are wired by the caller.
func (c *Config) AttachmentOptions() []bus.Option {
	a := c.Attachment
	bc := bus.DefaultConfig()
	bc.Workers = a.Workers
	bc.QueueSize = a.QueueSize
	bc.CallTimeout = a.CallTimeout.Duration
	bc.JoinTimeout = a.JoinTimeout.Duration
	bc.MalformedThreshold = a.MalformedThreshold
	bc.MalformedWindow = a.MalformedWindow.Duration
	bc.QuarantinePeriod = a.QuarantinePeriod.Duration
	bc.HeartbeatInterval = c.Heartbeat.Interval.Duration
	bc.HeartbeatTimeout = c.Heartbeat.Timeout.Duration
	bc.Discovery = c.DiscoveryFactory()
	bc.DiscoveryTTL = c.Discovery.TTL.Duration
	bc.Readvertise = c.Discovery.Readvertise.Duration
	if a.MaxBodyBytes > 0 {
		bc.Limits.MaxBodyBytes = a.MaxBodyBytes
	}

	opts := []bus.Option{bus.WithConfig(bc)}
	if c.Router.Retries > 1 {
		policy := router.DefaultRetryPolicy()
		policy.MaxAttempts = c.Router.Retries
		if c.Router.RetryInterval.Duration > 0 {
			policy.InitialInterval = c.Router.RetryInterval.Duration
		}
		opts = append(opts, bus.WithRetry(policy))
	}
	return opts
}

// Provider returns the OTLP provider settings, or false when tracing is
// not configured.
func (c *Config) Provider(version string) (telemetry.ProviderConfig, bool) {
	t := c.Telemetry
	if t.Endpoint == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return telemetry.ProviderConfig{}, false
	}
	return telemetry.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		Debug:          t.Debug,
		SampleRatio:    t.SampleRatio,
	}, true
}
