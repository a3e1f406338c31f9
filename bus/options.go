package bus

import (
	"time"

	"github.com/vinayprograms/peerbus/discovery"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/metrics"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/telemetry"
	"github.com/vinayprograms/peerbus/wire"
)

// Config holds attachment settings.
type Config struct {
	// Workers bounds the dispatch pool running handlers and listeners.
	// Default: 64
	Workers int

	// QueueSize bounds the inbound queue. Messages beyond it are dropped.
	// Default: 4096
	QueueSize int

	// CallTimeout applies to method calls made without an explicit one.
	// Default: 25 seconds
	CallTimeout time.Duration

	// JoinTimeout bounds JoinSession when the context has no earlier
	// deadline.
	// Default: 30 seconds
	JoinTimeout time.Duration

	// MalformedThreshold is the number of malformed messages a sender may
	// send within MalformedWindow before it is quarantined.
	// Default: 10 within 1 minute
	MalformedThreshold int
	MalformedWindow    time.Duration

	// QuarantinePeriod is the minimum time a quarantined sender stays
	// blocked. It is released on the first beacon seen afterwards.
	// Default: 30 seconds
	QuarantinePeriod time.Duration

	// HeartbeatInterval and HeartbeatTimeout drive peer liveness.
	// Defaults: 5 seconds and 15 seconds
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Discovery builds the directory for each connection.
	// Default: discovery.Broadcast()
	Discovery discovery.Factory

	// DiscoveryTTL and Readvertise tune the directory.
	DiscoveryTTL time.Duration
	Readvertise  time.Duration

	// Retry makes Connect retry failed dials. Nil dials once.
	Retry *router.RetryPolicy

	// Limits bound inbound message sizes.
	Limits wire.Limits
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	dc := discovery.DefaultConfig()
	return Config{
		Workers:            64,
		QueueSize:          4096,
		CallTimeout:        25 * time.Second,
		JoinTimeout:        30 * time.Second,
		MalformedThreshold: 10,
		MalformedWindow:    time.Minute,
		QuarantinePeriod:   30 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatTimeout:   15 * time.Second,
		Discovery:          discovery.Broadcast(),
		DiscoveryTTL:       dc.TTL,
		Readvertise:        dc.Readvertise,
		Limits:             wire.DefaultLimits(),
	}
}

// Option configures an Attachment.
type Option func(*Attachment)

// WithConfig replaces the whole configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(a *Attachment) {
		def := DefaultConfig()
		if cfg.Workers <= 0 {
			cfg.Workers = def.Workers
		}
		if cfg.QueueSize <= 0 {
			cfg.QueueSize = def.QueueSize
		}
		if cfg.CallTimeout <= 0 {
			cfg.CallTimeout = def.CallTimeout
		}
		if cfg.JoinTimeout <= 0 {
			cfg.JoinTimeout = def.JoinTimeout
		}
		if cfg.MalformedThreshold <= 0 {
			cfg.MalformedThreshold = def.MalformedThreshold
		}
		if cfg.MalformedWindow <= 0 {
			cfg.MalformedWindow = def.MalformedWindow
		}
		if cfg.QuarantinePeriod <= 0 {
			cfg.QuarantinePeriod = def.QuarantinePeriod
		}
		if cfg.HeartbeatInterval <= 0 {
			cfg.HeartbeatInterval = def.HeartbeatInterval
		}
		if cfg.HeartbeatTimeout <= 0 {
			cfg.HeartbeatTimeout = def.HeartbeatTimeout
		}
		if cfg.Discovery == nil {
			cfg.Discovery = def.Discovery
		}
		if cfg.DiscoveryTTL <= 0 {
			cfg.DiscoveryTTL = def.DiscoveryTTL
		}
		if cfg.Readvertise <= 0 {
			cfg.Readvertise = def.Readvertise
		}
		if cfg.Limits.MaxBodyBytes <= 0 || cfg.Limits.MaxFieldBytes <= 0 {
			cfg.Limits = def.Limits
		}
		a.cfg = cfg
	}
}

// WithLogger sets the logger. The attachment logs under component "bus".
func WithLogger(l *logging.Logger) Option {
	return func(a *Attachment) {
		if l != nil {
			a.logger = l.WithComponent("bus")
		}
	}
}

// WithMetrics records attachment metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Attachment) { a.metrics = c }
}

// WithTracer sets the tracer used for calls, signals and joins.
func WithTracer(t *telemetry.Tracer) Option {
	return func(a *Attachment) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithWorkers sets the dispatch pool size.
func WithWorkers(n int) Option {
	return func(a *Attachment) {
		if n > 0 {
			a.cfg.Workers = n
		}
	}
}

// WithQueueSize bounds the inbound queue.
func WithQueueSize(n int) Option {
	return func(a *Attachment) {
		if n > 0 {
			a.cfg.QueueSize = n
		}
	}
}

// WithCallTimeout sets the default method call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Attachment) {
		if d > 0 {
			a.cfg.CallTimeout = d
		}
	}
}

// WithJoinTimeout sets the session join timeout.
func WithJoinTimeout(d time.Duration) Option {
	return func(a *Attachment) {
		if d > 0 {
			a.cfg.JoinTimeout = d
		}
	}
}

// WithMalformedThreshold quarantines senders of n malformed messages
// within window.
func WithMalformedThreshold(n int, window time.Duration) Option {
	return func(a *Attachment) {
		if n > 0 {
			a.cfg.MalformedThreshold = n
		}
		if window > 0 {
			a.cfg.MalformedWindow = window
		}
	}
}

// WithQuarantinePeriod sets the minimum quarantine duration.
func WithQuarantinePeriod(d time.Duration) Option {
	return func(a *Attachment) {
		if d > 0 {
			a.cfg.QuarantinePeriod = d
		}
	}
}

// WithHeartbeat sets the beacon interval and the dead-peer timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(a *Attachment) {
		if interval > 0 {
			a.cfg.HeartbeatInterval = interval
		}
		if timeout > 0 {
			a.cfg.HeartbeatTimeout = timeout
		}
	}
}

// WithDiscovery selects the directory backend.
func WithDiscovery(f discovery.Factory) Option {
	return func(a *Attachment) {
		if f != nil {
			a.cfg.Discovery = f
		}
	}
}

// WithDiscoveryTTL sets the advertisement TTL and re-advertise interval.
func WithDiscoveryTTL(ttl, readvertise time.Duration) Option {
	return func(a *Attachment) {
		if ttl > 0 {
			a.cfg.DiscoveryTTL = ttl
		}
		if readvertise > 0 {
			a.cfg.Readvertise = readvertise
		}
	}
}

// WithRetry makes Connect retry failed dials with p.
func WithRetry(p router.RetryPolicy) Option {
	return func(a *Attachment) { a.cfg.Retry = &p }
}

// WithLimits bounds inbound message sizes.
func WithLimits(l wire.Limits) Option {
	return func(a *Attachment) { a.cfg.Limits = l }
}
