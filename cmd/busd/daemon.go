package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/peerbus/bus"
	"github.com/vinayprograms/peerbus/config"
	"github.com/vinayprograms/peerbus/discovery"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/metrics"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/shutdown"
	"github.com/vinayprograms/peerbus/telemetry"
)

// The daemon's own bus object.
const (
	DaemonInterface = "org.peerbus.Daemon"
	daemonPath      = "/daemon"

	daemonPort session.Port = 1

	maxGoroutines = 100000
)

type daemon struct {
	cfg     *config.Config
	root    *logging.Logger
	logger  *logging.Logger
	hub     *router.Hub
	metrics *metrics.Collector
	health  healthcheck.Handler
	coord   *shutdown.Coordinator
	started time.Time

	// addr receives the hub's bound address once it listens.
	addr chan string

	ready atomic.Bool

	mu         sync.Mutex
	provider   *telemetry.Provider
	attachment *bus.Attachment
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root := cfg.Logger()
	d := &daemon{
		cfg:     cfg,
		root:    root,
		logger:  root.WithComponent("busd"),
		hub:     router.NewHub(cfg.WebSocket(), root),
		coord:   shutdown.New(shutdown.WithLogger(root)),
		started: time.Now(),
		addr:    make(chan string, 1),
	}

	if cfg.Metrics.Listen != "" {
		d.metrics = metrics.New(cfg.Metrics.Runtime)
		d.metrics.ObserveHub(d.hub)
		d.health = healthcheck.NewMetricsHandler(d.metrics.Registry(), "peerbus")
	} else {
		d.health = healthcheck.NewHandler()
	}
	d.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	d.health.AddReadinessCheck("hub", func() error {
		if !d.ready.Load() {
			return errors.New("hub is not serving")
		}
		return nil
	})
	return d, nil
}

// Run serves until ctx ends or a termination signal arrives, then shuts
// everything down in phases.
func (d *daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Hub.Listen)
	if err != nil {
		return buserr.Wrap(err, "listen on "+d.cfg.Hub.Listen)
	}

	mux := http.NewServeMux()
	mux.Handle(d.cfg.Hub.Path, d.hub)
	mux.HandleFunc("/live", d.health.LiveEndpoint)
	mux.HandleFunc("/ready", d.health.ReadyEndpoint)

	servers := []*http.Server{{Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	listeners := []net.Listener{ln}
	if d.metrics != nil {
		if d.cfg.Metrics.Listen == d.cfg.Hub.Listen {
			mux.Handle("/metrics", d.metrics.Handler())
		} else {
			mln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
			if err != nil {
				ln.Close()
				return buserr.Wrap(err, "listen on "+d.cfg.Metrics.Listen)
			}
			mmux := http.NewServeMux()
			mmux.Handle("/metrics", d.metrics.Handler())
			servers = append(servers, &http.Server{Handler: mmux, ReadHeaderTimeout: 10 * time.Second})
			listeners = append(listeners, mln)
		}
	}

	if pc, ok := d.cfg.Provider(Version); ok {
		p, err := telemetry.InitProvider(ctx, pc)
		if err != nil {
			d.logger.Warn("tracing disabled", map[string]interface{}{"error": err.Error()})
		} else {
			d.mu.Lock()
			d.provider = p
			d.mu.Unlock()
		}
	}

	d.registerSteps(servers)

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return buserr.Wrap(err, "serve "+listeners[i].Addr().String())
			}
			return nil
		})
	}
	g.Go(func() error { return d.coord.Run(gctx) })

	addr := ln.Addr().String()
	d.ready.Store(true)
	d.addr <- addr
	d.logger.Info("hub listening", map[string]interface{}{"addr": addr, "path": d.cfg.Hub.Path})

	g.Go(func() error {
		if err := d.attach(gctx, "ws://"+addr+d.cfg.Hub.Path); err != nil {
			d.logger.Warn("daemon attachment unavailable", map[string]interface{}{"error": err.Error()})
		}
		return nil
	})

	return g.Wait()
}

func (d *daemon) registerSteps(servers []*http.Server) {
	d.coord.AddFunc("http", shutdown.PhaseListeners, func(ctx context.Context) error {
		d.ready.Store(false)
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(ctx))
		}
		return buserr.Join(errs...)
	})
	d.coord.AddFunc("attachment", shutdown.PhaseAttachments, func(context.Context) error {
		d.mu.Lock()
		a := d.attachment
		d.attachment = nil
		d.mu.Unlock()
		if a == nil {
			return nil
		}
		err := a.Stop()
		if jerr := a.Join(); err == nil {
			err = jerr
		}
		return err
	})
	d.coord.AddFunc("hub", shutdown.PhaseLinks, func(context.Context) error {
		return d.hub.Close()
	})
	d.coord.AddFunc("telemetry", shutdown.PhaseTelemetry, func(ctx context.Context) error {
		d.mu.Lock()
		p := d.provider
		d.mu.Unlock()
		if p == nil {
			return nil
		}
		return p.Shutdown(ctx)
	})
}

// attach connects the daemon's own attachment to the hub and announces
// the daemon object.
func (d *daemon) attach(ctx context.Context, url string) error {
	opts := append(d.cfg.AttachmentOptions(),
		bus.WithLogger(d.root),
		bus.WithMetrics(d.metrics),
		bus.WithDiscovery(discovery.Broadcast()),
	)
	d.mu.Lock()
	if d.provider != nil {
		opts = append(opts, bus.WithTracer(d.provider.Tracer()))
	}
	d.mu.Unlock()

	a, err := bus.New("busd", opts...)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	d.mu.Lock()
	d.attachment = a
	d.mu.Unlock()

	if err := a.Connect(ctx, router.NewWSDialer(url, d.cfg.WebSocket())); err != nil {
		return err
	}

	desc, err := a.CreateInterface(DaemonInterface)
	if err != nil {
		return err
	}
	if err := desc.AddMethod("Stats", "", "uutt", "clients,subjects,routed,dropped", 0); err != nil {
		return err
	}
	if err := desc.AddMethod("Uptime", "", "t", "seconds", 0); err != nil {
		return err
	}
	if err := desc.AddProperty("Version", "s", iface.AccessRead); err != nil {
		return err
	}
	if err := a.RegisterInterface(desc); err != nil {
		return err
	}

	obj, err := bus.NewBusObject(daemonPath)
	if err != nil {
		return err
	}
	steps := []func() error{
		func() error { return obj.AddInterface(desc) },
		func() error { return obj.AddMethodHandler(DaemonInterface, "Stats", d.handleStats) },
		func() error { return obj.AddMethodHandler(DaemonInterface, "Uptime", d.handleUptime) },
		func() error { return obj.SetProperty(DaemonInterface, "Version", Version) },
		func() error { return obj.SetAnnounced(DaemonInterface, true) },
		func() error { return a.RegisterBusObject(obj) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	sessOpts := session.Opts{Traffic: session.TrafficMessages, Transports: session.TransportAny}
	if _, err := a.BindSessionPort(daemonPort, sessOpts, &bus.PortListenerFuncs{}); err != nil {
		return err
	}
	if err := a.Announce(daemonPort, map[string]string{
		"AppName":         "busd",
		"SoftwareVersion": Version,
	}); err != nil {
		return err
	}
	d.logger.Info("daemon attached", map[string]interface{}{"unique_name": a.UniqueName()})
	return nil
}

func (d *daemon) handleStats(context.Context, *bus.Call) ([]any, error) {
	s := d.hub.Stats()
	return []any{uint32(s.Clients), uint32(s.Subscriptions), s.Routed, s.Dropped}, nil
}

func (d *daemon) handleUptime(context.Context, *bus.Call) ([]any, error) {
	return []any{uint64(time.Since(d.started).Seconds())}, nil
}

// uniqueName returns the daemon attachment's unique name, or "" before it
// connects.
func (d *daemon) uniqueName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachment == nil {
		return ""
	}
	return d.attachment.UniqueName()
}
