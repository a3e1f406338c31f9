// Command busmon watches a bus for advertised names and About
// announcements and prints a peer table.
//
// Run: busmon -config peerbus.toml -prefix org.example
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vinayprograms/peerbus/bus"
	"github.com/vinayprograms/peerbus/config"
	"github.com/vinayprograms/peerbus/shutdown"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file (defaults apply when empty)")
		url        = flag.String("router", "", "override router.url")
		prefix     = flag.String("prefix", "", "well-known name prefix to find (empty finds every name)")
		every      = flag.Duration("every", 10*time.Second, "interval between peer tables")
		forget     = flag.Duration("forget", 2*time.Minute, "drop lost peers after this long")
	)
	flag.Parse()

	if err := run(*configPath, *url, *prefix, *every, *forget); err != nil {
		fmt.Fprintf(os.Stderr, "busmon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, url, prefix string, every, forget time.Duration) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if url != "" {
		cfg.Router.URL = url
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	cfg.Attachment.Name = "busmon"

	logger := cfg.Logger()
	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}

	a, err := bus.New(cfg.Attachment.Name, append(cfg.AttachmentOptions(), bus.WithLogger(logger))...)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}

	coord := shutdown.New(shutdown.WithLogger(logger))
	coord.AddFunc("attachment", shutdown.PhaseAttachments, func(context.Context) error {
		if err := a.Stop(); err != nil {
			return err
		}
		return a.Join()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Connect(ctx, dialer); err != nil {
		_ = coord.Shutdown(ctx)
		return err
	}

	m := NewMonitor(logger)
	if err := m.Attach(a, prefix); err != nil {
		_ = coord.Shutdown(ctx)
		return err
	}
	coord.AddFunc("monitor", shutdown.PhaseListeners, func(context.Context) error {
		m.Detach(a)
		return nil
	})

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-coord.Done():
				return
			case <-ticker.C:
				m.Forget(forget)
				m.Print(os.Stdout)
			}
		}
	}()

	return coord.Run(ctx)
}
