// Command busd runs a websocket routing node.
//
// Attachments connect with router.NewWSDialer("ws://host:8080/bus", ...).
// busd also serves /live and /ready health checks and, when enabled,
// Prometheus metrics. It joins its own hub as an attachment named
// "busd" that announces org.peerbus.Daemon, so bus tools can read hub
// statistics with an ordinary method call.
//
// Run: busd -config busd.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vinayprograms/peerbus/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "TOML configuration file (defaults apply when empty)")
		listen      = flag.String("listen", "", "override hub.listen")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("busd", Version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "busd: %v\n", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Hub.Listen = *listen
	}

	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		os.Exit(1)
	}
}
