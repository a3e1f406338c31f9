// Package heartbeat provides peer liveness detection between bus
// attachments.
//
// # Overview
//
// Each connected attachment periodically broadcasts a beacon carrying its
// unique name, GUID and the sessions it belongs to. Monitors track the
// beacons and invoke callbacks when a peer is presumed dead, and again
// when a dead peer is heard from. The attachment uses these to drop a
// dead peer's advertisements and session memberships, and to lift a
// quarantine once a peer returns.
//
// # Architecture
//
//	┌─────────────┐      bus.heartbeat       ┌─────────────┐
//	│   Sender    │ ───────────────────────> │   Monitor   │
//	│ (peer :a.1) │                          │ (peer :b.1) │
//	└─────────────┘                          └─────────────┘
//
// # Usage
//
//	sender, _ := heartbeat.NewLinkSender(heartbeat.SenderConfig{
//	    Link:       link,
//	    UniqueName: ":a.1",
//	    Interval:   5 * time.Second,
//	})
//	sender.Start(ctx)
//
//	monitor, _ := heartbeat.NewLinkMonitor(heartbeat.MonitorConfig{
//	    Link:    link,
//	    Self:    ":b.1",
//	    Timeout: 15 * time.Second, // 3 missed beacons
//	})
//	monitor.OnDead(func(name string) {
//	    log.Printf("peer %s presumed dead", name)
//	})
//	monitor.WatchAll()
//
// Set the timeout to 2-3x the beacon interval, and handle OnDead
// idempotently.
package heartbeat
