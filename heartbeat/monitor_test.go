package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
)

func newMonitor(t *testing.T, link router.Link, timeout time.Duration) *LinkMonitor {
	t.Helper()
	m, err := NewLinkMonitor(MonitorConfig{
		Link:          link,
		Self:          ":b.1",
		Timeout:       timeout,
		CheckInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLinkMonitor error: %v", err)
	}
	return m
}

func TestMonitorConfig_Validate(t *testing.T) {
	cfg := MonitorConfig{}
	if err := cfg.Validate(); !buserr.Is(err, buserr.ErrCodeInvalidArgument) {
		t.Errorf("Validate() = %v, want INVALID_ARGUMENT", err)
	}
}

func TestLinkMonitor_ReceivesBeacons(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	m := newMonitor(t, dialLink(t, node), time.Second)

	ch, err := m.WatchAll()
	if err != nil {
		t.Fatalf("WatchAll error: %v", err)
	}
	defer m.Stop()

	sender, _ := NewLinkSender(SenderConfig{
		Link:       dialLink(t, node),
		UniqueName: ":a.1",
		Interval:   time.Hour,
	})
	sender.Start(context.Background())
	defer sender.Stop()

	select {
	case b := <-ch:
		if b.UniqueName != ":a.1" {
			t.Errorf("UniqueName = %q, want :a.1", b.UniqueName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for beacon")
	}

	if !m.IsAlive(":a.1", time.Second) {
		t.Error(":a.1 should be alive")
	}
	if m.LastBeacon(":a.1") == nil {
		t.Error("LastBeacon should be recorded")
	}
	if m.IsAlive(":c.1", time.Second) {
		t.Error("unknown peer should not be alive")
	}
}

func TestLinkMonitor_IgnoresSelf(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	link := dialLink(t, node)
	m := newMonitor(t, link, time.Second)
	ch, _ := m.WatchAll()
	defer m.Stop()

	b := &Beacon{UniqueName: ":b.1", Timestamp: time.Now()}
	data, _ := b.Marshal()
	link.Publish(router.SubjectHeartbeat, data)

	select {
	case got := <-ch:
		t.Fatalf("own beacon delivered: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
	if m.LastBeacon(":b.1") != nil {
		t.Error("own beacon should not be tracked")
	}
}

func TestLinkMonitor_OnDeadFiresOnce(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	m := newMonitor(t, dialLink(t, node), 30*time.Millisecond)

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(name string) {
		mu.Lock()
		dead = append(dead, name)
		mu.Unlock()
	})

	if _, err := m.WatchAll(); err != nil {
		t.Fatalf("WatchAll error: %v", err)
	}
	defer m.Stop()

	m.Observe(&Beacon{UniqueName: ":a.1", Timestamp: time.Now()})
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(dead) != 1 || dead[0] != ":a.1" {
		t.Errorf("dead = %v, want [:a.1]", dead)
	}
}

func TestLinkMonitor_OnAliveAfterDeath(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	m := newMonitor(t, dialLink(t, node), time.Hour)

	var revived []string
	m.OnAlive(func(name string) { revived = append(revived, name) })

	m.Observe(&Beacon{UniqueName: ":a.1"})
	m.Observe(&Beacon{UniqueName: ":a.1"})
	if len(revived) != 0 {
		t.Fatalf("OnAlive fired for a live peer: %v", revived)
	}

	later := time.Now().Add(2 * time.Hour)
	m.now = func() time.Time { return later }
	m.CheckDead()
	if m.IsAlive(":a.1", time.Hour) {
		t.Fatal(":a.1 should be stale")
	}

	m.Observe(&Beacon{UniqueName: ":a.1"})
	if len(revived) != 1 || revived[0] != ":a.1" {
		t.Errorf("revived = %v, want [:a.1]", revived)
	}
}

func TestLinkMonitor_Forget(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	m := newMonitor(t, dialLink(t, node), time.Hour)

	m.Observe(&Beacon{UniqueName: ":a.1"})
	m.Forget(":a.1")
	if m.IsAlive(":a.1", time.Hour) {
		t.Error("forgotten peer should not be alive")
	}
}

func TestLinkMonitor_Stop(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	m := newMonitor(t, dialLink(t, node), time.Second)

	if err := m.Stop(); !buserr.Is(err, buserr.ErrCodeInvalidState) {
		t.Errorf("Stop before WatchAll = %v, want INVALID_STATE", err)
	}

	ch, _ := m.WatchAll()
	extra, _ := m.WatchAll()
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	for _, c := range []<-chan *Beacon{ch, extra} {
		if _, ok := <-c; ok {
			t.Error("watcher channel should be closed")
		}
	}
}
