package discovery

import (
	"context"
	"testing"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/wire"
)

func newDirectory(t *testing.T, node *router.MemoryNode, self string) *BroadcastDirectory {
	t.Helper()
	link, err := node.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	d, err := NewBroadcastDirectory(link, Config{Self: self, Readvertise: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewBroadcastDirectory error: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		link.Close()
	})
	return d
}

func TestBroadcastDirectory_RequiresSelf(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	link, _ := node.Dial(context.Background())
	defer link.Close()
	if _, err := NewBroadcastDirectory(link, Config{}, nil); !buserr.Is(err, buserr.ErrCodeInvalidArgument) {
		t.Errorf("got %v, want INVALID_ARGUMENT", err)
	}
}

func TestBroadcastDirectory_AdvertiseAndCancel(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	a := newDirectory(t, node, ":a.1")
	b := newDirectory(t, node, ":b.1")

	selfEvents, _ := a.Watch()
	events, _ := b.Watch()

	if err := a.Advertise(wire.Advertisement{Name: "org.example.chat", GUID: "g-a"}); err != nil {
		t.Fatalf("Advertise error: %v", err)
	}

	e := nextEvent(t, events)
	if e.Type != EventFound || e.Advertisement.Name != "org.example.chat" || e.Peer() != ":a.1" {
		t.Errorf("got %+v", e)
	}
	if e.Advertisement.TTLSeconds == 0 {
		t.Error("advertisement should carry a ttl")
	}
	noEvent(t, selfEvents)

	if err := a.Cancel("org.example.chat"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if e := nextEvent(t, events); e.Type != EventLost {
		t.Errorf("got %+v", e)
	}
	if err := a.Cancel("org.example.chat"); !buserr.Is(err, buserr.ErrCodeNotFound) {
		t.Errorf("second Cancel = %v, want NOT_FOUND", err)
	}
}

func TestBroadcastDirectory_QueryReplays(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	a := newDirectory(t, node, ":a.1")
	a.Advertise(wire.Advertisement{Name: "org.example.chat", GUID: "g-a"})
	a.Advertise(wire.Advertisement{Name: "com.other.thing", GUID: "g-a"})
	a.Announce(wire.Announcement{Port: 5, Objects: []wire.ObjectDescription{{Path: "/chat", Interfaces: []string{"org.example.Chat"}}}})

	// b joins after the broadcasts went out
	b := newDirectory(t, node, ":b.1")
	events, _ := b.Watch()
	noEvent(t, events)

	if err := b.Query("org.example.", true); err != nil {
		t.Fatalf("Query error: %v", err)
	}

	var found, announced int
	for i := 0; i < 2; i++ {
		e := nextEvent(t, events)
		switch e.Type {
		case EventFound:
			found++
			if e.Advertisement.Name != "org.example.chat" {
				t.Errorf("query replayed non-matching name %s", e.Advertisement.Name)
			}
		case EventAnnounced:
			announced++
			if !Implements(*e.Announcement, []string{"org.example.Chat"}) {
				t.Errorf("announcement = %+v", e.Announcement)
			}
		}
	}
	if found != 1 || announced != 1 {
		t.Errorf("found=%d announced=%d", found, announced)
	}
	noEvent(t, events)

	if names := b.Names(""); len(names) != 1 {
		t.Errorf("Names = %+v", names)
	}
	if anns := b.Announcements(); len(anns) != 1 || anns[0].Port != 5 {
		t.Errorf("Announcements = %+v", anns)
	}
}

func TestBroadcastDirectory_CloseWithdraws(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	b := newDirectory(t, node, ":b.1")
	events, _ := b.Watch()

	link, _ := node.Dial(context.Background())
	defer link.Close()
	a, err := NewBroadcastDirectory(link, Config{Self: ":a.1"}, nil)
	if err != nil {
		t.Fatalf("NewBroadcastDirectory error: %v", err)
	}
	a.Advertise(wire.Advertisement{Name: "org.example.chat", GUID: "g"})
	nextEvent(t, events)

	a.Close()
	if e := nextEvent(t, events); e.Type != EventLost {
		t.Errorf("got %+v", e)
	}
	if err := a.Advertise(wire.Advertisement{Name: "org.x", GUID: "g"}); !buserr.Is(err, buserr.ErrCodeInvalidState) {
		t.Errorf("Advertise after close = %v", err)
	}
}

func TestBroadcastDirectory_Readvertise(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	link, _ := node.Dial(context.Background())
	defer link.Close()
	a, err := NewBroadcastDirectory(link, Config{Self: ":a.1", TTL: time.Second, Readvertise: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewBroadcastDirectory error: %v", err)
	}
	defer a.Close()

	raw, _ := link.Subscribe(router.SubjectDiscovery)
	a.Advertise(wire.Advertisement{Name: "org.example.chat", GUID: "g"})

	deadline := time.After(time.Second)
	seen := 0
	for seen < 3 {
		select {
		case <-raw.Messages():
			seen++
		case <-deadline:
			t.Fatalf("saw %d advertisements, want periodic refresh", seen)
		}
	}
}

func TestBroadcastDirectory_IgnoresGarbage(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	b := newDirectory(t, node, ":b.1")
	events, _ := b.Watch()

	link, _ := node.Dial(context.Background())
	defer link.Close()
	link.Publish(router.SubjectDiscovery, []byte("not json"))
	link.Publish(router.SubjectDiscovery, []byte(`{"kind":"advertise"}`))
	link.Publish(router.SubjectAbout, []byte(`{"unique_name":""}`))

	noEvent(t, events)
}

func TestBroadcastDirectory_Forget(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	a := newDirectory(t, node, ":a.1")
	b := newDirectory(t, node, ":b.1")
	events, _ := b.Watch()

	a.Advertise(wire.Advertisement{Name: "org.example.chat", GUID: "g"})
	nextEvent(t, events)

	b.Forget(":a.1")
	if e := nextEvent(t, events); e.Type != EventLost || e.Peer() != ":a.1" {
		t.Errorf("got %+v", e)
	}
}
