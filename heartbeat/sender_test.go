package heartbeat

import (
	"context"
	"testing"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
)

func dialLink(t *testing.T, node *router.MemoryNode) router.Link {
	t.Helper()
	link, err := node.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link
}

func receiveBeacon(t *testing.T, sub router.Subscription) *Beacon {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		b, err := Unmarshal(msg.Data)
		if err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for beacon")
		return nil
	}
}

// --- Unit Tests ---

func TestBeacon_Marshal(t *testing.T) {
	b := &Beacon{
		UniqueName: ":a.1",
		GUID:       "0f1e",
		Timestamp:  time.Now(),
		Sessions:   []uint32{7, 9},
	}

	data, err := b.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if parsed.UniqueName != b.UniqueName {
		t.Errorf("UniqueName = %q, want %q", parsed.UniqueName, b.UniqueName)
	}
	if parsed.GUID != b.GUID {
		t.Errorf("GUID = %q, want %q", parsed.GUID, b.GUID)
	}
	if len(parsed.Sessions) != 2 || parsed.Sessions[1] != 9 {
		t.Errorf("Sessions = %v, want [7 9]", parsed.Sessions)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	for _, data := range []string{"not json", `{"guid":"x"}`} {
		_, err := Unmarshal([]byte(data))
		if err == nil {
			t.Errorf("Unmarshal(%q) should fail", data)
			continue
		}
		if !buserr.Is(err, buserr.ErrCodeMalformed) {
			t.Errorf("Unmarshal(%q) code = %s, want MALFORMED", data, buserr.Code(err))
		}
	}
}

func TestSenderConfig_Validate(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	link := dialLink(t, node)

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Link: link, UniqueName: ":a.1"}, false},
		{"no link", SenderConfig{UniqueName: ":a.1"}, true},
		{"no name", SenderConfig{Link: link}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLinkSender_SendsImmediatelyAndPeriodically(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	link := dialLink(t, node)
	watcher := dialLink(t, node)

	sub, err := watcher.Subscribe(router.SubjectHeartbeat)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	sender, err := NewLinkSender(SenderConfig{
		Link:       link,
		UniqueName: ":a.1",
		GUID:       "0f1e",
		Interval:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLinkSender error: %v", err)
	}
	sender.SetSessions([]uint32{42})

	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer sender.Stop()

	first := receiveBeacon(t, sub)
	if first.UniqueName != ":a.1" {
		t.Errorf("UniqueName = %q, want :a.1", first.UniqueName)
	}
	if len(first.Sessions) != 1 || first.Sessions[0] != 42 {
		t.Errorf("Sessions = %v, want [42]", first.Sessions)
	}

	second := receiveBeacon(t, sub)
	if !second.Timestamp.After(first.Timestamp) && !second.Timestamp.Equal(first.Timestamp) {
		t.Errorf("timestamps went backwards: %v then %v", first.Timestamp, second.Timestamp)
	}
}

func TestLinkSender_StartStop(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	sender, err := NewLinkSender(SenderConfig{Link: dialLink(t, node), UniqueName: ":a.1"})
	if err != nil {
		t.Fatalf("NewLinkSender error: %v", err)
	}

	if err := sender.Stop(); !buserr.Is(err, buserr.ErrCodeInvalidState) {
		t.Errorf("Stop before Start = %v, want INVALID_STATE", err)
	}
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := sender.Start(context.Background()); !buserr.Is(err, buserr.ErrCodeInvalidState) {
		t.Errorf("second Start = %v, want INVALID_STATE", err)
	}
	if err := sender.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestLinkSender_StopsOnContextCancel(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	sender, _ := NewLinkSender(SenderConfig{
		Link:       dialLink(t, node),
		UniqueName: ":a.1",
		Interval:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := sender.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	select {
	case <-sender.doneCh:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop after cancel")
	}
}
