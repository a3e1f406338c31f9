package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

type nameEvent struct {
	name   string
	prefix string
	found  bool
}

func TestFindAdvertisedName(t *testing.T) {
	node := newNode(t)
	advertiser := newAttachment(t, node, "advertiser")
	finder := newAttachment(t, node, "finder")

	events := make(chan nameEvent, 16)
	finder.RegisterBusListener(&BusListenerFuncs{
		OnFound: func(name string, _ session.TransportMask, prefix string) {
			events <- nameEvent{name, prefix, true}
		},
		OnLost: func(name string, _ session.TransportMask, prefix string) {
			events <- nameEvent{name, prefix, false}
		},
	})

	require.NoError(t, finder.FindAdvertisedName("org.example.chat"))
	assert.True(t, buserr.Is(finder.FindAdvertisedName("org.example.chat"), buserr.ErrCodeAlreadyExists))

	require.NoError(t, advertiser.AdvertiseName("org.example.chat.lobby", session.TransportAny))
	require.NoError(t, advertiser.AdvertiseName("org.example.other", session.TransportAny))
	assert.True(t, buserr.Is(advertiser.AdvertiseName("org.example.chat.lobby", session.TransportAny), buserr.ErrCodeAlreadyExists))

	assert.Equal(t, nameEvent{"org.example.chat.lobby", "org.example.chat", true}, receive(t, events))

	require.NoError(t, advertiser.CancelAdvertiseName("org.example.chat.lobby"))
	for {
		ev := receive(t, events)
		assert.Equal(t, "org.example.chat.lobby", ev.name)
		if !ev.found {
			break
		}
	}
	assert.True(t, buserr.Is(advertiser.CancelAdvertiseName("org.example.chat.lobby"), buserr.ErrCodeNotFound))

	require.NoError(t, finder.CancelFindAdvertisedName("org.example.chat"))
	assert.True(t, buserr.Is(finder.CancelFindAdvertisedName("org.example.chat"), buserr.ErrCodeNotFound))
}

func TestFindAdvertisedName_AlreadyKnown(t *testing.T) {
	node := newNode(t)
	advertiser := newAttachment(t, node, "advertiser")
	finder := newAttachment(t, node, "finder")

	found := make(chan string, 8)
	finder.RegisterBusListener(&BusListenerFuncs{
		OnFound: func(name string, _ session.TransportMask, _ string) { found <- name },
	})

	require.NoError(t, advertiser.AdvertiseName("org.example.early", session.TransportLocal))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, finder.FindAdvertisedName("org.example"))
	assert.Equal(t, "org.example.early", receive(t, found))
}

func TestWhoImplements(t *testing.T) {
	node := newNode(t)
	announcer := newAttachment(t, node, "announcer")
	seeker := newAttachment(t, node, "seeker")

	obj := serveChat(t, announcer, "/chat", nil)
	require.NoError(t, obj.SetAnnounced(chatInterface, true))
	port, err := announcer.BindSessionPort(session.PortAny, pointToPoint, &PortListenerFuncs{})
	require.NoError(t, err)

	type announced struct {
		busName string
		port    session.Port
		objects []wire.ObjectDescription
		data    map[string]string
	}
	got := make(chan announced, 8)
	seeker.RegisterAboutListener(NewAboutListener(func(busName string, _ uint16, port session.Port, objects []wire.ObjectDescription, data map[string]string) {
		got <- announced{busName, port, objects, data}
	}))

	require.NoError(t, seeker.WhoImplements([]string{chatInterface}))
	assert.True(t, buserr.Is(seeker.WhoImplements([]string{chatInterface}), buserr.ErrCodeAlreadyExists))

	err = announcer.Announce(4242, nil)
	assert.True(t, buserr.Is(err, buserr.ErrCodeNotFound), "unbound port: %v", err)
	require.NoError(t, announcer.Announce(port, map[string]string{"DeviceName": "kitchen"}))

	ann := receive(t, got)
	assert.Equal(t, announcer.UniqueName(), ann.busName)
	assert.Equal(t, port, ann.port)
	assert.Equal(t, []wire.ObjectDescription{{Path: "/chat", Interfaces: []string{chatInterface}}}, ann.objects)
	assert.Equal(t, "kitchen", ann.data["DeviceName"])
	assert.Equal(t, "announcer", ann.data["AppName"])

	require.NoError(t, seeker.CancelWhoImplements([]string{chatInterface}))
	assert.True(t, buserr.Is(seeker.CancelWhoImplements([]string{chatInterface}), buserr.ErrCodeNotFound))
}

func TestWhoImplements_NoMatch(t *testing.T) {
	node := newNode(t)
	announcer := newAttachment(t, node, "announcer")
	seeker := newAttachment(t, node, "seeker")

	obj := serveChat(t, announcer, "/chat", nil)
	require.NoError(t, obj.SetAnnounced(chatInterface, true))
	port, err := announcer.BindSessionPort(session.PortAny, pointToPoint, &PortListenerFuncs{})
	require.NoError(t, err)

	got := make(chan string, 8)
	seeker.RegisterAboutListener(NewAboutListener(func(busName string, _ uint16, _ session.Port, _ []wire.ObjectDescription, _ map[string]string) {
		got <- busName
	}))
	require.NoError(t, seeker.WhoImplements([]string{chatInterface, "org.example.Lamp"}))
	require.NoError(t, announcer.Announce(port, nil))

	select {
	case name := <-got:
		t.Fatalf("announcement from %s matched", name)
	case <-time.After(100 * time.Millisecond):
	}
}

// ====================================================================
// Well-known names
// ====================================================================

func TestRequestName(t *testing.T) {
	node := newNode(t)
	server := newAttachment(t, node, "server")
	client := newAttachment(t, node, "client")

	type ownerChange struct{ name, previous, owner string }
	remote := make(chan ownerChange, 4)
	local := make(chan ownerChange, 4)
	client.RegisterBusListener(&BusListenerFuncs{
		OnNameOwnerChanged: func(name, previous, owner string) { remote <- ownerChange{name, previous, owner} },
	})
	server.RegisterBusListener(&BusListenerFuncs{
		OnNameOwnerChanged: func(name, previous, owner string) { local <- ownerChange{name, previous, owner} },
	})

	serveChat(t, server, "/chat", chatHandlers(nil, nil))
	require.NoError(t, server.RequestName("org.example.chat"))
	assert.True(t, buserr.Is(server.RequestName("org.example.chat"), buserr.ErrCodeAlreadyExists))
	assert.True(t, buserr.Is(server.RequestName("no-dots"), buserr.ErrCodeInvalidName))
	assert.Equal(t, []string{"org.example.chat"}, server.OwnedNames())

	want := ownerChange{"org.example.chat", "", server.UniqueName()}
	assert.Equal(t, want, receive(t, local))
	assert.Equal(t, want, receive(t, remote))

	p := chatProxy(t, client, "org.example.chat", "/chat")
	ret, err := p.MethodCall(context.Background(), chatInterface, "Echo", []any{"by name"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"BY NAME"}, ret)

	require.NoError(t, server.ReleaseName("org.example.chat"))
	assert.Equal(t, ownerChange{"org.example.chat", server.UniqueName(), ""}, receive(t, remote))
	assert.True(t, buserr.Is(server.ReleaseName("org.example.chat"), buserr.ErrCodeNotFound))
	assert.Empty(t, server.OwnedNames())
}

// ====================================================================
// Malformed traffic
// ====================================================================

func TestMalformedSenderIsQuarantined(t *testing.T) {
	node := newNode(t)
	target := newAttachment(t, node, "target", WithMalformedThreshold(3, time.Minute))

	raw, err := node.Dial(context.Background())
	require.NoError(t, err)
	defer raw.Close()

	bad, err := wire.Encode(&wire.Message{
		Type:   wire.TypeMethodCall,
		Serial: 1,
		Sender: ":bad.1",
		Member: "Echo",
	}, wire.DefaultLimits())
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, raw.Publish(router.PeerSubject(target.UniqueName()), bad))
	}
	require.Eventually(t, func() bool { return target.quarantine.Blocked(":bad.1") }, waitFor, tick)

	require.NoError(t, raw.Publish(router.PeerSubject(target.UniqueName()), []byte("garbage")))
	assert.True(t, target.IsConnected())
}

func TestQuarantine(t *testing.T) {
	now := time.Unix(1000, 0)
	q := newQuarantine(3, 10*time.Second, time.Minute)
	q.now = func() time.Time { return now }

	assert.False(t, q.Strike(":a.1"))
	assert.False(t, q.Strike(":a.1"))
	now = now.Add(11 * time.Second)
	assert.False(t, q.Strike(":a.1"), "old strikes fall out of the window")
	assert.False(t, q.Blocked(":a.1"))

	assert.False(t, q.Strike(":a.1"))
	assert.True(t, q.Strike(":a.1"))
	assert.True(t, q.Blocked(":a.1"))
	assert.False(t, q.Strike(":a.1"), "already quarantined")
	assert.False(t, q.Blocked(":b.1"))

	assert.False(t, q.Release(":a.1"), "period not over")
	now = now.Add(time.Minute)
	assert.True(t, q.Release(":a.1"))
	assert.False(t, q.Blocked(":a.1"))

	q.Strike(":c.1")
	q.Reset()
	assert.False(t, q.Strike(":c.1"))
	assert.False(t, q.Strike(":c.1"))
}
