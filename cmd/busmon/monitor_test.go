package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/peerbus/bus"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

func TestMonitorTracksPeers(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMonitor(logging.Nop())
	m.now = func() time.Time { return now }

	m.found("org.example.lamp", session.TransportLocal, "org.example")
	m.announced(":abc.2", 1, 7, []wire.ObjectDescription{
		{Path: "/lamp", Interfaces: []string{"org.example.Lamp", "org.example.Dimmer"}},
		{Path: "/lamp/2", Interfaces: []string{"org.example.Lamp"}},
	}, map[string]string{"AppName": "lamp"})

	peers := m.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, ":abc.2", peers[0].Name)
	assert.Equal(t, []string{"org.example.Dimmer", "org.example.Lamp"}, peers[0].Interfaces)
	assert.Equal(t, session.Port(7), peers[0].Port)
	assert.Equal(t, "lamp", peers[0].AppName)
	assert.True(t, peers[1].Alive)

	m.lost("org.example.lamp", session.TransportLocal, "org.example")
	now = now.Add(time.Minute)
	assert.Equal(t, 0, m.Forget(2*time.Minute))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.Forget(2*time.Minute))
	assert.Len(t, m.Peers(), 1)
}

func TestMonitorPrint(t *testing.T) {
	m := NewMonitor(logging.Nop())
	var buf bytes.Buffer
	m.Print(&buf)
	assert.Equal(t, "0 peers, 0 alive\n", buf.String())

	m.found("org.example.averyveryverylongwellknownname", session.TransportLocal, "")
	m.lost("org.example.averyveryverylongwellknownname", session.TransportLocal, "")
	buf.Reset()
	m.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "1 peers, 0 alive")
	assert.Contains(t, out, "lost")
	assert.Contains(t, out, "~")
}

func TestMonitorOverBus(t *testing.T) {
	node := router.NewMemoryNode(router.DefaultConfig())
	t.Cleanup(node.Shutdown)

	connect := func(name string) *bus.Attachment {
		a, err := bus.New(name)
		require.NoError(t, err)
		require.NoError(t, a.Start())
		require.NoError(t, a.Connect(context.Background(), node))
		t.Cleanup(func() {
			a.Stop()
			a.Join()
		})
		return a
	}
	watcher := connect("busmon")
	lamp := connect("lamp")

	m := NewMonitor(logging.Nop())
	require.NoError(t, m.Attach(watcher, "org.example"))
	defer m.Detach(watcher)

	require.NoError(t, lamp.RequestName("org.example.lamp"))
	require.NoError(t, lamp.AdvertiseName("org.example.lamp", session.TransportAny))

	require.Eventually(t, func() bool {
		for _, p := range m.Peers() {
			if p.Name == "org.example.lamp" && p.Alive {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, lamp.CancelAdvertiseName("org.example.lamp"))
	require.Eventually(t, func() bool {
		for _, p := range m.Peers() {
			if p.Name == "org.example.lamp" {
				return !p.Alive
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
