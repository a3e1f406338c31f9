package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/router"
)

const (
	chatInterface = "org.example.Chat"
	waitFor       = 3 * time.Second
	tick          = 10 * time.Millisecond
)

func newNode(t *testing.T) *router.MemoryNode {
	t.Helper()
	n := router.NewMemoryNode(router.DefaultConfig())
	t.Cleanup(n.Shutdown)
	return n
}

// newAttachment starts and connects an attachment, stopping it when the
// test ends.
func newAttachment(t *testing.T, d router.Dialer, name string, opts ...Option) *Attachment {
	t.Helper()
	base := []Option{WithCallTimeout(2 * time.Second), WithJoinTimeout(2 * time.Second)}
	a, err := New(name, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, a.Connect(context.Background(), d))
	t.Cleanup(func() {
		a.Stop()
		a.Join()
	})
	return a
}

func newChatInterface(t *testing.T) *iface.Description {
	t.Helper()
	d, err := iface.New(chatInterface)
	require.NoError(t, err)
	require.NoError(t, d.AddMethod("Echo", "s", "s", "in,out", 0))
	require.NoError(t, d.AddMethod("Fail", "", "", "", 0))
	require.NoError(t, d.AddMethod("Panic", "", "", "", 0))
	require.NoError(t, d.AddMethod("Bad", "", "s", "out", 0))
	require.NoError(t, d.AddMethod("Block", "", "", "", 0))
	require.NoError(t, d.AddMethod("Notify", "s", "", "text", iface.NoReply))
	require.NoError(t, d.AddSignal("Message", "s", "text", 0))
	require.NoError(t, d.AddProperty("Topic", "s", iface.AccessReadWrite))
	require.NoError(t, d.AddProperty("Count", "u", iface.AccessRead))
	require.NoError(t, d.Activate())
	return d
}

// serveChat registers a chat object at path with the given handlers.
func serveChat(t *testing.T, a *Attachment, path string, handlers map[string]MethodHandler) *BusObject {
	t.Helper()
	desc := newChatInterface(t)
	require.NoError(t, a.RegisterInterface(desc))
	registered, ok := a.Interface(chatInterface)
	require.True(t, ok)

	obj, err := NewBusObject(path)
	require.NoError(t, err)
	require.NoError(t, obj.AddInterface(registered))
	for member, h := range handlers {
		require.NoError(t, obj.AddMethodHandler(chatInterface, member, h))
	}
	require.NoError(t, a.RegisterBusObject(obj))
	return obj
}

func chatProxy(t *testing.T, client *Attachment, dest, path string) *ProxyBusObject {
	t.Helper()
	if _, ok := client.Interface(chatInterface); !ok {
		require.NoError(t, client.RegisterInterface(newChatInterface(t)))
	}
	p, err := client.NewProxy(dest, path, 0)
	require.NoError(t, err)
	require.NoError(t, p.AddInterfaceByName(chatInterface))
	return p
}

// recordingDialer keeps the links it hands out so tests can sever them.
type recordingDialer struct {
	node *router.MemoryNode

	mu    sync.Mutex
	links []router.Link
}

func (d *recordingDialer) Dial(ctx context.Context) (router.Link, error) {
	l, err := d.node.Dial(ctx)
	if err == nil {
		d.mu.Lock()
		d.links = append(d.links, l)
		d.mu.Unlock()
	}
	return l, err
}

func (d *recordingDialer) last() router.Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[len(d.links)-1]
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}
