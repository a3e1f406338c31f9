package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

func TestNew_RequiresName(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidName))
}

func TestLifecycle(t *testing.T) {
	node := newNode(t)
	a, err := New("lifecycle")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, a.State())
	assert.Len(t, a.GUID(), 32)

	err = a.Connect(context.Background(), node)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidState), "connect before start: %v", err)

	require.NoError(t, a.Start())
	assert.True(t, buserr.Is(a.Start(), buserr.ErrCodeInvalidState))

	require.NoError(t, a.Connect(context.Background(), node))
	assert.True(t, a.IsConnected())
	first := a.UniqueName()
	assert.Regexp(t, `^:[0-9a-f]{8}\.1$`, first)

	require.NoError(t, a.Disconnect())
	assert.Equal(t, StateDisconnected, a.State())
	assert.Empty(t, a.UniqueName())
	require.NoError(t, a.Disconnect())

	require.NoError(t, a.Connect(context.Background(), node))
	assert.NotEqual(t, first, a.UniqueName())

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, StateStopped, a.State())
	require.NoError(t, a.Join())
	assert.Equal(t, StateJoined, a.State())
}

func TestStop_FiresListenerCallbacks(t *testing.T) {
	node := newNode(t)
	a, err := New("stopping")
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, a.Connect(context.Background(), node))

	stopping := make(chan struct{}, 1)
	disconnected := make(chan struct{}, 1)
	a.RegisterBusListener(&BusListenerFuncs{
		OnStopping:     func() { stopping <- struct{}{} },
		OnDisconnected: func() { disconnected <- struct{}{} },
	})

	require.NoError(t, a.Stop())
	receive(t, stopping)
	receive(t, disconnected)
	require.NoError(t, a.Join())
}

func TestOperationsNeedConnection(t *testing.T) {
	a, err := New("offline")
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer func() { a.Stop(); a.Join() }()

	assert.True(t, buserr.Is(a.RequestName("org.example.offline"), buserr.ErrCodeNotConnected))
	assert.True(t, buserr.Is(a.AdvertiseName("org.example.offline", 0xffff), buserr.ErrCodeNotConnected))

	p, err := a.NewProxy(":00000000.1", "/", 0)
	require.NoError(t, err)
	assert.True(t, buserr.Is(p.Ping(context.Background()), buserr.ErrCodeNotConnected))
}

// ====================================================================
// Interface registry
// ====================================================================

func TestRegisterInterface(t *testing.T) {
	a, err := New("registry")
	require.NoError(t, err)

	d, err := a.CreateInterface(chatInterface)
	require.NoError(t, err)
	require.NoError(t, d.AddMethod("Echo", "s", "s", "", 0))
	require.NoError(t, a.RegisterInterface(d))
	assert.True(t, d.IsActivated())

	t.Run("identical redefinition is accepted", func(t *testing.T) {
		same, _ := a.CreateInterface(chatInterface)
		require.NoError(t, same.AddMethod("Echo", "s", "s", "", 0))
		assert.NoError(t, a.RegisterInterface(same))
	})

	t.Run("incompatible redefinition fails", func(t *testing.T) {
		other, _ := a.CreateInterface(chatInterface)
		require.NoError(t, other.AddMethod("Echo", "i", "i", "", 0))
		assert.True(t, buserr.Is(a.RegisterInterface(other), buserr.ErrCodeAlreadyExists))
	})

	t.Run("built-in names are reserved", func(t *testing.T) {
		b, _ := a.CreateInterface(PeerInterface)
		assert.True(t, buserr.Is(a.RegisterInterface(b), buserr.ErrCodeAlreadyExists))
	})

	t.Run("invalid signature fails activation", func(t *testing.T) {
		bad, _ := a.CreateInterface("org.example.Bad")
		err := bad.AddMethod("M", "a", "", "", 0)
		if err == nil {
			err = a.RegisterInterface(bad)
		}
		assert.Error(t, err)
	})

	assert.Equal(t, []string{chatInterface}, a.Interfaces())
	got, ok := a.Interface(PropertiesInterface)
	require.True(t, ok)
	_, ok = got.Method("GetAll")
	assert.True(t, ok)
}

func TestCreateInterfacesFromXML(t *testing.T) {
	a, err := New("xml")
	require.NoError(t, err)

	descs, err := a.CreateInterfacesFromXML(`<node>
  <interface name="org.example.Lamp">
    <method name="Toggle"><arg name="on" type="b" direction="out"/></method>
    <signal name="Changed"><arg name="on" type="b"/></signal>
    <property name="Brightness" type="y" access="readwrite"/>
  </interface>
  <interface name="org.freedesktop.DBus.Peer">
    <method name="Ping"/>
  </interface>
</node>`)
	require.NoError(t, err)
	require.Len(t, descs, 1)

	lamp, ok := a.Interface("org.example.Lamp")
	require.True(t, ok)
	m, ok := lamp.Method("Toggle")
	require.True(t, ok)
	assert.Equal(t, "b", m.ReturnSignature)
	_, ok = lamp.Signal("Changed")
	assert.True(t, ok)
}

// ====================================================================
// Object registry
// ====================================================================

func TestRegisterBusObject(t *testing.T) {
	a, err := New("objects")
	require.NoError(t, err)

	_, err = NewBusObject("not/a/path")
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidName))

	desc := newChatInterface(t)
	obj, err := NewBusObject("/chat")
	require.NoError(t, err)
	require.NoError(t, obj.AddInterface(desc))
	assert.True(t, buserr.Is(obj.AddInterface(desc), buserr.ErrCodeAlreadyExists))

	err = a.RegisterBusObject(obj)
	assert.True(t, buserr.Is(err, buserr.ErrCodeNotFound), "unregistered interface: %v", err)

	require.NoError(t, a.RegisterInterface(desc))
	require.NoError(t, a.RegisterBusObject(obj))

	dup, _ := NewBusObject("/chat")
	assert.True(t, buserr.Is(a.RegisterBusObject(dup), buserr.ErrCodeAlreadyExists))
	assert.True(t, buserr.Is(obj.AddInterface(desc), buserr.ErrCodeInvalidState))

	require.NoError(t, a.UnregisterBusObject(obj))
	assert.True(t, buserr.Is(a.UnregisterBusObject(obj), buserr.ErrCodeNotFound))
}

func TestBusObject_UnactivatedInterface(t *testing.T) {
	d, err := iface.New("org.example.Draft")
	require.NoError(t, err)
	obj, err := NewBusObject("/draft")
	require.NoError(t, err)
	assert.True(t, buserr.Is(obj.AddInterface(d), buserr.ErrCodeInvalidState))
}

func TestBusObject_Properties(t *testing.T) {
	obj, err := NewBusObject("/chat")
	require.NoError(t, err)
	require.NoError(t, obj.AddInterface(newChatInterface(t)))

	require.NoError(t, obj.SetProperty(chatInterface, "Topic", "general"))
	v, ok := obj.Property(chatInterface, "Topic")
	require.True(t, ok)
	assert.Equal(t, "general", v)

	err = obj.SetProperty(chatInterface, "Topic", int32(4))
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidArgument))
	err = obj.SetProperty(chatInterface, "Missing", "x")
	assert.True(t, buserr.Is(err, buserr.ErrCodeNotFound))
}

func TestListenerRegistry(t *testing.T) {
	a, err := New("listeners")
	require.NoError(t, err)

	l := &BusListenerFuncs{}
	a.RegisterBusListener(l)
	require.NoError(t, a.UnregisterBusListener(l))
	assert.True(t, buserr.Is(a.UnregisterBusListener(l), buserr.ErrCodeNotFound))

	about := NewAboutListener(func(string, uint16, session.Port, []wire.ObjectDescription, map[string]string) {})
	a.RegisterAboutListener(about)
	require.NoError(t, a.UnregisterAboutListener(about))
}
