package bus

import (
	"reflect"

	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

// BusListener receives attachment-wide events. Callbacks run on the
// dispatch pool; found and lost for one peer arrive in order.
type BusListener interface {
	FoundAdvertisedName(name string, transport session.TransportMask, prefix string)
	LostAdvertisedName(name string, transport session.TransportMask, prefix string)
	NameOwnerChanged(busName, previousOwner, newOwner string)
	BusDisconnected()
	BusStopping()
}

// AboutListener receives About announcements matching an active
// WhoImplements query.
type AboutListener interface {
	Announced(busName string, version uint16, port session.Port, objects []wire.ObjectDescription, aboutData map[string]string)
}

// SessionPortListener decides admission to a bound port.
type SessionPortListener = session.PortListener

// SessionListener receives events for one session.
type SessionListener = session.Listener

// SignalHandler receives signals registered with RegisterSignalHandler.
type SignalHandler interface {
	HandleSignal(s *Signal)
}

// NoopBusListener implements BusListener with no-ops. Embed it to
// override only some callbacks.
type NoopBusListener struct{}

func (NoopBusListener) FoundAdvertisedName(string, session.TransportMask, string) {}
func (NoopBusListener) LostAdvertisedName(string, session.TransportMask, string)  {}
func (NoopBusListener) NameOwnerChanged(string, string, string)                   {}
func (NoopBusListener) BusDisconnected()                                          {}
func (NoopBusListener) BusStopping()                                              {}

// NoopSessionListener implements SessionListener with no-ops.
type NoopSessionListener struct{}

func (NoopSessionListener) SessionLost(session.ID, session.LostReason) {}
func (NoopSessionListener) SessionMemberAdded(session.ID, string)      {}
func (NoopSessionListener) SessionMemberRemoved(session.ID, string)    {}

// BusListenerFuncs adapts functions to BusListener. Nil fields are
// skipped. Register a pointer so it can be unregistered.
type BusListenerFuncs struct {
	OnFound            func(name string, transport session.TransportMask, prefix string)
	OnLost             func(name string, transport session.TransportMask, prefix string)
	OnNameOwnerChanged func(busName, previousOwner, newOwner string)
	OnDisconnected     func()
	OnStopping         func()
}

func (f *BusListenerFuncs) FoundAdvertisedName(name string, transport session.TransportMask, prefix string) {
	if f.OnFound != nil {
		f.OnFound(name, transport, prefix)
	}
}

func (f *BusListenerFuncs) LostAdvertisedName(name string, transport session.TransportMask, prefix string) {
	if f.OnLost != nil {
		f.OnLost(name, transport, prefix)
	}
}

func (f *BusListenerFuncs) NameOwnerChanged(busName, previousOwner, newOwner string) {
	if f.OnNameOwnerChanged != nil {
		f.OnNameOwnerChanged(busName, previousOwner, newOwner)
	}
}

func (f *BusListenerFuncs) BusDisconnected() {
	if f.OnDisconnected != nil {
		f.OnDisconnected()
	}
}

func (f *BusListenerFuncs) BusStopping() {
	if f.OnStopping != nil {
		f.OnStopping()
	}
}

// SessionListenerFuncs adapts functions to SessionListener.
type SessionListenerFuncs struct {
	OnLost          func(id session.ID, reason session.LostReason)
	OnMemberAdded   func(id session.ID, member string)
	OnMemberRemoved func(id session.ID, member string)
}

func (f *SessionListenerFuncs) SessionLost(id session.ID, reason session.LostReason) {
	if f.OnLost != nil {
		f.OnLost(id, reason)
	}
}

func (f *SessionListenerFuncs) SessionMemberAdded(id session.ID, member string) {
	if f.OnMemberAdded != nil {
		f.OnMemberAdded(id, member)
	}
}

func (f *SessionListenerFuncs) SessionMemberRemoved(id session.ID, member string) {
	if f.OnMemberRemoved != nil {
		f.OnMemberRemoved(id, member)
	}
}

// PortListenerFuncs adapts functions to SessionPortListener. A nil
// OnAccept accepts every joiner.
type PortListenerFuncs struct {
	OnAccept func(port session.Port, joiner string, opts session.Opts) bool
	OnJoined func(port session.Port, id session.ID, joiner string)
}

func (f *PortListenerFuncs) AcceptSessionJoiner(port session.Port, joiner string, opts session.Opts) bool {
	if f.OnAccept == nil {
		return true
	}
	return f.OnAccept(port, joiner, opts)
}

func (f *PortListenerFuncs) SessionJoined(port session.Port, id session.ID, joiner string) {
	if f.OnJoined != nil {
		f.OnJoined(port, id, joiner)
	}
}

// AboutListenerFunc adapts a function to AboutListener. Wrap it with
// NewAboutListener to get an unregisterable value.
type AboutListenerFunc func(busName string, version uint16, port session.Port, objects []wire.ObjectDescription, aboutData map[string]string)

type aboutFunc struct{ fn AboutListenerFunc }

func (a *aboutFunc) Announced(busName string, version uint16, port session.Port, objects []wire.ObjectDescription, aboutData map[string]string) {
	a.fn(busName, version, port, objects, aboutData)
}

// NewAboutListener wraps fn.
func NewAboutListener(fn AboutListenerFunc) AboutListener {
	return &aboutFunc{fn: fn}
}

type signalFunc struct{ fn func(*Signal) }

func (s *signalFunc) HandleSignal(sig *Signal) { s.fn(sig) }

// SignalHandlerFunc wraps fn as a SignalHandler.
func SignalHandlerFunc(fn func(*Signal)) SignalHandler {
	return &signalFunc{fn: fn}
}

// sameListener compares listeners without panicking on uncomparable
// dynamic types.
func sameListener(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
