package bus

import (
	"fmt"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/wire"
)

// RequestName makes this attachment reachable under a well-known name.
// Calls and signals addressed to the name are delivered here.
func (a *Attachment) RequestName(name string) error {
	if err := iface.ValidateWellKnownName(name); err != nil {
		return err
	}
	c, err := a.current()
	if err != nil {
		return err
	}
	if c.closing.Load() {
		return buserr.FromCode(buserr.ErrCodeNotConnected)
	}

	a.mu.Lock()
	if _, owned := a.names[name]; owned {
		a.mu.Unlock()
		return buserr.AlreadyExists(fmt.Sprintf("name %s is already owned", name))
	}
	sub, err := c.link.Subscribe(router.NameSubject(name))
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.names[name] = sub
	a.mu.Unlock()

	c.wg.Add(1)
	go a.forward(c, sub)

	a.announceOwner(c, name, "", c.unique)
	return nil
}

// ReleaseName gives up a well-known name.
func (a *Attachment) ReleaseName(name string) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	a.mu.Lock()
	sub, owned := a.names[name]
	if owned {
		delete(a.names, name)
	}
	a.mu.Unlock()
	if !owned {
		return buserr.NotFound(fmt.Sprintf("name %s is not owned", name))
	}
	if err := sub.Unsubscribe(); err != nil {
		a.logger.Debug("unsubscribing name", map[string]interface{}{"name": name, "error": err.Error()})
	}
	a.announceOwner(c, name, c.unique, "")
	return nil
}

// OwnedNames returns the well-known names this attachment holds.
func (a *Attachment) OwnedNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.names))
	for name := range a.names {
		out = append(out, name)
	}
	return out
}

// announceOwner broadcasts NameOwnerChanged and tells local listeners.
func (a *Attachment) announceOwner(c *connection, name, previous, owner string) {
	m := &wire.Message{
		Type:      wire.TypeSignal,
		Flags:     wire.FlagBroadcast,
		Serial:    a.nextSerial(),
		Interface: BusInterface,
		Member:    nameOwnerChanged,
		Path:      "/",
		Sender:    c.unique,
	}
	if err := m.SetArgs("sss", []any{name, previous, owner}); err == nil {
		if err := a.publish(c, router.SubjectBroadcast, m); err != nil {
			a.logger.Warn("NameOwnerChanged not sent", map[string]interface{}{"name": name, "error": err.Error()})
		}
	}
	a.notifyBus(func(l BusListener) { l.NameOwnerChanged(name, previous, owner) })
}

func (a *Attachment) handleNameOwnerChanged(m *wire.Message) {
	args, err := m.Args()
	if err != nil || len(args) != 3 {
		a.logger.SignalDropped(m.Interface, m.Member, "bad arguments")
		return
	}
	name, _ := args[0].(string)
	previous, _ := args[1].(string)
	owner, _ := args[2].(string)
	a.notifyBus(func(l BusListener) { l.NameOwnerChanged(name, previous, owner) })
}
