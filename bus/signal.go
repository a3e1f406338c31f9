package bus

import (
	"context"
	"fmt"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/metrics"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/signature"
	"github.com/vinayprograms/peerbus/telemetry"
	"github.com/vinayprograms/peerbus/wire"
)

// Signal is a received signal.
type Signal struct {
	Sender      string
	SessionID   session.ID
	Path        string
	Interface   string
	Member      string
	Args        []any
	Sessionless bool
	Broadcast   bool
}

type signalRegistration struct {
	handler SignalHandler
	iface   string
	member  string
	path    string
}

// Signal emits a signal from the object. A non-empty dest sends it to one
// peer; otherwise a non-zero sessionID sends it to every other session
// member; otherwise it is broadcast to attachments with a matching rule.
// Emission does not wait for delivery.
func (o *BusObject) Signal(ctx context.Context, dest string, sessionID session.ID, ifaceName, member string, args ...any) error {
	return o.emit(ctx, dest, sessionID, ifaceName, member, false, args)
}

// SessionlessSignal broadcasts a signal flagged sessionless regardless of
// the member's annotation.
func (o *BusObject) SessionlessSignal(ctx context.Context, ifaceName, member string, args ...any) error {
	return o.emit(ctx, "", session.InvalidID, ifaceName, member, true, args)
}

func (o *BusObject) emit(ctx context.Context, dest string, sessionID session.ID, ifaceName, member string, sessionless bool, args []any) (err error) {
	a, err := o.attachment()
	if err != nil {
		return err
	}
	o.mu.RLock()
	desc, ok := o.ifaces[ifaceName]
	o.mu.RUnlock()
	if !ok {
		return buserr.NotFound(fmt.Sprintf("object %s does not implement %s", o.path, ifaceName))
	}
	sig, ok := desc.Signal(member)
	if !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s has no signal %s", ifaceName, member),
			buserr.WithMember(ifaceName, member))
	}
	if err := signature.CheckArgs(sig.Signature, args); err != nil {
		return buserr.Wrap(err, "signal arguments", buserr.WithMember(ifaceName, member))
	}
	c, err := a.current()
	if err != nil {
		return err
	}

	m := &wire.Message{
		Type:      wire.TypeSignal,
		Serial:    a.nextSerial(),
		SessionID: uint32(sessionID),
		Interface: ifaceName,
		Member:    member,
		Path:      o.path,
		Sender:    c.unique,
	}
	if err := m.SetArgs(sig.Signature, args); err != nil {
		return err
	}

	ctx, span := a.tracer.StartSignalSpan(ctx, ifaceName, member, uint32(sessionID))
	defer func() { a.tracer.EndSpan(span, err) }()
	telemetry.InjectMessage(ctx, m)

	switch {
	case dest != "":
		if err := a.checkSession(sessionID, dest); err != nil {
			return err
		}
		m.Destination = dest
		err = a.publish(c, subjectFor(dest), m)

	case sessionID != session.InvalidID:
		s, ok := a.sessions.Get(sessionID)
		if !ok || s.State() == session.StateClosed {
			return buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("session %d does not exist", sessionID))
		}
		data, encErr := wire.Encode(m, a.cfg.Limits)
		if encErr != nil {
			return encErr
		}
		for _, peer := range s.Peers() {
			if perr := c.link.Publish(router.PeerSubject(peer), data); perr != nil {
				a.logger.Warn("session signal not sent", map[string]interface{}{
					"session": uint32(sessionID),
					"peer":    peer,
					"error":   perr.Error(),
				})
			}
		}

	default:
		m.Flags |= wire.FlagBroadcast
		if sessionless || sig.IsSessionless() {
			m.Flags |= wire.FlagSessionless
		}
		err = a.publish(c, router.SubjectBroadcast, m)
	}
	if err == nil {
		a.metrics.RecordSignal(metrics.Emitted, ifaceName)
	}
	return err
}

// RegisterSignalHandler delivers signals of iface.member to h. A
// non-empty sourcePath restricts delivery to signals from that path.
func (a *Attachment) RegisterSignalHandler(h SignalHandler, ifaceName, member, sourcePath string) error {
	if h == nil {
		return buserr.InvalidArgument("signal handler is nil")
	}
	desc, ok := a.Interface(ifaceName)
	if !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s is not registered", ifaceName))
	}
	if !desc.IsActivated() {
		return buserr.InvalidState(fmt.Sprintf("interface %s is not activated", ifaceName))
	}
	if _, ok := desc.Signal(member); !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s has no signal %s", ifaceName, member),
			buserr.WithMember(ifaceName, member))
	}
	if sourcePath != "" && !signature.ObjectPath(sourcePath).IsValid() {
		return buserr.New(buserr.ErrCodeInvalidName, fmt.Sprintf("invalid source path %q", sourcePath))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, &signalRegistration{handler: h, iface: ifaceName, member: member, path: sourcePath})
	return nil
}

// UnregisterSignalHandler removes a registration made with the same
// arguments.
func (a *Attachment) UnregisterSignalHandler(h SignalHandler, ifaceName, member, sourcePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.handlers {
		if r.iface == ifaceName && r.member == member && r.path == sourcePath && sameListener(r.handler, h) {
			a.handlers = append(a.handlers[:i:i], a.handlers[i+1:]...)
			return nil
		}
	}
	return buserr.NotFound(fmt.Sprintf("no handler registered for %s.%s", ifaceName, member))
}

func (a *Attachment) signalHandlers(m *wire.Message) []SignalHandler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []SignalHandler
	for _, r := range a.handlers {
		if r.iface == m.Interface && r.member == m.Member && (r.path == "" || r.path == m.Path) {
			out = append(out, r.handler)
		}
	}
	return out
}

// handleSignal filters and delivers one inbound signal.
func (a *Attachment) handleSignal(c *connection, m *wire.Message) {
	broadcast := m.Flags&wire.FlagBroadcast != 0
	if broadcast && m.Sender == c.unique {
		return
	}
	if m.Interface == BusInterface && m.Member == nameOwnerChanged {
		a.handleNameOwnerChanged(m)
		return
	}

	switch {
	case broadcast:
		if !a.matchesBroadcast(m) {
			a.logger.SignalDropped(m.Interface, m.Member, "no matching rule")
			return
		}
	case m.SessionID != 0:
		s, ok := a.sessions.Get(session.ID(m.SessionID))
		if !ok || s.State() == session.StateClosed || !s.HasMember(m.Sender) {
			a.logger.SignalDropped(m.Interface, m.Member, "not in session")
			return
		}
	}

	args, err := m.Args()
	if err != nil {
		a.malformed(c, m.Sender, err)
		return
	}
	if desc, ok := a.Interface(m.Interface); ok {
		if sig, ok := desc.Signal(m.Member); ok {
			if err := signature.CheckArgs(sig.Signature, args); err != nil {
				a.malformed(c, m.Sender, err)
				return
			}
		}
	}

	handlers := a.signalHandlers(m)
	if len(handlers) == 0 {
		a.logger.SignalDropped(m.Interface, m.Member, "no handler")
		return
	}
	sig := &Signal{
		Sender:      m.Sender,
		SessionID:   session.ID(m.SessionID),
		Path:        m.Path,
		Interface:   m.Interface,
		Member:      m.Member,
		Args:        args,
		Sessionless: m.Flags&wire.FlagSessionless != 0,
		Broadcast:   broadcast,
	}
	for _, h := range handlers {
		a.safely("signal", func() { h.HandleSignal(sig) })
	}
	a.metrics.RecordSignal(metrics.Delivered, m.Interface)
}
