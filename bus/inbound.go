package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/peerbus/discovery"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/heartbeat"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/signature"
	"github.com/vinayprograms/peerbus/wire"
)

const minCheckInterval = 50 * time.Millisecond

// forward moves deliveries from a subscription into the inbound queue.
func (a *Attachment) forward(c *connection, sub router.Subscription) {
	defer c.wg.Done()
	for msg := range sub.Messages() {
		if c.inbound.Len() >= int64(a.cfg.QueueSize) {
			a.metrics.RecordDrop("queue_full")
			a.logger.Warn("inbound queue full, dropping message", map[string]interface{}{"subject": msg.Subject})
			continue
		}
		if err := c.inbound.Put(msg.Data); err != nil {
			return
		}
	}
}

// pump is the single reader of the inbound queue.
func (a *Attachment) pump(c *connection) {
	defer c.wg.Done()
	for {
		items, err := c.inbound.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			if data, ok := item.([]byte); ok {
				a.route(c, data)
			}
		}
	}
}

// route decodes one envelope and sends it to its handler.
func (a *Attachment) route(c *connection, data []byte) {
	m, err := wire.Decode(data, a.cfg.Limits)
	if err != nil {
		var be *buserr.Error
		sender := ""
		if errors.As(err, &be) {
			sender = be.Peer()
		}
		a.malformed(c, sender, err)
		return
	}
	if m.Sender == "" {
		a.malformed(c, "", buserr.Malformed("message without sender"))
		return
	}
	if a.quarantine.Blocked(m.Sender) {
		a.metrics.RecordDrop("quarantined")
		return
	}

	switch m.Type {
	case wire.TypeMethodReturn, wire.TypeError:
		a.completeCall(m)
	case wire.TypeMethodCall:
		a.submit(func() { a.handleCall(c, m) })
	case wire.TypeSignal:
		a.submitKeyed("signal:"+m.Sender, func() { a.handleSignal(c, m) })
	case wire.TypeControl:
		a.handleControl(c, m)
	}
}

// malformed counts a bad message against its sender and quarantines
// repeat offenders.
func (a *Attachment) malformed(c *connection, sender string, err error) {
	a.metrics.RecordMalformed()
	a.logger.ProtocolDrop(sender, err)
	if sender == "" || sender == c.unique {
		return
	}
	if a.quarantine.Strike(sender) {
		a.metrics.RecordQuarantine()
		a.logger.Warn("peer quarantined", map[string]interface{}{"peer": sender})
		a.dropPeer(c, sender)
	}
}

// handleCall runs a method handler and publishes the reply.
func (a *Attachment) handleCall(c *connection, m *wire.Message) {
	ctx, span := a.tracer.StartHandlerSpan(c.ctx, m)
	ret, retSig, err := a.invoke(ctx, c, m)
	a.tracer.EndSpan(span, err)

	if m.Flags&wire.FlagNoReplyExpected != 0 {
		if err != nil {
			a.logger.Debug("no-reply call failed", map[string]interface{}{
				"interface": m.Interface,
				"member":    m.Member,
				"error":     err.Error(),
			})
		}
		return
	}

	reply := &wire.Message{
		Type:        wire.TypeMethodReturn,
		Serial:      a.nextSerial(),
		ReplySerial: m.Serial,
		SessionID:   m.SessionID,
		Sender:      c.unique,
		Destination: m.Sender,
	}
	if err == nil {
		if serr := reply.SetArgs(retSig, ret); serr != nil {
			err = buserr.HandlerFault(fmt.Sprintf("encoding return values: %v", serr),
				buserr.WithMember(m.Interface, m.Member))
		}
	}
	if err != nil {
		be := replyError(err, m)
		body, jerr := json.Marshal(be)
		if jerr != nil {
			body = nil
		}
		reply.Type = wire.TypeError
		reply.ErrorName = be.ErrorName()
		reply.Signature = ""
		reply.Body = body
	}

	if perr := a.publish(c, router.PeerSubject(m.Sender), reply); perr != nil {
		a.logger.Warn("sending reply failed", map[string]interface{}{
			"dest":  m.Sender,
			"error": perr.Error(),
		})
	}
}

// replyError converts a handler failure into the error sent back.
func replyError(err error, m *wire.Message) *buserr.Error {
	var be *buserr.Error
	if errors.As(err, &be) {
		return be
	}
	return buserr.MethodFailed("method handler failed", buserr.WithCause(err), buserr.WithMember(m.Interface, m.Member))
}

// invoke resolves and runs the target of a method call.
func (a *Attachment) invoke(ctx context.Context, c *connection, m *wire.Message) ([]any, string, error) {
	args, err := m.Args()
	if err != nil {
		a.malformed(c, m.Sender, err)
		return nil, "", buserr.Malformed(fmt.Sprintf("decoding arguments: %v", err), buserr.WithMember(m.Interface, m.Member))
	}
	call := &Call{
		Sender:    m.Sender,
		SessionID: session.ID(m.SessionID),
		Path:      m.Path,
		Interface: m.Interface,
		Member:    m.Member,
		Args:      args,
		Message:   m,
	}

	if d, ok := builtinInterfaces[m.Interface]; ok && m.Interface != BusInterface {
		meth, ok := d.Method(m.Member)
		if !ok {
			return nil, "", buserr.FromCode(buserr.ErrCodeNoSuchMethod, buserr.WithMember(m.Interface, m.Member))
		}
		if err := signature.CheckArgs(meth.Signature, args); err != nil {
			return nil, "", buserr.Wrap(err, "arguments", buserr.WithMember(m.Interface, m.Member))
		}
		ret, err := a.runHandler(ctx, a.builtinHandler, call)
		return ret, meth.ReturnSignature, err
	}

	obj := a.object(m.Path)
	if obj == nil {
		return nil, "", buserr.FromCode(buserr.ErrCodeNoSuchObject, buserr.WithMetadata("path", m.Path))
	}
	member, h, err := obj.lookup(m.Interface, m.Member)
	if err != nil {
		return nil, "", err
	}
	if err := signature.CheckArgs(member.Signature, args); err != nil {
		return nil, "", buserr.Wrap(err, "arguments", buserr.WithMember(m.Interface, m.Member))
	}

	ret, err := a.runHandler(ctx, h, call)
	if err != nil {
		return nil, "", err
	}
	if err := signature.CheckArgs(member.ReturnSignature, ret); err != nil {
		a.logger.HandlerFault("method", m.Interface+"."+m.Member, err)
		return nil, "", buserr.HandlerFault(fmt.Sprintf("return values do not match %q: %v", member.ReturnSignature, err),
			buserr.WithMember(m.Interface, m.Member))
	}
	return ret, member.ReturnSignature, nil
}

// runHandler calls h, turning a panic into HANDLER_FAULT.
func (a *Attachment) runHandler(ctx context.Context, h MethodHandler, call *Call) (ret []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			fault := buserr.RecoverPanic(r)
			a.metrics.RecordPanic()
			a.logger.HandlerFault("method", call.Interface+"."+call.Member, fault)
			ret, err = nil, buserr.HandlerFault(fault.Error(), buserr.WithMember(call.Interface, call.Member))
		}
	}()
	return h(ctx, call)
}

// watchDiscovery delivers directory events. Events for one peer are
// handled in order.
func (a *Attachment) watchDiscovery(c *connection, events <-chan discovery.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.submitKeyed("peer:"+e.Peer(), func() { a.deliverDiscovery(e) })
		}
	}
}

// watchBeacons releases quarantined peers once they are seen alive after
// their quarantine period.
func (a *Attachment) watchBeacons(c *connection, beacons <-chan *heartbeat.Beacon) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case b, ok := <-beacons:
			if !ok {
				return
			}
			if a.quarantine.Release(b.UniqueName) {
				a.logger.Info("peer released from quarantine", map[string]interface{}{"peer": b.UniqueName})
			}
		}
	}
}

// peerDead handles a peer whose beacons stopped.
func (a *Attachment) peerDead(c *connection, peer string) {
	if c.closing.Load() {
		return
	}
	a.logger.Warn("peer stopped sending beacons", map[string]interface{}{"peer": peer})
	a.dropPeer(c, peer)
}

// dropPeer ends everything shared with an unreachable or quarantined
// peer: pending calls fail, sessions lose it and its advertisements are
// forgotten.
func (a *Attachment) dropPeer(c *connection, peer string) {
	a.failPending(func(p *pendingCall) bool { return p.dest == peer },
		buserr.New(buserr.ErrCodeUnreachable, "peer is unreachable", buserr.WithPeer(peer)))

	for _, s := range a.sessions.SessionsWith(peer) {
		a.submitKeyed(sessionKey(s.ID()), func() {
			a.memberGone(c, s, peer, session.ReasonRemoteEndClosedAbruptly)
		})
	}
	if c.dir != nil {
		c.dir.Forget(peer)
	}
}
