package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/signature"
	"github.com/vinayprograms/peerbus/telemetry"
	"github.com/vinayprograms/peerbus/wire"
)

// pendingCall waits for the reply to one serial. settle, when set, runs
// on the pump before the caller is woken.
type pendingCall struct {
	serial uint32
	dest   string
	reply  chan callResult
	settle func(*wire.Message) error
}

type callResult struct {
	msg *wire.Message
	err error
}

// callTarget addresses an outbound method call.
type callTarget struct {
	dest      string
	path      string
	sessionID session.ID
	iface     string
	member    iface.Member
}

// methodCall sends a call and waits for its reply. A NoReply member
// returns as soon as the call is published.
func (a *Attachment) methodCall(ctx context.Context, t callTarget, args []any, timeout time.Duration) (ret []any, err error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordCall(t.iface, t.member.Name, time.Since(start), err)
		a.logger.MethodCall(t.iface, t.member.Name, t.dest, time.Since(start), err)
	}()

	if err := signature.CheckArgs(t.member.Signature, args); err != nil {
		return nil, buserr.Wrap(err, "arguments", buserr.WithMember(t.iface, t.member.Name))
	}
	c, err := a.current()
	if err != nil {
		return nil, err
	}
	if err := a.checkSession(t.sessionID, t.dest); err != nil {
		return nil, err
	}

	m := &wire.Message{
		Type:        wire.TypeMethodCall,
		Serial:      a.nextSerial(),
		SessionID:   uint32(t.sessionID),
		Interface:   t.iface,
		Member:      t.member.Name,
		Path:        t.path,
		Sender:      c.unique,
		Destination: t.dest,
	}
	if err := m.SetArgs(t.member.Signature, args); err != nil {
		return nil, err
	}

	ctx, span := a.tracer.StartCallSpan(ctx, telemetry.CallSpanOptions{
		Interface:   t.iface,
		Member:      t.member.Name,
		Destination: t.dest,
		Path:        t.path,
		SessionID:   uint32(t.sessionID),
		Signature:   t.member.Signature,
	})
	defer func() { a.tracer.EndSpan(span, err) }()
	telemetry.InjectMessage(ctx, m)

	if t.member.NoReply() {
		m.Flags |= wire.FlagNoReplyExpected
		return nil, a.publish(c, subjectFor(t.dest), m)
	}

	reply, err := a.roundTrip(ctx, c, subjectFor(t.dest), m, timeout)
	if err != nil {
		return nil, err
	}
	return a.unpackReply(reply, t)
}

// roundTrip publishes m and waits for the message answering its serial.
func (a *Attachment) roundTrip(ctx context.Context, c *connection, subject string, m *wire.Message, timeout time.Duration) (*wire.Message, error) {
	return a.roundTripSettled(ctx, c, subject, m, timeout, nil)
}

// roundTripSettled is roundTrip with a settle step run on the pump as the
// reply arrives. A reply that races the timeout still wins once settle
// has run, so its side effects are never orphaned.
func (a *Attachment) roundTripSettled(ctx context.Context, c *connection, subject string, m *wire.Message, timeout time.Duration, settle func(*wire.Message) error) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = a.cfg.CallTimeout
	}
	p := &pendingCall{serial: m.Serial, dest: m.Destination, reply: make(chan callResult, 1), settle: settle}
	a.pending.Set(p.serial, p)

	if err := a.publish(c, subject, m); err != nil {
		a.pending.Remove(p.serial)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.reply:
		return r.msg, r.err
	case <-timer.C:
		if _, ok := a.pending.Pop(p.serial); !ok {
			r := <-p.reply
			return r.msg, r.err
		}
		return nil, buserr.Timeout(fmt.Sprintf("no reply to %s.%s after %s", m.Interface, m.Member, timeout),
			buserr.WithPeer(m.Destination), buserr.WithMember(m.Interface, m.Member))
	case <-ctx.Done():
		if _, ok := a.pending.Pop(p.serial); !ok {
			r := <-p.reply
			return r.msg, r.err
		}
		return nil, buserr.Wrap(ctx.Err(), fmt.Sprintf("%s.%s", m.Interface, m.Member),
			buserr.WithPeer(m.Destination), buserr.WithMember(m.Interface, m.Member))
	}
}

// unpackReply turns a reply envelope into return values or the remote
// error.
func (a *Attachment) unpackReply(reply *wire.Message, t callTarget) ([]any, error) {
	if reply.Type == wire.TypeError {
		return nil, remoteError(reply)
	}
	ret, err := reply.Args()
	if err != nil {
		return nil, buserr.Malformed(fmt.Sprintf("decoding reply: %v", err),
			buserr.WithPeer(reply.Sender), buserr.WithMember(t.iface, t.member.Name))
	}
	if err := signature.CheckArgs(t.member.ReturnSignature, ret); err != nil {
		return nil, buserr.Malformed(fmt.Sprintf("reply does not match %q: %v", t.member.ReturnSignature, err),
			buserr.WithPeer(reply.Sender), buserr.WithMember(t.iface, t.member.Name))
	}
	return ret, nil
}

// remoteError decodes an error reply body.
func remoteError(m *wire.Message) error {
	e := &buserr.Error{}
	if len(m.Body) > 0 && json.Unmarshal(m.Body, e) == nil {
		if e.Peer() == "" {
			return buserr.New(e.Code(), e.Error(), buserr.WithPeer(m.Sender), buserr.WithMetadataMap(e.Metadata()))
		}
		return e
	}
	code := buserr.ErrorCode(strings.TrimPrefix(m.ErrorName, buserr.ErrorNamePrefix))
	return buserr.New(code, "remote error", buserr.WithPeer(m.Sender))
}

// completeCall hands a reply to its waiting caller.
func (a *Attachment) completeCall(m *wire.Message) {
	p, ok := a.pending.Pop(m.ReplySerial)
	if !ok {
		a.logger.Debug("reply without pending call", map[string]interface{}{
			"reply_serial": m.ReplySerial,
			"sender":       m.Sender,
		})
		return
	}
	if p.settle != nil {
		if err := p.settle(m); err != nil {
			p.reply <- callResult{err: err}
			return
		}
	}
	p.reply <- callResult{msg: m}
}

// failPending fails every pending call selected by match.
func (a *Attachment) failPending(match func(*pendingCall) bool, err *buserr.Error) {
	for serial, p := range a.pending.Items() {
		if !match(p) {
			continue
		}
		if p, ok := a.pending.Pop(serial); ok {
			p.reply <- callResult{err: err}
		}
	}
}

// checkSession requires sessionID to be a live local session containing
// dest when dest is a unique name.
func (a *Attachment) checkSession(id session.ID, dest string) error {
	if id == session.InvalidID {
		return nil
	}
	s, ok := a.sessions.Get(id)
	if !ok || s.State() == session.StateClosed {
		return buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("session %d does not exist", id))
	}
	if isUniqueName(dest) && !s.HasMember(dest) {
		return buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("%s is not a member of session %d", dest, id),
			buserr.WithPeer(dest))
	}
	return nil
}

// publish encodes m and sends it on subject.
func (a *Attachment) publish(c *connection, subject string, m *wire.Message) error {
	data, err := wire.Encode(m, a.cfg.Limits)
	if err != nil {
		return err
	}
	if err := c.link.Publish(subject, data); err != nil {
		return buserr.WrapWithCode(err, buserr.ErrCodeUnreachable, "publish", buserr.WithPeer(m.Destination))
	}
	return nil
}

// sendControl sends a session control message to dest.
func (a *Attachment) sendControl(c *connection, dest string, id session.ID, kind string, payload wire.Payload, replySerial uint32) error {
	m, err := wire.NewControl(kind, payload)
	if err != nil {
		return err
	}
	m.Serial = a.nextSerial()
	m.ReplySerial = replySerial
	m.SessionID = uint32(id)
	m.Sender = c.unique
	m.Destination = dest
	return a.publish(c, subjectFor(dest), m)
}

// subjectFor maps a destination bus name to its routing subject.
func subjectFor(dest string) string {
	if isUniqueName(dest) {
		return router.PeerSubject(dest)
	}
	return router.NameSubject(dest)
}

func isUniqueName(name string) bool {
	return len(name) > 0 && name[0] == ':'
}
