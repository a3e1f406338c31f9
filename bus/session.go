package bus

import (
	"context"
	"fmt"
	"strconv"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

// BindSessionPort lets other attachments join sessions on port. PortAny
// allocates a free port, which is returned.
func (a *Attachment) BindSessionPort(port session.Port, opts session.Opts, l SessionPortListener) (session.Port, error) {
	return a.sessions.BindPort(port, opts, l)
}

// UnbindSessionPort stops accepting joins on port. Existing sessions stay
// up.
func (a *Attachment) UnbindSessionPort(port session.Port) error {
	return a.sessions.UnbindPort(port)
}

// JoinSession asks host to admit this attachment on port. On success the
// session is active and l receives its events.
func (a *Attachment) JoinSession(ctx context.Context, host string, port session.Port, opts session.Opts, l SessionListener) (id session.ID, err error) {
	c, err := a.current()
	if err != nil {
		return session.InvalidID, err
	}
	if host == c.unique {
		return session.InvalidID, buserr.InvalidArgument("cannot join a session hosted by this attachment")
	}

	ctx, span := a.tracer.StartJoinSpan(ctx, host, uint16(port))
	defer func() { a.tracer.EndSpan(span, err) }()

	m, err := wire.NewControl(wire.ControlJoinRequest, wire.JoinRequest{Port: port, Opts: opts, Joiner: c.unique})
	if err != nil {
		return session.InvalidID, err
	}
	m.Serial = a.nextSerial()
	m.Sender = c.unique
	m.Destination = host

	var out joinOutcome
	reply, err := a.roundTripSettled(ctx, c, subjectFor(host), m, a.cfg.JoinTimeout, a.settleJoin(c, port, l, &out))
	if err != nil {
		a.metrics.RecordJoin("joiner", string(buserr.Code(err)))
		return session.InvalidID, err
	}
	if reply.Type == wire.TypeError {
		return session.InvalidID, remoteError(reply)
	}
	r := out.reply
	a.metrics.RecordJoin("joiner", string(r.Status))

	switch r.Status {
	case wire.JoinRejected:
		return session.InvalidID, buserr.JoinRejected(host, uint16(port))
	case wire.JoinNoSuchPort:
		return session.InvalidID, buserr.JoinRejected(host, uint16(port), buserr.WithMetadata("reason", string(r.Status)))
	case wire.JoinIncompatible:
		return session.InvalidID, buserr.New(buserr.ErrCodeIncompatibleOpts,
			fmt.Sprintf("session options on port %d of %s do not overlap", port, host), buserr.WithPeer(host))
	}
	if out.err != nil {
		return session.InvalidID, out.err
	}
	s := out.session
	if s == nil {
		return session.InvalidID, buserr.Malformed(fmt.Sprintf("join reply with status %q", r.Status), buserr.WithPeer(host))
	}
	if r.Opts.Multipoint && l != nil {
		peers := s.Peers()
		a.submitKeyed(sessionKey(s.ID()), func() {
			for _, p := range peers {
				a.safely("session listener", func() { l.SessionMemberAdded(s.ID(), p) })
			}
		})
	}
	return s.ID(), nil
}

// joinOutcome is what settleJoin leaves for the joining goroutine.
type joinOutcome struct {
	reply   wire.JoinReply
	session *session.Session
	err     error
}

// settleJoin creates and activates the joiner's session on the pump as the
// accepted reply arrives. Messages the host sends after admitting the
// joiner are routed after it.
func (a *Attachment) settleJoin(c *connection, port session.Port, l SessionListener, out *joinOutcome) func(*wire.Message) error {
	return func(reply *wire.Message) error {
		if reply.Type == wire.TypeError {
			return nil
		}
		r, err := wire.DecodePayload[wire.JoinReply](reply.Body)
		if err != nil {
			return buserr.Wrap(err, "decoding join reply", buserr.WithPeer(reply.Sender))
		}
		out.reply = r
		if r.Status != wire.JoinAccepted {
			return nil
		}

		s, err := a.sessions.Create(r.SessionID, port, reply.Sender, r.Opts)
		if err != nil {
			out.err = err
			return nil
		}
		for _, member := range r.Members {
			s.AddMember(member)
		}
		s.AddMember(reply.Sender)
		s.SetListener(l)
		s.Activate()
		a.metrics.SessionOpened()
		a.syncHeartbeat(c)
		out.session = s
		return nil
	}
}

// LeaveSession leaves a session. The local listener is not told; the
// other members see the departure.
func (a *Attachment) LeaveSession(id session.ID) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	s, ok := a.sessions.Get(id)
	if !ok {
		return buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("session %d does not exist", id))
	}
	a.sendLeave(c, s)
	if _, removed := a.sessions.Remove(id); removed {
		a.metrics.SessionClosed()
	}
	a.syncHeartbeat(c)
	return nil
}

// RemoveSessionMember evicts member from a multipoint session this
// attachment hosts.
func (a *Attachment) RemoveSessionMember(id session.ID, member string) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	s, ok := a.sessions.Get(id)
	if !ok {
		return buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("session %d does not exist", id))
	}
	if !s.IsHost() || !s.Opts().Multipoint {
		return buserr.InvalidState(fmt.Sprintf("session %d is not a hosted multipoint session", id))
	}
	if member == c.unique {
		return buserr.InvalidArgument("host cannot remove itself")
	}
	if !s.HasMember(member) {
		return buserr.NotFound(fmt.Sprintf("%s is not a member of session %d", member, id), buserr.WithPeer(member))
	}

	if err := a.sendControl(c, member, id, wire.ControlSessionLost,
		wire.SessionLost{SessionID: id, Reason: session.ReasonRemovedByHost}, 0); err != nil {
		a.logger.Warn("eviction notice not sent", map[string]interface{}{"session": uint32(id), "member": member, "error": err.Error()})
	}
	a.memberGone(c, s, member, session.ReasonRemovedByHost)
	return nil
}

// SetSessionListener replaces the listener of a session.
func (a *Attachment) SetSessionListener(id session.ID, l SessionListener) error {
	s, ok := a.sessions.Get(id)
	if !ok {
		return buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("session %d does not exist", id))
	}
	s.SetListener(l)
	return nil
}

// SessionMembers returns the members of a session, this attachment
// included.
func (a *Attachment) SessionMembers(id session.ID) ([]string, error) {
	s, ok := a.sessions.Get(id)
	if !ok {
		return nil, buserr.New(buserr.ErrCodeNoSession, fmt.Sprintf("session %d does not exist", id))
	}
	return s.Members(), nil
}

// handleControl decodes a control message on the pump and queues its
// handling.
func (a *Attachment) handleControl(c *connection, m *wire.Message) {
	switch m.Member {
	case wire.ControlJoinReply:
		a.completeCall(m)

	case wire.ControlJoinRequest:
		req, err := wire.DecodePayload[wire.JoinRequest](m.Body)
		if err != nil {
			a.malformed(c, m.Sender, err)
			return
		}
		a.submitKeyed("port:"+strconv.Itoa(int(req.Port)), func() { a.hostJoin(c, m, req) })

	case wire.ControlLeave, wire.ControlMemberAdded, wire.ControlMemberRemoved:
		change, err := wire.DecodePayload[wire.MemberChange](m.Body)
		if err != nil {
			a.malformed(c, m.Sender, err)
			return
		}
		a.submitKeyed(sessionKey(change.SessionID), func() { a.memberChange(c, m.Member, m.Sender, change) })

	case wire.ControlSessionLost:
		lost, err := wire.DecodePayload[wire.SessionLost](m.Body)
		if err != nil {
			a.malformed(c, m.Sender, err)
			return
		}
		a.submitKeyed(sessionKey(lost.SessionID), func() { a.hostEnded(c, m.Sender, lost) })

	default:
		a.malformed(c, m.Sender, buserr.Malformed(fmt.Sprintf("unknown control kind %q", m.Member), buserr.WithPeer(m.Sender)))
	}
}

// hostJoin admits or refuses a joiner on a bound port.
func (a *Attachment) hostJoin(c *connection, m *wire.Message, req wire.JoinRequest) {
	joiner := m.Sender
	reply := func(r wire.JoinReply) {
		if err := a.sendControl(c, joiner, r.SessionID, wire.ControlJoinReply, r, m.Serial); err != nil {
			a.logger.Warn("join reply not sent", map[string]interface{}{"joiner": joiner, "error": err.Error()})
		}
		a.metrics.RecordJoin("host", string(r.Status))
	}

	b, ok := a.sessions.Binding(req.Port)
	if !ok {
		reply(wire.JoinReply{Status: wire.JoinNoSuchPort, Message: fmt.Sprintf("port %d is not bound", req.Port)})
		return
	}
	if !b.Opts.IsCompatible(req.Opts) {
		reply(wire.JoinReply{Status: wire.JoinIncompatible, Opts: b.Opts})
		return
	}
	accepted := false
	a.safely("session port listener", func() {
		accepted = b.Listener.AcceptSessionJoiner(req.Port, joiner, req.Opts)
	})
	if !accepted {
		reply(wire.JoinReply{Status: wire.JoinRejected})
		return
	}

	opts := b.Opts.Negotiate(req.Opts)
	var s *session.Session
	existing := false
	if opts.Multipoint {
		s, existing = a.sessions.HostedMultipoint(req.Port)
	}
	if !existing {
		var err error
		s, err = a.sessions.Create(session.InvalidID, req.Port, c.unique, opts)
		if err != nil {
			a.logger.Error("creating session", map[string]interface{}{"port": uint16(req.Port), "error": err.Error()})
			reply(wire.JoinReply{Status: wire.JoinRejected, Message: "host could not create session"})
			return
		}
		s.Activate()
		a.metrics.SessionOpened()
	}

	peers := s.Peers()
	s.AddMember(joiner)
	reply(wire.JoinReply{Status: wire.JoinAccepted, SessionID: s.ID(), Opts: s.Opts(), Members: s.Members()})

	for _, p := range peers {
		if err := a.sendControl(c, p, s.ID(), wire.ControlMemberAdded, wire.MemberChange{SessionID: s.ID(), Member: joiner}, 0); err != nil {
			a.logger.Warn("member notice not sent", map[string]interface{}{"member": p, "error": err.Error()})
		}
	}
	a.syncHeartbeat(c)

	id := s.ID()
	a.safely("session port listener", func() { b.Listener.SessionJoined(req.Port, id, joiner) })
	if opts.Multipoint {
		if l := s.Listener(); l != nil {
			a.submitKeyed(sessionKey(id), func() {
				a.safely("session listener", func() { l.SessionMemberAdded(id, joiner) })
			})
		}
	}
}

// memberChange applies Leave, MemberAdded and MemberRemoved.
func (a *Attachment) memberChange(c *connection, kind, sender string, change wire.MemberChange) {
	s, ok := a.sessions.Get(change.SessionID)
	if !ok || s.State() == session.StateClosed {
		return
	}
	switch kind {
	case wire.ControlLeave:
		if sender != change.Member {
			a.logger.Warn("leave for another member ignored", map[string]interface{}{"sender": sender, "member": change.Member})
			return
		}
		a.memberGone(c, s, change.Member, session.ReasonRemoteEndLeft)

	case wire.ControlMemberAdded:
		if sender != s.Host() || change.Member == c.unique {
			return
		}
		if s.AddMember(change.Member) {
			if l := s.Listener(); l != nil {
				a.safely("session listener", func() { l.SessionMemberAdded(s.ID(), change.Member) })
			}
		}

	case wire.ControlMemberRemoved:
		if sender != s.Host() {
			return
		}
		if change.Member == c.unique {
			a.endSession(c, s, session.ReasonRemovedByHost)
			return
		}
		a.memberGone(c, s, change.Member, session.ReasonRemoteEndLeft)
	}
}

// hostEnded handles the host ending the session for us.
func (a *Attachment) hostEnded(c *connection, sender string, lost wire.SessionLost) {
	s, ok := a.sessions.Get(lost.SessionID)
	if !ok || s.Host() != sender {
		return
	}
	reason := lost.Reason
	if reason < session.ReasonRemoteEndLeft || reason > session.ReasonOther {
		reason = session.ReasonOther
	}
	a.endSession(c, s, reason)
}

// memberGone removes member. Point-to-point sessions and sessions left
// with a single member end; multipoint hosts tell the remaining members.
func (a *Attachment) memberGone(c *connection, s *session.Session, member string, reason session.LostReason) {
	if !s.RemoveMember(member) {
		return
	}
	if !s.Opts().Multipoint || s.MemberCount() < 2 {
		a.endSession(c, s, reason)
		return
	}
	if s.IsHost() {
		for _, p := range s.Peers() {
			if err := a.sendControl(c, p, s.ID(), wire.ControlMemberRemoved, wire.MemberChange{SessionID: s.ID(), Member: member}, 0); err != nil {
				a.logger.Warn("member notice not sent", map[string]interface{}{"member": p, "error": err.Error()})
			}
		}
	}
	if l := s.Listener(); l != nil {
		a.safely("session listener", func() { l.SessionMemberRemoved(s.ID(), member) })
	}
}

func (a *Attachment) endSession(c *connection, s *session.Session, reason session.LostReason) {
	if _, removed := a.sessions.Remove(s.ID()); !removed {
		return
	}
	a.metrics.SessionClosed()
	a.syncHeartbeat(c)
	a.notifySessionLost(s, reason)
}

func (a *Attachment) notifySessionLost(s *session.Session, reason session.LostReason) {
	a.logger.SessionLost(uint32(s.ID()), reason.String())
	l := s.Listener()
	if l == nil {
		return
	}
	id := s.ID()
	a.submitKeyed(sessionKey(id), func() {
		a.safely("session listener", func() { l.SessionLost(id, reason) })
	})
}

func (a *Attachment) sendLeave(c *connection, s *session.Session) {
	for _, p := range s.Peers() {
		if err := a.sendControl(c, p, s.ID(), wire.ControlLeave, wire.MemberChange{SessionID: s.ID(), Member: c.unique}, 0); err != nil {
			a.logger.Debug("leave notice not sent", map[string]interface{}{"member": p, "error": err.Error()})
		}
	}
}

func (a *Attachment) syncHeartbeat(c *connection) {
	all := a.sessions.All()
	ids := make([]uint32, 0, len(all))
	for _, s := range all {
		ids = append(ids, uint32(s.ID()))
	}
	c.sender.SetSessions(ids)
}

func sessionKey(id session.ID) string {
	return "session:" + strconv.FormatUint(uint64(id), 10)
}
