package session

import (
	"sort"
	"sync"
)

// Port is a session port. PortAny asks BindPort to allocate one.
type Port uint16

const PortAny Port = 0

// ID identifies a session. InvalidID is returned on failed joins.
type ID uint32

const InvalidID ID = 0

// State is a session lifecycle state.
type State int

const (
	StateNegotiating State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// LostReason explains why a session ended.
type LostReason int

const (
	ReasonRemoteEndLeft LostReason = iota + 1
	ReasonRemoteEndClosedAbruptly
	ReasonRemovedByHost
	ReasonLinkLost
	ReasonOther
)

func (r LostReason) String() string {
	switch r {
	case ReasonRemoteEndLeft:
		return "remote_end_left"
	case ReasonRemoteEndClosedAbruptly:
		return "remote_end_closed_abruptly"
	case ReasonRemovedByHost:
		return "removed_by_host"
	case ReasonLinkLost:
		return "link_lost"
	default:
		return "other"
	}
}

// PortListener decides admission to a bound port and learns about joins.
// AcceptSessionJoiner is a synchronous predicate; it should not block.
type PortListener interface {
	AcceptSessionJoiner(port Port, joiner string, opts Opts) bool
	SessionJoined(port Port, id ID, joiner string)
}

// Listener receives events for one session.
type Listener interface {
	SessionLost(id ID, reason LostReason)
	SessionMemberAdded(id ID, member string)
	SessionMemberRemoved(id ID, member string)
}

// Session is one negotiated channel. Membership is guarded by the
// session's own lock.
type Session struct {
	id   ID
	port Port
	host string
	self string
	opts Opts

	mu       sync.RWMutex
	state    State
	members  map[string]struct{}
	listener Listener
}

func newSession(id ID, port Port, host, self string, opts Opts) *Session {
	return &Session{
		id:      id,
		port:    port,
		host:    host,
		self:    self,
		opts:    opts,
		state:   StateNegotiating,
		members: make(map[string]struct{}),
	}
}

func (s *Session) ID() ID       { return s.id }
func (s *Session) Port() Port   { return s.port }
func (s *Session) Host() string { return s.host }
func (s *Session) Opts() Opts   { return s.opts }

// IsHost reports whether the local attachment hosts this session.
func (s *Session) IsHost() bool { return s.host == s.self }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Activate moves a negotiating session to active.
func (s *Session) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating {
		return false
	}
	s.state = StateActive
	return true
}

// Close marks the session closed. It returns false if it already was.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// AddMember adds a member. It returns false if the session is closed or
// the member is already present.
func (s *Session) AddMember(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if _, ok := s.members[name]; ok {
		return false
	}
	s.members[name] = struct{}{}
	return true
}

// RemoveMember removes a member and reports whether it was present.
func (s *Session) RemoveMember(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[name]; !ok {
		return false
	}
	delete(s.members, name)
	return true
}

// HasMember reports current membership.
func (s *Session) HasMember(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[name]
	return ok
}

// Members returns a sorted snapshot of the member list, including self.
func (s *Session) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Peers returns a snapshot of members other than self.
func (s *Session) Peers() []string {
	all := s.Members()
	out := all[:0]
	for _, m := range all {
		if m != s.self {
			out = append(out, m)
		}
	}
	return out
}

// MemberCount returns the number of members, including self.
func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Listener returns the session listener, if any.
func (s *Session) Listener() Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

// SetListener replaces the session listener.
func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}
