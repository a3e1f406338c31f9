package session

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// firstDynamicPort is where PortAny allocation starts.
const firstDynamicPort Port = 0x8000

// Binding is a bound session port.
type Binding struct {
	Port     Port
	Opts     Opts
	Listener PortListener
}

// Table holds the port bindings and sessions of one attachment.
type Table struct {
	self string

	mu       sync.RWMutex
	ports    map[Port]Binding
	sessions map[ID]*Session
	nextPort Port
}

// NewTable creates an empty table for the attachment named self.
func NewTable(self string) *Table {
	return &Table{
		self:     self,
		ports:    make(map[Port]Binding),
		sessions: make(map[ID]*Session),
		nextPort: firstDynamicPort,
	}
}

// SetSelf updates the local unique name used for new sessions.
func (t *Table) SetSelf(self string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = self
}

// BindPort reserves port for l. PortAny allocates a free dynamic port.
func (t *Table) BindPort(port Port, opts Opts, l PortListener) (Port, error) {
	if l == nil {
		return 0, buserr.InvalidArgument("port listener is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if port == PortAny {
		for i := 0; i < int(^uint16(0)-uint16(firstDynamicPort)); i++ {
			candidate := t.nextPort
			t.nextPort++
			if t.nextPort == 0 {
				t.nextPort = firstDynamicPort
			}
			if _, used := t.ports[candidate]; !used {
				port = candidate
				break
			}
		}
		if port == PortAny {
			return 0, buserr.New(buserr.ErrCodePortInUse, "no free session port")
		}
	}

	if _, used := t.ports[port]; used {
		return 0, buserr.New(buserr.ErrCodePortInUse, fmt.Sprintf("session port %d already bound", port))
	}
	t.ports[port] = Binding{Port: port, Opts: opts, Listener: l}
	return port, nil
}

// UnbindPort releases a port. Existing sessions stay up.
func (t *Table) UnbindPort(port Port) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ports[port]; !ok {
		return buserr.NotFound(fmt.Sprintf("session port %d is not bound", port))
	}
	delete(t.ports, port)
	return nil
}

// Binding returns the binding for port.
func (t *Table) Binding(port Port) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.ports[port]
	return b, ok
}

// Create registers a new negotiating session with self as a member. A zero
// id allocates a fresh one; a non-zero id that is already in use fails.
func (t *Table) Create(id ID, port Port, host string, opts Opts) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == InvalidID {
		for id == InvalidID || t.sessions[id] != nil {
			id = ID(rand.Uint32())
		}
	} else if _, exists := t.sessions[id]; exists {
		return nil, buserr.AlreadyExists(fmt.Sprintf("session %d already exists", id))
	}

	s := newSession(id, port, host, t.self, opts)
	s.members[t.self] = struct{}{}
	t.sessions[id] = s
	return s, nil
}

// Get returns a session by id.
func (t *Table) Get(id ID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove drops a session from the table and closes it.
func (t *Table) Remove(id ID) (*Session, bool) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if ok {
		s.Close()
	}
	return s, ok
}

// HostedMultipoint returns the active multipoint session this attachment
// hosts on port, if one exists.
func (t *Table) HostedMultipoint(port Port) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		if s.port == port && s.IsHost() && s.opts.Multipoint && s.State() == StateActive {
			return s, true
		}
	}
	return nil, false
}

// SessionsWith returns the sessions member belongs to, ordered by id.
func (t *Table) SessionsWith(member string) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Session
	for _, s := range t.sessions {
		if s.HasMember(member) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// All returns every session ordered by id.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll closes and removes every session, returning those that were
// not already closed.
func (t *Table) CloseAll() []*Session {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		all = append(all, s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	var closed []*Session
	for _, s := range all {
		if s.Close() {
			closed = append(closed, s)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].id < closed[j].id })
	return closed
}

// Reset drops all port bindings and sessions.
func (t *Table) Reset() {
	t.CloseAll()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ports = make(map[Port]Binding)
	t.nextPort = firstDynamicPort
}
