package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/peerbus/bus"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

// PeerState is what the monitor knows about one peer.
type PeerState struct {
	Name       string
	Owner      string
	AppName    string
	Port       session.Port
	Interfaces []string
	Transport  session.TransportMask
	FirstSeen  time.Time
	LastSeen   time.Time
	Alive      bool
}

// Monitor tracks advertised names and About announcements.
type Monitor struct {
	logger *logging.Logger
	now    func() time.Time

	mu    sync.RWMutex
	peers map[string]*PeerState

	listener *bus.BusListenerFuncs
	about    bus.AboutListener
}

// NewMonitor creates a monitor. Register it with Attach.
func NewMonitor(logger *logging.Logger) *Monitor {
	m := &Monitor{
		logger: logger.WithComponent("busmon"),
		now:    time.Now,
		peers:  make(map[string]*PeerState),
	}
	m.listener = &bus.BusListenerFuncs{
		OnFound:            m.found,
		OnLost:             m.lost,
		OnNameOwnerChanged: m.ownerChanged,
	}
	m.about = bus.NewAboutListener(m.announced)
	return m
}

// Attach registers the monitor's listeners on a and starts discovery for
// names beginning with prefix and for every announcement.
func (m *Monitor) Attach(a *bus.Attachment, prefix string) error {
	a.RegisterBusListener(m.listener)
	a.RegisterAboutListener(m.about)
	if err := a.FindAdvertisedName(prefix); err != nil {
		return err
	}
	return a.WhoImplements(nil)
}

// Detach removes the monitor's listeners.
func (m *Monitor) Detach(a *bus.Attachment) {
	_ = a.UnregisterBusListener(m.listener)
	_ = a.UnregisterAboutListener(m.about)
}

func (m *Monitor) peer(name string) *PeerState {
	now := m.now()
	p, ok := m.peers[name]
	if !ok {
		p = &PeerState{Name: name, FirstSeen: now}
		m.peers[name] = p
	}
	p.LastSeen = now
	return p
}

func (m *Monitor) found(name string, transport session.TransportMask, prefix string) {
	m.mu.Lock()
	prev, known := m.peers[name]
	revived := known && !prev.Alive
	p := m.peer(name)
	p.Alive = true
	p.Transport = transport
	m.mu.Unlock()

	if revived {
		m.logger.Info("peer back", map[string]interface{}{"name": name})
	} else {
		m.logger.Info("peer found", map[string]interface{}{"name": name, "prefix": prefix})
	}
}

func (m *Monitor) lost(name string, _ session.TransportMask, _ string) {
	m.mu.Lock()
	if p, ok := m.peers[name]; ok {
		p.Alive = false
		p.LastSeen = m.now()
	}
	m.mu.Unlock()
	m.logger.Info("peer lost", map[string]interface{}{"name": name})
}

func (m *Monitor) ownerChanged(name, previous, owner string) {
	m.mu.Lock()
	if owner == "" {
		if p, ok := m.peers[name]; ok {
			p.Owner = ""
		}
	} else {
		m.peer(name).Owner = owner
	}
	m.mu.Unlock()
	m.logger.Debug("name owner changed", map[string]interface{}{"name": name, "from": previous, "to": owner})
}

func (m *Monitor) announced(busName string, _ uint16, port session.Port, objects []wire.ObjectDescription, data map[string]string) {
	var ifaces []string
	seen := make(map[string]struct{})
	for _, o := range objects {
		for _, name := range o.Interfaces {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				ifaces = append(ifaces, name)
			}
		}
	}
	sort.Strings(ifaces)

	m.mu.Lock()
	p := m.peer(busName)
	p.Alive = true
	p.Port = port
	p.AppName = data["AppName"]
	p.Interfaces = ifaces
	m.mu.Unlock()

	m.logger.Info("announcement", map[string]interface{}{
		"bus_name":   busName,
		"app":        data["AppName"],
		"interfaces": strings.Join(ifaces, ","),
	})
}

// Peers returns a snapshot sorted by name.
func (m *Monitor) Peers() []PeerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerState, 0, len(m.peers))
	for _, p := range m.peers {
		cp := *p
		cp.Interfaces = append([]string(nil), p.Interfaces...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Forget drops peers lost for longer than after.
func (m *Monitor) Forget(after time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, p := range m.peers {
		if !p.Alive && m.now().Sub(p.LastSeen) > after {
			delete(m.peers, name)
			n++
		}
	}
	return n
}

// Print writes the peer table to w.
func (m *Monitor) Print(w io.Writer) {
	peers := m.Peers()
	alive := 0
	for _, p := range peers {
		if p.Alive {
			alive++
		}
	}
	fmt.Fprintf(w, "%d peers, %d alive\n", len(peers), alive)
	if len(peers) == 0 {
		return
	}
	fmt.Fprintf(w, "%-28s %-5s %-16s %-5s %s\n", "NAME", "STATE", "APP", "PORT", "INTERFACES")
	for _, p := range peers {
		state := "up"
		if !p.Alive {
			state = "lost"
		}
		port := "-"
		if p.Port != 0 {
			port = fmt.Sprint(p.Port)
		}
		fmt.Fprintf(w, "%-28s %-5s %-16s %-5s %s\n",
			truncate(p.Name, 28), state, truncate(p.AppName, 16), port, strings.Join(p.Interfaces, ","))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
