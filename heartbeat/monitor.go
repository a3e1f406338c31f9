package heartbeat

import (
	"slices"
	"sync"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
)

// peerState is the last beacon of a peer and its local arrival time, so
// sender clock skew does not matter.
type peerState struct {
	beacon *Beacon
	at     time.Time
	dead   bool
}

// LinkMonitor tracks beacons on bus.heartbeat and reports peers that fall
// silent for longer than the timeout.
type LinkMonitor struct {
	link          router.Link
	self          string
	timeout       time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	peers    map[string]*peerState
	onDead   []func(string)
	onAlive  []func(string)
	watchers []chan *Beacon
	sub      router.Subscription
	stop     chan struct{}
	done     chan struct{}
}

func NewLinkMonitor(cfg MonitorConfig) (*LinkMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()
	m := &LinkMonitor{
		link:          cfg.Link,
		self:          cfg.Self,
		timeout:       orDefault(cfg.Timeout, def.Timeout),
		checkInterval: orDefault(cfg.CheckInterval, def.CheckInterval),
		now:           time.Now,
		peers:         make(map[string]*peerState),
	}
	return m, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// WatchAll subscribes on first use and returns a channel carrying every
// beacon from other peers. Slow watchers miss beacons. Channels close on
// Stop.
func (m *LinkMonitor) WatchAll() (<-chan *Beacon, error) {
	ch := make(chan *Beacon, 64)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		sub, err := m.link.Subscribe(router.SubjectHeartbeat)
		if err != nil {
			return nil, err
		}
		m.sub = sub
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.run(sub, m.stop, m.done)
	}
	m.watchers = append(m.watchers, ch)
	return ch, nil
}

func (m *LinkMonitor) run(sub router.Subscription, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.CheckDead()
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if b, err := Unmarshal(msg.Data); err == nil && b.UniqueName != m.self {
				m.Observe(b)
			}
		}
	}
}

// Observe records b as arriving now. A peer previously reported dead
// fires the OnAlive callbacks.
func (m *LinkMonitor) Observe(b *Beacon) {
	m.mu.Lock()
	p, ok := m.peers[b.UniqueName]
	if !ok {
		p = &peerState{}
		m.peers[b.UniqueName] = p
	}
	revived := p.dead
	p.beacon, p.at, p.dead = b, m.now(), false
	var alive []func(string)
	if revived {
		alive = slices.Clone(m.onAlive)
	}
	watchers := slices.Clone(m.watchers)
	m.mu.Unlock()

	for _, cb := range alive {
		cb(b.UniqueName)
	}
	for _, ch := range watchers {
		select {
		case ch <- b:
		default:
		}
	}
}

// CheckDead fires OnDead once for every peer silent past the timeout,
// in name order.
func (m *LinkMonitor) CheckDead() {
	m.mu.Lock()
	now := m.now()
	var dead []string
	for name, p := range m.peers {
		if !p.dead && now.Sub(p.at) > m.timeout {
			p.dead = true
			dead = append(dead, name)
		}
	}
	callbacks := slices.Clone(m.onDead)
	m.mu.Unlock()

	slices.Sort(dead)
	for _, name := range dead {
		for _, cb := range callbacks {
			cb(name)
		}
	}
}

// IsAlive reports whether uniqueName beaconed within within.
func (m *LinkMonitor) IsAlive(uniqueName string, within time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[uniqueName]
	return ok && m.now().Sub(p.at) <= within
}

func (m *LinkMonitor) LastBeacon(uniqueName string) *Beacon {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[uniqueName]; ok {
		return p.beacon
	}
	return nil
}

// Forget stops tracking a peer that left cleanly.
func (m *LinkMonitor) Forget(uniqueName string) {
	m.mu.Lock()
	delete(m.peers, uniqueName)
	m.mu.Unlock()
}

// OnDead registers a callback for a peer whose beacons stopped.
func (m *LinkMonitor) OnDead(callback func(uniqueName string)) {
	m.mu.Lock()
	m.onDead = append(m.onDead, callback)
	m.mu.Unlock()
}

// OnAlive registers a callback for a dead peer that beacons again.
func (m *LinkMonitor) OnAlive(callback func(uniqueName string)) {
	m.mu.Lock()
	m.onAlive = append(m.onAlive, callback)
	m.mu.Unlock()
}

// Stop unsubscribes and closes every watcher channel.
func (m *LinkMonitor) Stop() error {
	m.mu.Lock()
	stop, done, sub := m.stop, m.done, m.sub
	m.stop, m.done, m.sub = nil, nil, nil
	m.mu.Unlock()
	if stop == nil {
		return buserr.InvalidState("heartbeat monitor not started")
	}

	close(stop)
	<-done
	sub.Unsubscribe()

	m.mu.Lock()
	for _, ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	m.mu.Unlock()
	return nil
}
