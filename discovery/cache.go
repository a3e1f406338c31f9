package discovery

import (
	"sort"
	"sync"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/wire"
)

type adKey struct {
	name   string
	unique string
}

type adEntry struct {
	ad      wire.Advertisement
	expires time.Time
}

type announcementEntry struct {
	a       wire.Announcement
	expires time.Time
}

// Cache holds remote advertisements and announcements with TTL expiry and
// reports changes to watchers.
type Cache struct {
	mu            sync.RWMutex
	ads           map[adKey]adEntry
	announcements map[string]announcementEntry
	watchers      []chan Event
	closed        bool
	stop          chan struct{}

	ttl time.Duration
	now func() time.Time
}

// NewCache creates a cache. Records without their own TTL live for ttl,
// or until removed when ttl is 0. A positive ttl starts a sweep loop.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		ads:           make(map[adKey]adEntry),
		announcements: make(map[string]announcementEntry),
		stop:          make(chan struct{}),
		ttl:           ttl,
		now:           time.Now,
	}

	if ttl > 0 {
		go c.cleanupLoop()
	}

	return c
}

// Found records an advertisement. A new record emits a found event; a
// refresh of a known record only extends its lifetime.
func (c *Cache) Found(ad wire.Advertisement) error {
	if err := ad.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return buserr.InvalidState("discovery cache closed")
	}

	k := adKey{ad.Name, ad.UniqueName}
	_, exists := c.ads[k]
	c.ads[k] = adEntry{ad: ad, expires: c.expiry(ad.TTLSeconds)}
	if !exists {
		c.notifyWatchers(Event{Type: EventFound, Advertisement: ad})
	}
	return nil
}

// Lost removes one advertisement, emitting a lost event if it was known.
func (c *Cache) Lost(name, uniqueName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := adKey{name, uniqueName}
	e, ok := c.ads[k]
	if !ok || c.closed {
		return false
	}
	delete(c.ads, k)
	c.notifyWatchers(Event{Type: EventLost, Advertisement: e.ad})
	return true
}

// Forget drops every record of a peer, emitting lost events in name order.
func (c *Cache) Forget(uniqueName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var lost []wire.Advertisement
	for k, e := range c.ads {
		if k.unique == uniqueName {
			lost = append(lost, e.ad)
			delete(c.ads, k)
		}
	}
	delete(c.announcements, uniqueName)

	sortAdvertisements(lost)
	for _, ad := range lost {
		c.notifyWatchers(Event{Type: EventLost, Advertisement: ad})
	}
}

// Announced records an announcement and always emits an announced event.
// An announcement marked lost removes the record instead.
func (c *Cache) Announced(a wire.Announcement) error {
	if err := a.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return buserr.InvalidState("discovery cache closed")
	}
	if a.Lost {
		delete(c.announcements, a.UniqueName)
		return nil
	}

	c.announcements[a.UniqueName] = announcementEntry{a: a, expires: c.expiry(a.TTLSeconds)}
	ann := a
	c.notifyWatchers(Event{Type: EventAnnounced, Announcement: &ann})
	return nil
}

// Names returns live advertisements whose names start with prefix,
// ordered by name then unique name.
func (c *Cache) Names(prefix string) []wire.Advertisement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var result []wire.Advertisement
	for k, e := range c.ads {
		// Skip stale entries
		if expired(e.expires, now) {
			continue
		}
		if MatchPrefix(k.name, prefix) {
			result = append(result, e.ad)
		}
	}
	sortAdvertisements(result)
	return result
}

// Announcements returns live announcements ordered by unique name.
func (c *Cache) Announcements() []wire.Announcement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	result := make([]wire.Announcement, 0, len(c.announcements))
	for _, e := range c.announcements {
		if expired(e.expires, now) {
			continue
		}
		result = append(result, e.a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UniqueName < result[j].UniqueName
	})
	return result
}

// Watch returns a channel of cache events.
func (c *Cache) Watch() (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, buserr.InvalidState("discovery cache closed")
	}

	ch := make(chan Event, 256)
	c.watchers = append(c.watchers, ch)

	return ch, nil
}

// Expire removes records whose TTL elapsed, emitting lost events.
func (c *Cache) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := c.now()
	var stale []wire.Advertisement
	for k, e := range c.ads {
		if expired(e.expires, now) {
			stale = append(stale, e.ad)
			delete(c.ads, k)
		}
	}
	for u, e := range c.announcements {
		if expired(e.expires, now) {
			delete(c.announcements, u)
		}
	}

	sortAdvertisements(stale)
	for _, ad := range stale {
		c.notifyWatchers(Event{Type: EventLost, Advertisement: ad})
	}
}

// Close shuts down the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.stop)

	// Close all watcher channels
	for _, ch := range c.watchers {
		close(ch)
	}
	c.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (c *Cache) notifyWatchers(event Event) {
	for _, ch := range c.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// cleanupLoop periodically removes stale entries.
func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Expire()
		}
	}
}

// expiry is when a record with the given TTL goes stale. The zero time
// means never.
func (c *Cache) expiry(seconds uint32) time.Time {
	d := ttlOf(seconds, c.ttl)
	if d <= 0 {
		return time.Time{}
	}
	return c.now().Add(d)
}

func expired(expires, now time.Time) bool {
	return !expires.IsZero() && now.After(expires)
}
