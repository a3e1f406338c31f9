package discovery

import (
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/peerbus/wire"
)

// EventType represents the type of discovery event.
type EventType string

const (
	EventFound     EventType = "found"
	EventLost      EventType = "lost"
	EventAnnounced EventType = "announced"
)

// Event represents a change seen by a directory.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Advertisement is set for found and lost events. For lost events it
	// holds the last known record.
	Advertisement wire.Advertisement

	// Announcement is set for announced events.
	Announcement *wire.Announcement
}

// Peer returns the unique name the event concerns.
func (e Event) Peer() string {
	if e.Announcement != nil {
		return e.Announcement.UniqueName
	}
	return e.Advertisement.UniqueName
}

// Directory publishes this attachment's advertisements and announcements
// and reports everyone else's.
type Directory interface {
	// Advertise publishes or refreshes a name owned by this attachment.
	Advertise(ad wire.Advertisement) error

	// Cancel withdraws an advertised name and tells peers it is lost.
	Cancel(name string) error

	// Announce publishes the About announcement of this attachment.
	Announce(a wire.Announcement) error

	// Query asks peers to re-publish advertisements starting with prefix,
	// and announcements when about is set.
	Query(prefix string, about bool) error

	// Names returns known remote advertisements starting with prefix.
	Names(prefix string) []wire.Advertisement

	// Announcements returns known remote announcements.
	Announcements() []wire.Announcement

	// Forget drops everything known about a peer, emitting lost events.
	Forget(uniqueName string)

	// Watch returns a channel of discovery events.
	// The channel is closed when the directory is closed.
	Watch() (<-chan Event, error)

	// Close withdraws own advertisements and shuts the directory down.
	Close() error
}

// Config holds settings shared by directory implementations.
type Config struct {
	// Self is the unique name of the local attachment; its own records
	// are never reported.
	Self string

	// TTL is how long a remote record lives without refresh when the
	// record carries none. Default: 120s
	TTL time.Duration

	// Readvertise is the interval for refreshing own records.
	// Default: 40s
	Readvertise time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:         120 * time.Second,
		Readvertise: 40 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.Readvertise <= 0 {
		c.Readvertise = def.Readvertise
	}
	return c
}

// MatchPrefix reports whether name matches a find prefix. The empty
// prefix matches every name.
func MatchPrefix(name, prefix string) bool {
	return strings.HasPrefix(name, prefix)
}

// Implements reports whether the announcement carries every interface in
// ifaces on some object.
func Implements(a wire.Announcement, ifaces []string) bool {
	return a.Implements(ifaces)
}

func ttlOf(seconds uint32, fallback time.Duration) time.Duration {
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func sortAdvertisements(ads []wire.Advertisement) {
	sort.Slice(ads, func(i, j int) bool {
		if ads[i].Name != ads[j].Name {
			return ads[i].Name < ads[j].Name
		}
		return ads[i].UniqueName < ads[j].UniqueName
	})
}
