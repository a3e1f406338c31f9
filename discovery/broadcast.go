package discovery

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/wire"
)

const (
	packetAdvertise = "advertise"
	packetQuery     = "query"
)

// packet is the body of a bus.discovery message.
type packet struct {
	Kind          string              `json:"kind"`
	Advertisement *wire.Advertisement `json:"advertisement,omitempty"`
	Query         *wire.Query         `json:"query,omitempty"`
}

// BroadcastDirectory runs discovery over a router link: advertisements
// and queries on bus.discovery, announcements on bus.about.
type BroadcastDirectory struct {
	link   router.Link
	config Config
	cache  *Cache
	logger *logging.Logger

	mu           sync.Mutex
	own          map[string]wire.Advertisement
	announcement *wire.Announcement
	closed       bool

	subs []router.Subscription
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBroadcastDirectory subscribes to the discovery subjects on link.
func NewBroadcastDirectory(link router.Link, cfg Config, logger *logging.Logger) (*BroadcastDirectory, error) {
	if cfg.Self == "" {
		return nil, buserr.InvalidArgument("directory needs the local unique name")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	cfg = cfg.withDefaults()

	d := &BroadcastDirectory{
		link:   link,
		config: cfg,
		cache:  NewCache(cfg.TTL),
		logger: logger.WithComponent("discovery"),
		own:    make(map[string]wire.Advertisement),
		stop:   make(chan struct{}),
	}

	for _, subject := range []string{router.SubjectDiscovery, router.SubjectAbout} {
		sub, err := link.Subscribe(subject)
		if err != nil {
			d.unsubscribe()
			d.cache.Close()
			return nil, err
		}
		d.subs = append(d.subs, sub)
		d.wg.Add(1)
		go d.receive(subject, sub)
	}

	d.wg.Add(1)
	go d.readvertiseLoop()

	return d, nil
}

// Advertise publishes or refreshes a name owned by this attachment.
func (d *BroadcastDirectory) Advertise(ad wire.Advertisement) error {
	ad.UniqueName = d.config.Self
	ad.Lost = false
	if ad.TTLSeconds == 0 {
		ad.TTLSeconds = uint32(d.config.TTL / time.Second)
	}
	if err := ad.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return buserr.InvalidState("directory closed")
	}
	d.own[ad.Name] = ad
	d.mu.Unlock()

	return d.publishAd(ad)
}

// Cancel withdraws an advertised name.
func (d *BroadcastDirectory) Cancel(name string) error {
	d.mu.Lock()
	ad, ok := d.own[name]
	delete(d.own, name)
	d.mu.Unlock()
	if !ok {
		return buserr.NotFound("name " + name + " is not advertised")
	}
	ad.Lost = true
	return d.publishAd(ad)
}

// Announce publishes the About announcement.
func (d *BroadcastDirectory) Announce(a wire.Announcement) error {
	a.UniqueName = d.config.Self
	if a.TTLSeconds == 0 {
		a.TTLSeconds = uint32(d.config.TTL / time.Second)
	}
	if err := a.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return buserr.InvalidState("directory closed")
	}
	if a.Lost {
		d.announcement = nil
	} else {
		ann := a
		d.announcement = &ann
	}
	d.mu.Unlock()

	return d.publishAnnouncement(a)
}

// Query asks peers to re-publish matching records.
func (d *BroadcastDirectory) Query(prefix string, about bool) error {
	q := wire.Query{Prefix: prefix, About: about, Requester: d.config.Self}
	if err := q.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(packet{Kind: packetQuery, Query: &q})
	if err != nil {
		return buserr.Malformed("encoding query: " + err.Error())
	}
	return d.link.Publish(router.SubjectDiscovery, data)
}

func (d *BroadcastDirectory) Names(prefix string) []wire.Advertisement {
	return d.cache.Names(prefix)
}

func (d *BroadcastDirectory) Announcements() []wire.Announcement {
	return d.cache.Announcements()
}

func (d *BroadcastDirectory) Forget(uniqueName string) {
	d.cache.Forget(uniqueName)
}

func (d *BroadcastDirectory) Watch() (<-chan Event, error) {
	return d.cache.Watch()
}

// Close withdraws own advertisements, best effort, and stops.
func (d *BroadcastDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	own := d.ownSorted()
	d.own = make(map[string]wire.Advertisement)
	d.mu.Unlock()

	for _, ad := range own {
		ad.Lost = true
		if err := d.publishAd(ad); err != nil {
			break
		}
	}

	close(d.stop)
	d.unsubscribe()
	d.wg.Wait()
	return d.cache.Close()
}

func (d *BroadcastDirectory) unsubscribe() {
	for _, sub := range d.subs {
		sub.Unsubscribe()
	}
}

// ownSorted returns own advertisements by name. Caller holds d.mu.
func (d *BroadcastDirectory) ownSorted() []wire.Advertisement {
	out := make([]wire.Advertisement, 0, len(d.own))
	for _, ad := range d.own {
		out = append(out, ad)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *BroadcastDirectory) publishAd(ad wire.Advertisement) error {
	data, err := json.Marshal(packet{Kind: packetAdvertise, Advertisement: &ad})
	if err != nil {
		return buserr.Malformed("encoding advertisement: " + err.Error())
	}
	return d.link.Publish(router.SubjectDiscovery, data)
}

func (d *BroadcastDirectory) publishAnnouncement(a wire.Announcement) error {
	data, err := wire.EncodePayload(a)
	if err != nil {
		return err
	}
	return d.link.Publish(router.SubjectAbout, data)
}

func (d *BroadcastDirectory) receive(subject string, sub router.Subscription) {
	defer d.wg.Done()
	for msg := range sub.Messages() {
		var err error
		if subject == router.SubjectAbout {
			err = d.handleAbout(msg.Data)
		} else {
			err = d.handleDiscovery(msg.Data)
		}
		if err != nil {
			d.logger.Debug("dropping discovery message", map[string]interface{}{
				"subject": subject,
				"error":   err.Error(),
			})
		}
	}
}

func (d *BroadcastDirectory) handleDiscovery(data []byte) error {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		return buserr.Malformed("decoding discovery packet: " + err.Error())
	}

	switch p.Kind {
	case packetAdvertise:
		if p.Advertisement == nil {
			return buserr.Malformed("advertise packet without advertisement")
		}
		ad := *p.Advertisement
		if ad.UniqueName == d.config.Self {
			return nil
		}
		if ad.Lost {
			d.cache.Lost(ad.Name, ad.UniqueName)
			return nil
		}
		return d.cache.Found(ad)

	case packetQuery:
		if p.Query == nil {
			return buserr.Malformed("query packet without query")
		}
		if err := p.Query.Validate(); err != nil {
			return err
		}
		return d.answer(*p.Query)
	}
	return buserr.Malformed("unknown discovery packet kind " + p.Kind)
}

// answer re-publishes own records matching a query.
func (d *BroadcastDirectory) answer(q wire.Query) error {
	d.mu.Lock()
	own := d.ownSorted()
	ann := d.announcement
	d.mu.Unlock()

	for _, ad := range own {
		if MatchPrefix(ad.Name, q.Prefix) {
			if err := d.publishAd(ad); err != nil {
				return err
			}
		}
	}
	if q.About && ann != nil {
		return d.publishAnnouncement(*ann)
	}
	return nil
}

func (d *BroadcastDirectory) handleAbout(data []byte) error {
	a, err := wire.DecodePayload[wire.Announcement](data)
	if err != nil {
		return err
	}
	if a.UniqueName == d.config.Self {
		return nil
	}
	return d.cache.Announced(a)
}

// readvertiseLoop refreshes own records before remote caches expire them.
func (d *BroadcastDirectory) readvertiseLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.Readvertise)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-d.link.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			own := d.ownSorted()
			ann := d.announcement
			d.mu.Unlock()

			for _, ad := range own {
				d.publishAd(ad)
			}
			if ann != nil {
				d.publishAnnouncement(*ann)
			}
		}
	}
}
