package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/wire"
)

const (
	kvAdPrefix    = "ad."
	kvAboutPrefix = "about."
)

// KVConfig configures the JetStream KV directory.
type KVConfig struct {
	// Bucket is the KV bucket name. Default: "peerbus-discovery"
	Bucket string

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultKVConfig returns configuration with sensible defaults.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		Bucket:   "peerbus-discovery",
		Replicas: 1,
	}
}

// KVDirectory keeps advertisements and announcements in a NATS JetStream
// KV bucket. Puts become found or announced events, deletes become lost
// events. Records are refreshed every Readvertise and expire with the
// bucket TTL.
type KVDirectory struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config Config
	cache  *Cache
	logger *logging.Logger

	mu           sync.Mutex
	own          map[string]wire.Advertisement
	announcement *wire.Announcement
	closed       bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKVDirectory creates or opens the bucket and starts watching it.
func NewKVDirectory(ctx context.Context, conn *nats.Conn, cfg Config, kvCfg KVConfig, logger *logging.Logger) (*KVDirectory, error) {
	if conn == nil {
		return nil, buserr.InvalidArgument("nil nats connection")
	}
	if cfg.Self == "" {
		return nil, buserr.InvalidArgument("directory needs the local unique name")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	cfg = cfg.withDefaults()
	if kvCfg.Bucket == "" {
		kvCfg.Bucket = DefaultKVConfig().Bucket
	}
	if kvCfg.Replicas < 1 {
		kvCfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeNoRoutingNode, "create jetstream context")
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   kvCfg.Bucket,
		Replicas: kvCfg.Replicas,
		TTL:      cfg.TTL,
	})
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeNoRoutingNode, "create kv bucket "+kvCfg.Bucket)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d := &KVDirectory{
		conn:   conn,
		kv:     kv,
		config: cfg,
		cache:  NewCache(cfg.TTL),
		logger: logger.WithComponent("discovery"),
		own:    make(map[string]wire.Advertisement),
		cancel: cancel,
	}

	watcher, err := kv.WatchAll(watchCtx)
	if err != nil {
		cancel()
		d.cache.Close()
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeLinkLost, "watch kv bucket")
	}

	d.wg.Add(2)
	go d.watchKV(watchCtx, watcher)
	go d.refreshLoop(watchCtx)

	return d, nil
}

func adKeyString(name, unique string) string {
	return kvAdPrefix + encodeKeyPart(name) + "." + encodeKeyPart(unique)
}

func aboutKeyString(unique string) string {
	return kvAboutPrefix + encodeKeyPart(unique)
}

func encodeKeyPart(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeKeyPart(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}

// Advertise stores or refreshes a name owned by this attachment.
func (d *KVDirectory) Advertise(ad wire.Advertisement) error {
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

	return d.putAd(ad)
}

// Cancel deletes an advertised name.
func (d *KVDirectory) Cancel(name string) error {
	d.mu.Lock()
	_, ok := d.own[name]
	delete(d.own, name)
	d.mu.Unlock()
	if !ok {
		return buserr.NotFound("name " + name + " is not advertised")
	}
	return d.delete(adKeyString(name, d.config.Self))
}

// Announce stores the About announcement.
func (d *KVDirectory) Announce(a wire.Announcement) error {
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
		d.mu.Unlock()
		return d.delete(aboutKeyString(d.config.Self))
	}
	ann := a
	d.announcement = &ann
	d.mu.Unlock()

	return d.putAnnouncement(a)
}

// Query is satisfied by the bucket watch, which already replays every
// stored record.
func (d *KVDirectory) Query(prefix string, about bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return buserr.InvalidState("directory closed")
	}
	return nil
}

func (d *KVDirectory) Names(prefix string) []wire.Advertisement {
	return d.cache.Names(prefix)
}

func (d *KVDirectory) Announcements() []wire.Announcement {
	return d.cache.Announcements()
}

func (d *KVDirectory) Forget(uniqueName string) {
	d.cache.Forget(uniqueName)
}

func (d *KVDirectory) Watch() (<-chan Event, error) {
	return d.cache.Watch()
}

// Close deletes own records, best effort, and stops watching.
func (d *KVDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	names := make([]string, 0, len(d.own))
	for name := range d.own {
		names = append(names, name)
	}
	hadAnnouncement := d.announcement != nil
	d.own = nil
	d.announcement = nil
	d.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := d.delete(adKeyString(name, d.config.Self)); err != nil {
			break
		}
	}
	if hadAnnouncement {
		d.delete(aboutKeyString(d.config.Self))
	}

	d.cancel()
	d.wg.Wait()
	return d.cache.Close()
}

// Conn returns the underlying NATS connection.
func (d *KVDirectory) Conn() *nats.Conn {
	return d.conn
}

func (d *KVDirectory) putAd(ad wire.Advertisement) error {
	data, err := json.Marshal(ad)
	if err != nil {
		return buserr.Malformed("encoding advertisement: " + err.Error())
	}
	if _, err := d.kv.Put(context.Background(), adKeyString(ad.Name, ad.UniqueName), data); err != nil {
		return buserr.WrapWithCode(err, buserr.ErrCodeLinkLost, "put advertisement")
	}
	return nil
}

func (d *KVDirectory) putAnnouncement(a wire.Announcement) error {
	data, err := wire.EncodePayload(a)
	if err != nil {
		return err
	}
	if _, err := d.kv.Put(context.Background(), aboutKeyString(a.UniqueName), data); err != nil {
		return buserr.WrapWithCode(err, buserr.ErrCodeLinkLost, "put announcement")
	}
	return nil
}

func (d *KVDirectory) delete(key string) error {
	err := d.kv.Delete(context.Background(), key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return buserr.WrapWithCode(err, buserr.ErrCodeLinkLost, "delete "+key)
	}
	return nil
}

// watchKV monitors the bucket and feeds the cache.
func (d *KVDirectory) watchKV(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer d.wg.Done()
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // initial values replayed
			}
			if err := d.apply(entry); err != nil {
				d.logger.Debug("dropping kv entry", map[string]interface{}{
					"key":   entry.Key(),
					"error": err.Error(),
				})
			}
		}
	}
}

func (d *KVDirectory) apply(entry jetstream.KeyValueEntry) error {
	key := entry.Key()
	switch {
	case strings.HasPrefix(key, kvAdPrefix):
		name, unique, err := parseAdKey(key)
		if err != nil {
			return err
		}
		if unique == d.config.Self {
			return nil
		}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			var ad wire.Advertisement
			if err := json.Unmarshal(entry.Value(), &ad); err != nil {
				return buserr.Malformed("decoding advertisement: " + err.Error())
			}
			return d.cache.Found(ad)
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			d.cache.Lost(name, unique)
		}

	case strings.HasPrefix(key, kvAboutPrefix):
		unique, err := decodeKeyPart(strings.TrimPrefix(key, kvAboutPrefix))
		if err != nil {
			return buserr.Malformed("bad about key " + key)
		}
		if unique == d.config.Self {
			return nil
		}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			a, err := wire.DecodePayload[wire.Announcement](entry.Value())
			if err != nil {
				return err
			}
			return d.cache.Announced(a)
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			return d.cache.Announced(wire.Announcement{UniqueName: unique, Lost: true})
		}
	}
	return nil
}

func parseAdKey(key string) (name, unique string, err error) {
	parts := strings.Split(strings.TrimPrefix(key, kvAdPrefix), ".")
	if len(parts) != 2 {
		return "", "", buserr.Malformed("bad advertisement key " + key)
	}
	if name, err = decodeKeyPart(parts[0]); err != nil {
		return "", "", buserr.Malformed("bad advertisement key " + key)
	}
	if unique, err = decodeKeyPart(parts[1]); err != nil {
		return "", "", buserr.Malformed("bad advertisement key " + key)
	}
	return name, unique, nil
}

// refreshLoop re-puts own records before the bucket TTL drops them.
func (d *KVDirectory) refreshLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.Readvertise)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			own := make([]wire.Advertisement, 0, len(d.own))
			for _, ad := range d.own {
				own = append(own, ad)
			}
			ann := d.announcement
			d.mu.Unlock()

			for _, ad := range own {
				if err := d.putAd(ad); err != nil {
					d.logger.Warn("refresh advertisement failed", map[string]interface{}{"name": ad.Name, "error": err.Error()})
				}
			}
			if ann != nil {
				d.putAnnouncement(*ann)
			}
		}
	}
}
