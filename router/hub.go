package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/peerbus/logging"
)

// Hub is a websocket routing node. Each connection is one link; published
// frames are routed to every connection subscribed to the exact subject.
type Hub struct {
	config   WebSocketConfig
	upgrader *websocket.Upgrader
	logger   *logging.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	subs    map[string]map[*hubClient]struct{}
	closed  bool

	routed  atomic.Uint64
	dropped atomic.Uint64
}

type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan frame
	done chan struct{}
	once sync.Once

	subjects map[string]struct{} // guarded by hub.mu
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	Clients       int
	Subscriptions int
	Routed        uint64
	Dropped       uint64
}

// NewHub creates a hub. A nil logger discards output.
func NewHub(cfg WebSocketConfig, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		config:   cfg.withDefaults(),
		upgrader: NewWebSocketUpgrader(),
		logger:   logger.WithComponent("hub"),
		clients:  make(map[*hubClient]struct{}),
		subs:     make(map[string]map[*hubClient]struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting websocket links.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", map[string]interface{}{"remote": r.RemoteAddr, "error": err.Error()})
		return
	}
	conn.SetReadLimit(h.config.MaxMessageSize)

	c := &hubClient{
		hub:      h,
		conn:     conn,
		send:     make(chan frame, h.config.SendBufferSize),
		done:     make(chan struct{}),
		subjects: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("link connected", map[string]interface{}{"remote": r.RemoteAddr})
	c.run(r.Context())
	h.remove(c)
	h.logger.Debug("link closed", map[string]interface{}{"remote": r.RemoteAddr})
}

// Stats returns current counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Clients:       len(h.clients),
		Subscriptions: len(h.subs),
		Routed:        h.routed.Load(),
		Dropped:       h.dropped.Load(),
	}
}

// Close disconnects every link and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closing"),
			time.Now().Add(time.Second),
		)
		c.stop()
	}
	return nil
}

func (h *Hub) subscribe(c *hubClient, subject string) {
	if ValidateSubject(subject) != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[subject] == nil {
		h.subs[subject] = make(map[*hubClient]struct{})
	}
	h.subs[subject][c] = struct{}{}
	c.subjects[subject] = struct{}{}
}

func (h *Hub) unsubscribe(c *hubClient, subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, subject)
}

func (h *Hub) unsubscribeLocked(c *hubClient, subject string) {
	delete(c.subjects, subject)
	if set := h.subs[subject]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, subject)
		}
	}
}

// route queues a delivery frame for every subscriber. A subscriber whose
// send buffer is full misses the frame.
func (h *Hub) route(subject string, data []byte) {
	if ValidateSubject(subject) != nil {
		return
	}
	f := frame{Op: opDeliver, Subject: subject, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[subject] {
		select {
		case c.send <- f:
			h.routed.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for subject := range c.subjects {
		h.unsubscribeLocked(c, subject)
	}
	delete(h.clients, c)
}

// run serves one connection until it fails, ctx ends or the hub closes it.
func (c *hubClient) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.stop()
		return c.readLoop()
	})
	g.Go(func() error {
		defer c.stop()
		return c.writeLoop(gctx)
	})
	g.Wait()
}

func (c *hubClient) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *hubClient) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.logger.Warn("dropping undecodable frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		switch f.Op {
		case opSubscribe:
			c.hub.subscribe(c, f.Subject)
		case opUnsubscribe:
			c.hub.unsubscribe(c, f.Subject)
		case opPublish:
			c.hub.route(f.Subject, f.Data)
		default:
			c.hub.logger.Warn("dropping frame with unknown op", map[string]interface{}{"op": f.Op})
		}
	}
}

func (c *hubClient) writeLoop(ctx context.Context) error {
	ticker := pingTicker(c.hub.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return err
			}
		case f := <-c.send:
			if err := writeFrame(c.conn, f, c.hub.config.WriteTimeout); err != nil {
				return err
			}
		}
	}
}
