package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// Frame operations exchanged between a websocket link and a Hub.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opDeliver     = "msg"
)

// frame is one JSON websocket message. Data is base64 in JSON.
type frame struct {
	Op      string `json:"op"`
	Subject string `json:"subject"`
	Data    []byte `json:"data,omitempty"`
}

// WebSocketConfig holds websocket link and hub configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// SendBufferSize bounds queued outbound frames per connection.
	SendBufferSize int

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		SendBufferSize: 1024,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 * 1024 * 1024,
		PingInterval:   30 * time.Second,
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	def := DefaultWebSocketConfig()
	c.Config = c.Config.withDefaults()
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// WSDialer opens links to a Hub over websocket.
type WSDialer struct {
	url    string
	header http.Header
	config WebSocketConfig
}

// NewWSDialer creates a dialer for a hub at url (ws:// or wss://).
func NewWSDialer(url string, cfg WebSocketConfig) *WSDialer {
	return &WSDialer{url: url, config: cfg.withDefaults()}
}

// WithHeader sets request headers sent on the upgrade request.
func (d *WSDialer) WithHeader(h http.Header) *WSDialer {
	d.header = h
	return d
}

// Dial connects to the hub.
func (d *WSDialer) Dial(ctx context.Context) (Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, d.header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, buserr.Wrap(ctx.Err(), "dial "+d.url)
		}
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeNoRoutingNode, "dial "+d.url)
	}
	return newWSLink(conn, d.config), nil
}

// wsLink is the client side of a hub connection.
type wsLink struct {
	conn   *websocket.Conn
	config WebSocketConfig

	send chan frame
	done chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[string][]*wsSub
}

type wsSub struct {
	link    *wsLink
	subject string
	ch      chan *Message
	closed  bool // guarded by link.mu
}

func newWSLink(conn *websocket.Conn, cfg WebSocketConfig) *wsLink {
	conn.SetReadLimit(cfg.MaxMessageSize)
	l := &wsLink{
		conn:   conn,
		config: cfg,
		send:   make(chan frame, cfg.SendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string][]*wsSub),
	}
	go l.run()
	return l
}

// run drives the read and write loops until either fails or the link is
// closed.
func (l *wsLink) run() {
	var g errgroup.Group
	g.Go(l.readLoop)
	g.Go(l.writeLoop)
	g.Wait()
	l.shutdown()
}

func (l *wsLink) readLoop() error {
	defer l.shutdown()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Op != opDeliver {
			continue
		}
		l.deliver(&Message{Subject: f.Subject, Data: f.Data})
	}
}

func (l *wsLink) writeLoop() error {
	ticker := pingTicker(l.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return nil
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				l.shutdown()
				return err
			}
		case f := <-l.send:
			if err := writeFrame(l.conn, f, l.config.WriteTimeout); err != nil {
				l.shutdown()
				return err
			}
		}
	}
}

func (l *wsLink) deliver(msg *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs[msg.Subject] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (l *wsLink) enqueue(f frame) error {
	select {
	case <-l.done:
		return buserr.ConnectionClosed()
	default:
	}
	select {
	case l.send <- f:
		return nil
	case <-l.done:
		return buserr.ConnectionClosed()
	}
}

// Publish sends a message to all subscribers.
func (l *wsLink) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	return l.enqueue(frame{Op: opPublish, Subject: subject, Data: data})
}

// Subscribe creates a subscription to a subject.
func (l *wsLink) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	sub := &wsSub{link: l, subject: subject, ch: make(chan *Message, l.config.BufferSize)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, buserr.ConnectionClosed()
	}
	first := len(l.subs[subject]) == 0
	l.subs[subject] = append(l.subs[subject], sub)
	l.mu.Unlock()

	if first {
		if err := l.enqueue(frame{Op: opSubscribe, Subject: subject}); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

func (l *wsLink) Done() <-chan struct{} {
	return l.done
}

// Close sends a close frame and ends the link.
func (l *wsLink) Close() error {
	l.mu.Lock()
	wasClosed := l.closed
	l.mu.Unlock()
	if !wasClosed {
		l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	l.shutdown()
	return nil
}

// shutdown marks the link closed, ends subscriptions and closes the
// connection. Safe to call more than once.
func (l *wsLink) shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for subject, subs := range l.subs {
		for _, sub := range subs {
			sub.closed = true
			close(sub.ch)
		}
		delete(l.subs, subject)
	}
	close(l.done)
	l.mu.Unlock()
	l.conn.Close()
}

// Messages returns the message channel.
func (s *wsSub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *wsSub) Unsubscribe() error {
	l := s.link
	l.mu.Lock()
	if s.closed {
		l.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	subs := l.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			l.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	last := len(l.subs[s.subject]) == 0
	if last {
		delete(l.subs, s.subject)
	}
	l.mu.Unlock()

	if last {
		if err := l.enqueue(frame{Op: opUnsubscribe, Subject: s.subject}); err != nil && !buserr.Is(err, buserr.ErrCodeConnectionClosed) {
			return err
		}
	}
	return nil
}

// pingTicker creates a ticker for keepalive pings.
func pingTicker(interval time.Duration) *time.Ticker {
	if interval > 0 {
		return time.NewTicker(interval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

func writeFrame(conn *websocket.Conn, f frame, timeout time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
