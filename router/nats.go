package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// NATSConfig configures links carried by a NATS server instead of the
// websocket hub.
type NATSConfig struct {
	Config

	URL  string
	Name string

	Token    string
	User     string
	Password string

	// MaxReconnects of 0 ends the link when the server goes away, which
	// is what lets the attachment report LinkLost. -1 retries forever.
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// options maps the config onto nats.Connect options. timeout, when
// positive, caps the connect timeout.
func (c NATSConfig) options(timeout time.Duration) []nats.Option {
	opts := []nats.Option{nats.ReconnectWait(c.ReconnectWait)}
	if c.MaxReconnects == 0 {
		opts = append(opts, nats.NoReconnect())
	} else {
		opts = append(opts, nats.MaxReconnects(c.MaxReconnects))
	}

	connect := c.ConnectTimeout
	if timeout > 0 && (connect <= 0 || timeout < connect) {
		connect = timeout
	}
	if connect > 0 {
		opts = append(opts, nats.Timeout(connect))
	}

	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.User != "":
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	return opts
}

// NATSDialer opens links over a NATS server.
type NATSDialer struct {
	config NATSConfig
}

func NewNATSDialer(cfg NATSConfig) *NATSDialer {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return &NATSDialer{config: cfg}
}

// Dial connects within ctx's deadline. A refused or unreachable server is
// NO_ROUTING_NODE.
func (d *NATSDialer) Dial(ctx context.Context) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, buserr.Wrap(err, "dial nats")
	}
	var remaining time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	conn, err := nats.Connect(d.config.URL, d.config.options(remaining)...)
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeNoRoutingNode, "nats connect "+d.config.URL)
	}
	return NewNATSLink(conn, d.config.Config), nil
}

// NATSLink carries bus subjects as NATS subjects one to one.
type NATSLink struct {
	conn   *nats.Conn
	config Config

	done     chan struct{}
	doneOnce sync.Once
}

// NewNATSLink adopts conn. The link is done once conn closes.
func NewNATSLink(conn *nats.Conn, cfg Config) *NATSLink {
	l := &NATSLink{conn: conn, config: cfg.withDefaults(), done: make(chan struct{})}
	conn.SetClosedHandler(func(*nats.Conn) { l.finish() })
	if conn.IsClosed() {
		l.finish()
	}
	return l
}

func (l *NATSLink) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

// natsErr classifies a nats.go error for the bus.
func natsErr(err error, op string) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return buserr.ConnectionClosed(buserr.WithCause(err))
	}
	return buserr.WrapWithCode(err, buserr.ErrCodeLinkLost, "nats "+op)
}

func (l *NATSLink) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if l.conn.IsClosed() {
		return buserr.ConnectionClosed()
	}
	if err := l.conn.Publish(subject, data); err != nil {
		return natsErr(err, "publish")
	}
	return nil
}

// Subscribe delivers into a buffered channel. Messages arriving while the
// buffer is full are dropped, as on every other link. The subscription
// ends with the link.
func (l *NATSLink) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if l.conn.IsClosed() {
		return nil, buserr.ConnectionClosed()
	}

	s := &natsSub{ch: make(chan *Message, l.config.BufferSize)}
	ns, err := l.conn.Subscribe(subject, func(m *nats.Msg) {
		s.push(&Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, natsErr(err, "subscribe")
	}
	s.sub = ns
	go func() {
		<-l.done
		s.Unsubscribe()
	}()
	return s, nil
}

func (l *NATSLink) Done() <-chan struct{} { return l.done }

func (l *NATSLink) Close() error {
	l.conn.Close()
	l.finish()
	return nil
}

// Conn exposes the connection so JetStream discovery can share it.
func (l *NATSLink) Conn() *nats.Conn { return l.conn }

type natsSub struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSub) push(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *natsSub) Messages() <-chan *Message { return s.ch }

func (s *natsSub) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	err := s.sub.Unsubscribe()
	if err == nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return natsErr(err, "unsubscribe")
}
