package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
)

// LinkSender publishes beacons on bus.heartbeat.
type LinkSender struct {
	link       router.Link
	uniqueName string
	guid       string
	interval   time.Duration

	mu       sync.RWMutex
	sessions []uint32

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLinkSender creates a new beacon sender.
func NewLinkSender(cfg SenderConfig) (*LinkSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	return &LinkSender{
		link:       cfg.Link,
		uniqueName: cfg.UniqueName,
		guid:       cfg.GUID,
		interval:   interval,
	}, nil
}

// Start begins sending beacons at the configured interval.
func (s *LinkSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return buserr.InvalidState("heartbeat already started")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main beacon loop.
func (s *LinkSender) run(ctx context.Context) {
	defer close(s.doneCh)

	// Send initial beacon immediately
	s.send()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.link.Done():
			return
		case <-ticker.C:
			s.send()
		}
	}
}

// send publishes one beacon.
func (s *LinkSender) send() error {
	b := s.build()
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	return s.link.Publish(router.SubjectHeartbeat, data)
}

// build creates a beacon with current state.
func (s *LinkSender) build() *Beacon {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := &Beacon{
		UniqueName: s.uniqueName,
		GUID:       s.guid,
		Timestamp:  time.Now(),
	}
	if len(s.sessions) > 0 {
		b.Sessions = append([]uint32(nil), s.sessions...)
	}
	return b
}

// SetSessions updates the session list included in beacons.
func (s *LinkSender) SetSessions(ids []uint32) {
	s.mu.Lock()
	s.sessions = append([]uint32(nil), ids...)
	s.mu.Unlock()
}

// Stop stops sending beacons.
func (s *LinkSender) Stop() error {
	if !s.running.Swap(false) {
		return buserr.InvalidState("heartbeat not started")
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// UniqueName returns the sender's unique name.
func (s *LinkSender) UniqueName() string {
	return s.uniqueName
}
