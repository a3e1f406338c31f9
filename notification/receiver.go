package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/vinayprograms/peerbus/bus"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
)

// Handler receives notifications and dismissals. Callbacks run on the
// attachment's dispatch pool, in order per producer.
type Handler interface {
	Receive(n Notification)
	Dismiss(msgID int32, appID uuid.UUID)
}

// HandlerFuncs adapts functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnReceive func(n Notification)
	OnDismiss func(msgID int32, appID uuid.UUID)
}

func (h HandlerFuncs) Receive(n Notification) {
	if h.OnReceive != nil {
		h.OnReceive(n)
	}
}

func (h HandlerFuncs) Dismiss(msgID int32, appID uuid.UUID) {
	if h.OnDismiss != nil {
		h.OnDismiss(msgID, appID)
	}
}

const (
	notifyRule  = "type='signal',interface='" + Interface + "',member='notify',sessionless='t'"
	dismissRule = "type='signal',interface='" + DismisserInterface + "',member='Dismiss',sessionless='t'"
)

// Receiver delivers notifications broadcast by Senders.
type Receiver struct {
	bus     *bus.Attachment
	handler Handler
	logger  *logging.Logger
	window  time.Duration
	now     func() time.Time

	// seen maps appID/msgID to the time the notification was delivered.
	seen cmap.ConcurrentMap[string, time.Time]

	mu        sync.Mutex
	started   bool
	notifyH   bus.SignalHandler
	dismissH  bus.SignalHandler
	dismisser *bus.BusObject
}

// NewReceiver creates a receiver delivering to h. Call Start to begin.
func NewReceiver(a *bus.Attachment, h Handler, opts ...Option) (*Receiver, error) {
	if h == nil {
		return nil, buserr.InvalidArgument("notification handler is nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r := &Receiver{
		bus:     a,
		handler: h,
		logger:  o.logger,
		window:  o.dedupWindow,
		now:     o.now,
		seen:    cmap.New[time.Time](),
	}
	r.notifyH = bus.SignalHandlerFunc(r.onNotify)
	r.dismissH = bus.SignalHandlerFunc(r.onDismiss)
	return r, nil
}

// Start registers the match rules and signal handlers.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return buserr.InvalidState("notification receiver already started")
	}
	if err := registerInterfaces(r.bus); err != nil {
		return err
	}

	dismisser, err := newObject(r.bus, DismisserPath+"/consumer", DismisserInterface)
	if err != nil {
		return err
	}
	if err := r.bus.RegisterBusObject(dismisser); err != nil {
		return err
	}
	r.dismisser = dismisser

	steps := []func() error{
		func() error { return r.bus.RegisterSignalHandler(r.notifyH, Interface, "notify", "") },
		func() error { return r.bus.RegisterSignalHandler(r.dismissH, DismisserInterface, "Dismiss", "") },
		func() error { return r.bus.AddMatch(notifyRule) },
		func() error { return r.bus.AddMatch(dismissRule) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			r.teardown()
			return err
		}
	}
	r.started = true
	return nil
}

// Stop removes the match rules and handlers. Stopping a stopped receiver
// is a no-op.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.teardown()
	return nil
}

// teardown undoes whatever Start managed to do. Missing registrations are
// ignored.
func (r *Receiver) teardown() {
	_ = r.bus.RemoveMatch(notifyRule)
	_ = r.bus.RemoveMatch(dismissRule)
	_ = r.bus.UnregisterSignalHandler(r.notifyH, Interface, "notify", "")
	_ = r.bus.UnregisterSignalHandler(r.dismissH, DismisserInterface, "Dismiss", "")
	if r.dismisser != nil {
		_ = r.bus.UnregisterBusObject(r.dismisser)
		r.dismisser = nil
	}
}

// Dismiss asks the producer of n to dismiss it. When the producer cannot
// be reached the Dismiss signal is broadcast from here instead.
func (r *Receiver) Dismiss(ctx context.Context, n Notification) error {
	producer := n.OriginalSender
	if producer == "" {
		producer = n.Sender
	}
	if producer != "" {
		p, err := r.bus.NewProxy(producer, ProducerPath, 0)
		if err == nil {
			if err = p.AddInterfaceByName(ProducerInterface); err == nil {
				_, err = p.MethodCall(ctx, ProducerInterface, "Dismiss", []any{n.MessageID}, 0)
			}
		}
		if err == nil {
			return nil
		}
		r.logger.Debug("producer dismiss failed, broadcasting", map[string]interface{}{
			"producer": producer,
			"msg_id":   n.MessageID,
			"error":    err.Error(),
		})
	}

	r.mu.Lock()
	obj := r.dismisser
	r.mu.Unlock()
	if obj == nil {
		return buserr.InvalidState("notification receiver is not started")
	}
	appID := n.AppID
	return obj.Signal(ctx, "", 0, DismisserInterface, "Dismiss", n.MessageID, appID[:])
}

func (r *Receiver) onNotify(s *bus.Signal) {
	n, err := decode(s.Sender, s.Args)
	if err != nil {
		r.logger.ProtocolDrop(s.Sender, err)
		return
	}
	if r.duplicate(n) {
		r.logger.Debug("duplicate notification dropped", map[string]interface{}{
			"msg_id": n.MessageID,
			"app_id": n.AppID.String(),
		})
		return
	}
	r.handler.Receive(n)
}

func (r *Receiver) onDismiss(s *bus.Signal) {
	if len(s.Args) != 2 {
		return
	}
	id, ok := s.Args[0].(int32)
	raw, _ := s.Args[1].([]byte)
	appID, err := uuid.FromBytes(raw)
	if !ok || err != nil {
		r.logger.ProtocolDrop(s.Sender, fmt.Errorf("bad Dismiss arguments"))
		return
	}
	r.handler.Dismiss(id, appID)
}

// duplicate records n and reports whether it was delivered within the
// dedup window.
func (r *Receiver) duplicate(n Notification) bool {
	now := r.now()
	key := fmt.Sprintf("%s/%d", n.AppID, n.MessageID)

	fresh := true
	r.seen.Upsert(key, now, func(exist bool, prev, next time.Time) time.Time {
		if exist && now.Sub(prev) < r.window {
			fresh = false
			return prev
		}
		return next
	})
	if !fresh {
		return true
	}

	for item := range r.seen.IterBuffered() {
		if now.Sub(item.Val) >= r.window {
			r.seen.RemoveCb(item.Key, func(_ string, v time.Time, exists bool) bool {
				return exists && now.Sub(v) >= r.window
			})
		}
	}
	return false
}
