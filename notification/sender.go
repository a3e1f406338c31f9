package notification

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/peerbus/bus"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
)

// AppInfo identifies the producing application on every notification.
type AppInfo struct {
	AppID      uuid.UUID
	AppName    string
	DeviceID   string
	DeviceName string
}

func (i AppInfo) validate() error {
	switch {
	case i.AppID == uuid.Nil:
		return buserr.InvalidArgument("app id is not set")
	case i.AppName == "":
		return buserr.InvalidArgument("app name is not set")
	case i.DeviceID == "":
		return buserr.InvalidArgument("device id is not set")
	case i.DeviceName == "":
		return buserr.InvalidArgument("device name is not set")
	}
	return nil
}

// Option configures a Sender or Receiver.
type Option func(*options)

type options struct {
	logger      *logging.Logger
	dedupWindow time.Duration
	now         func() time.Time
}

func defaultOptions() options {
	return options{
		logger:      logging.New().WithComponent("notification"),
		dedupWindow: MaxTTL,
		now:         time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithComponent("notification")
		}
	}
}

// WithDedupWindow sets how long a Receiver remembers delivered
// notifications.
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dedupWindow = d
		}
	}
}

// retained is the last notification sent on one channel.
type retained struct {
	n       Notification
	expires time.Time
}

// Sender emits notifications from one attachment.
type Sender struct {
	bus    *bus.Attachment
	info   AppInfo
	logger *logging.Logger
	now    func() time.Time

	channels  map[MessageType]*bus.BusObject
	producer  *bus.BusObject
	dismisser *bus.BusObject
	nextID    atomic.Int32

	mu   sync.Mutex
	last map[MessageType]retained
}

// NewSender registers the notification objects on a.
func NewSender(a *bus.Attachment, info AppInfo, opts ...Option) (*Sender, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := registerInterfaces(a); err != nil {
		return nil, err
	}

	s := &Sender{
		bus:      a,
		info:     info,
		logger:   o.logger,
		now:      o.now,
		channels: make(map[MessageType]*bus.BusObject, len(MessageTypes)),
		last:     make(map[MessageType]retained),
	}
	s.nextID.Store(rand.Int32N(10000))

	var registered []*bus.BusObject
	register := func(obj *bus.BusObject) error {
		if err := a.RegisterBusObject(obj); err != nil {
			for _, r := range registered {
				_ = a.UnregisterBusObject(r)
			}
			return err
		}
		registered = append(registered, obj)
		return nil
	}

	for _, t := range MessageTypes {
		obj, err := newObject(a, t.Path(), Interface)
		if err != nil {
			return nil, err
		}
		if err := register(obj); err != nil {
			return nil, err
		}
		s.channels[t] = obj
	}

	producer, err := newObject(a, ProducerPath, ProducerInterface)
	if err != nil {
		return nil, err
	}
	if err := producer.AddMethodHandler(ProducerInterface, "Dismiss", s.handleDismiss); err != nil {
		return nil, err
	}
	if err := register(producer); err != nil {
		return nil, err
	}
	s.producer = producer

	dismisser, err := newObject(a, DismisserPath+"/producer", DismisserInterface)
	if err != nil {
		return nil, err
	}
	if err := register(dismisser); err != nil {
		return nil, err
	}
	s.dismisser = dismisser
	return s, nil
}

// Send broadcasts n and keeps it as the last message of its type until
// ttl passes. It returns the assigned message id.
func (s *Sender) Send(ctx context.Context, n Notification, ttl time.Duration) (int32, error) {
	if ttl < MinTTL || ttl > MaxTTL {
		return 0, buserr.InvalidArgument(fmt.Sprintf("ttl %s is outside %s..%s", ttl, MinTTL, MaxTTL))
	}
	if err := n.validate(); err != nil {
		return 0, err
	}

	n.Version = Version
	n.MessageID = s.nextID.Add(1)
	n.DeviceID = s.info.DeviceID
	n.DeviceName = s.info.DeviceName
	n.AppID = s.info.AppID
	n.AppName = s.info.AppName

	obj := s.channels[n.Type]
	if err := obj.Signal(ctx, "", 0, Interface, "notify", n.args(s.bus.UniqueName())...); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.last[n.Type] = retained{n: n, expires: s.now().Add(ttl)}
	s.mu.Unlock()

	s.logger.Debug("notification sent", map[string]interface{}{
		"msg_id": n.MessageID,
		"type":   n.Type.String(),
		"ttl":    ttl.String(),
	})
	return n.MessageID, nil
}

// Last returns the retained notification of type t, if it has not
// expired.
func (s *Sender) Last(t MessageType) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[t]
	if !ok {
		return Notification{}, false
	}
	if !s.now().Before(r.expires) {
		delete(s.last, t)
		return Notification{}, false
	}
	return r.n, true
}

// DeleteLastMsg drops the retained notification of type t and tells
// receivers to dismiss it.
func (s *Sender) DeleteLastMsg(ctx context.Context, t MessageType) error {
	if !t.Valid() {
		return buserr.InvalidArgument(fmt.Sprintf("unknown message type %d", uint16(t)))
	}
	n, ok := s.Last(t)
	if !ok {
		return buserr.NotFound(fmt.Sprintf("no %s notification to delete", t))
	}
	s.mu.Lock()
	delete(s.last, t)
	s.mu.Unlock()
	return s.emitDismiss(ctx, n.MessageID)
}

// handleDismiss serves a consumer's Dismiss call.
func (s *Sender) handleDismiss(ctx context.Context, call *bus.Call) ([]any, error) {
	id := call.Args[0].(int32)
	s.mu.Lock()
	for t, r := range s.last {
		if r.n.MessageID == id {
			delete(s.last, t)
			break
		}
	}
	s.mu.Unlock()

	s.logger.Debug("dismiss requested", map[string]interface{}{"msg_id": id, "by": call.Sender})
	if err := s.emitDismiss(ctx, id); err != nil {
		s.logger.Warn("dismiss signal not sent", map[string]interface{}{"msg_id": id, "error": err.Error()})
	}
	return nil, nil
}

func (s *Sender) emitDismiss(ctx context.Context, id int32) error {
	appID := s.info.AppID
	return s.dismisser.Signal(ctx, "", 0, DismisserInterface, "Dismiss", id, appID[:])
}

// Close unregisters the sender's objects.
func (s *Sender) Close() error {
	var errs []error
	for _, obj := range s.channels {
		errs = append(errs, s.bus.UnregisterBusObject(obj))
	}
	errs = append(errs, s.bus.UnregisterBusObject(s.producer), s.bus.UnregisterBusObject(s.dismisser))
	return buserr.Join(errs...)
}
