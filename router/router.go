package router

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// Well-known subjects.
const (
	SubjectDiscovery = "bus.discovery"
	SubjectAbout     = "bus.about"
	SubjectHeartbeat = "bus.heartbeat"
	SubjectBroadcast = "bus.broadcast"

	peerPrefix = "peer."
	namePrefix = "name."
)

// PeerSubject is the inbox of an attachment's unique name.
func PeerSubject(uniqueName string) string { return peerPrefix + uniqueName }

// NameSubject is the inbox of a well-known name owner.
func NameSubject(name string) string { return namePrefix + name }

// Message is one delivery on a subject.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription on a link.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the
	// subscription or its link ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Link is one attachment's connection to a routing node.
type Link interface {
	// Publish sends data to every subscriber of subject, the publisher
	// included. It does not wait for delivery.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to an exact subject.
	Subscribe(subject string) (Subscription, error)

	// Done is closed when the link ends, by Close or by transport loss.
	Done() <-chan struct{}

	// Close ends the link.
	Close() error
}

// Dialer opens links to a routing node.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// Config holds common link configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 1024
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	return c
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" {
		return buserr.InvalidArgument("empty subject")
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return buserr.InvalidArgument("subject " + subject + " contains whitespace or wildcards")
	}
	return nil
}

// RetryPolicy controls dial retries in Connect.
type RetryPolicy struct {
	// MaxAttempts counts the first dial. Values below 1 mean one attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns five attempts with exponential backoff
// starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Connect dials once, or retries retryable failures with exponential
// backoff when a policy is given.
func Connect(ctx context.Context, d Dialer, policy *RetryPolicy) (Link, error) {
	if policy == nil || policy.MaxAttempts <= 1 {
		return dial(ctx, d)
	}

	exp := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		exp.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		exp.MaxInterval = policy.MaxInterval
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)

	var link Link
	err := backoff.Retry(func() error {
		l, err := dial(ctx, d)
		if err != nil {
			if !buserr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		link = l
		return nil
	}, b)
	if err != nil {
		if buserr.AsBusError(err) == nil {
			return nil, buserr.Wrap(err, "connect")
		}
		return nil, err
	}
	return link, nil
}

func dial(ctx context.Context, d Dialer) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, buserr.Wrap(err, "dial")
	}
	l, err := d.Dial(ctx)
	if err != nil {
		if buserr.AsBusError(err) != nil {
			return nil, err
		}
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeNoRoutingNode, "dial routing node")
	}
	return l, nil
}
