package discovery

import (
	"context"

	"github.com/nats-io/nats.go"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
	"github.com/vinayprograms/peerbus/router"
)

// Factory builds a directory for a freshly connected link.
type Factory func(ctx context.Context, link router.Link, cfg Config, logger *logging.Logger) (Directory, error)

// Broadcast returns a factory for BroadcastDirectory. It works over any
// link.
func Broadcast() Factory {
	return func(_ context.Context, link router.Link, cfg Config, logger *logging.Logger) (Directory, error) {
		return NewBroadcastDirectory(link, cfg, logger)
	}
}

// natsConn is implemented by links backed by a NATS connection.
type natsConn interface {
	Conn() *nats.Conn
}

// JetStream returns a factory for KVDirectory. The link must be a NATS
// link.
func JetStream(kv KVConfig) Factory {
	return func(ctx context.Context, link router.Link, cfg Config, logger *logging.Logger) (Directory, error) {
		nl, ok := link.(natsConn)
		if !ok {
			return nil, buserr.InvalidArgument("jetstream discovery needs a NATS link")
		}
		return NewKVDirectory(ctx, nl.Conn(), cfg, kv, logger)
	}
}
