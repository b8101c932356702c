package replication

import "context"

// PeerTransport moves encoded messages between replicas. Implementations
// must not hold internal locks while invoking subscribers.
type PeerTransport interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(fn func(Message)) (unsubscribe func())
}

// Link is a networked transport with a lifetime. Done is closed once the
// link can no longer carry messages.
type Link interface {
	PeerTransport
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, address string) (Link, error)
}
