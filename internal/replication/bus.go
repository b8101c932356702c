package replication

import (
	"context"
	"sync"
)

// Bus is an in-process broadcast medium. Every subscriber, including the
// publisher's own, receives each message synchronously in subscription
// order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []busSub
}

type busSub struct {
	id int
	fn func(Message)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	subs := make([]busSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(msg)
	}
	return nil
}

func (b *Bus) Subscribe(fn func(Message)) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, busSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
