package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"replistock/internal/replication"
)

const DefaultPrefix = "replistock:sync:"

// Redis is the local broadcast medium for replicas sharing one machine or
// LAN. Each message is written to a per-entity key, expiring after the
// configured TTL, and published on the same name.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	next   int
	subs   []subscriber
	pubsub *redis.PubSub
	done   chan struct{}
}

type subscriber struct {
	id int
	fn func(replication.Message)
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long the latest value per entity is kept. Zero keeps
	// it until overwritten.
	TTL    time.Duration
	Logger *zap.Logger
}

func NewRedis(opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL, logger: opts.Logger}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) key(entity replication.Entity) string {
	return r.prefix + string(entity)
}

func (r *Redis) Publish(ctx context.Context, msg replication.Message) error {
	payload, err := replication.MarshalMessage(msg)
	if err != nil {
		return err
	}
	key := r.key(msg.Event)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, payload, r.ttl)
	pipe.Publish(ctx, key, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	return nil
}

func (r *Redis) Subscribe(fn func(replication.Message)) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Listen pattern-subscribes to every entity key and fans incoming messages
// out to subscribers until Close. It returns once the subscription is
// confirmed by the server.
func (r *Redis) Listen(ctx context.Context) error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "subscribe broadcast")
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.pubsub = pubsub
	r.done = done
	r.mu.Unlock()

	go r.loop(pubsub.Channel(), done)
	return nil
}

func (r *Redis) loop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for m := range ch {
		msg, err := replication.UnmarshalMessage([]byte(m.Payload))
		if err != nil {
			r.logger.Debug("broadcast message dropped", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		r.mu.Lock()
		subs := make([]subscriber, len(r.subs))
		copy(subs, r.subs)
		r.mu.Unlock()
		for _, s := range subs {
			s.fn(msg)
		}
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			r.logger.Debug("close broadcast subscription", zap.Error(err))
		}
		<-done
	}
	return r.client.Close()
}
