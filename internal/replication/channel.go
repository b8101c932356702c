package replication

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"replistock/internal/store"
	"replistock/internal/xid"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultConnectRetries = 5
	defaultRetryDelay     = time.Second
)

type Options struct {
	// ReplicaID tags outbound messages so a replica can ignore its own
	// broadcasts. Generated when empty.
	ReplicaID string
	// Broadcast is the local medium used whenever the relay link is not
	// connected. Nil means local-only.
	Broadcast      PeerTransport
	Dialer         Dialer
	ConnectTimeout time.Duration
	ConnectRetries int
	RetryDelay     time.Duration
	Logger         *zap.Logger
}

// Channel is the replica's single sync endpoint. Every emitted event leaves
// on exactly one path: the relay link while connected, otherwise the local
// broadcast medium. Inbound events from either path are merged through the
// Applier and then handed to local subscribers.
type Channel struct {
	store     *store.Store
	applier   *Applier
	broadcast PeerTransport
	dialer    Dialer
	replicaID string
	timeout   time.Duration
	retries   int
	delay     time.Duration
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	address    string
	gen        uint64
	link       Link
	linkUnsub  func()
	cancelDial context.CancelFunc
	subs       map[Entity][]*Subscription
	stateSubs  []*StateSubscription

	broadcastUnsub func()
}

func NewChannel(st *store.Store, applier *Applier, opts Options) *Channel {
	if opts.ReplicaID == "" {
		opts.ReplicaID = xid.New("rep")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = defaultConnectRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Channel{
		store:     st,
		applier:   applier,
		broadcast: opts.Broadcast,
		dialer:    opts.Dialer,
		replicaID: opts.ReplicaID,
		timeout:   opts.ConnectTimeout,
		retries:   opts.ConnectRetries,
		delay:     opts.RetryDelay,
		logger:    opts.Logger.With(zap.String("replica", opts.ReplicaID)),
		subs:      make(map[Entity][]*Subscription),
	}
	if c.broadcast != nil {
		c.broadcastUnsub = c.broadcast.Subscribe(c.handleBroadcast)
	}
	return c
}

func (c *Channel) ReplicaID() string { return c.replicaID }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address is the relay address of the current or last connection attempt,
// or "" when the channel was torn down.
func (c *Channel) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Configure persists address and starts connecting to it in the background.
// Any previous link or pending attempt is abandoned first. An empty address
// is the same as Teardown.
func (c *Channel) Configure(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return c.Teardown(ctx)
	}
	err := c.store.Do(ctx, func(tx *store.Tx) error {
		return tx.PutSetting(store.SettingRelayAddress, address)
	})
	if err != nil {
		return err
	}
	c.connect(address)
	return nil
}

// Teardown closes the relay link, cancels pending attempts and forgets the
// persisted address. The channel keeps working over the broadcast medium.
func (c *Channel) Teardown(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	release := c.detachLocked()
	c.address = ""
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	release()
	notify()

	// Cleared rather than deleted: the replica stays local-only across
	// restarts even when a default relay is configured.
	return c.store.Do(ctx, func(tx *store.Tx) error {
		return tx.PutSetting(store.SettingRelayAddress, "")
	})
}

// Resume reconnects to the persisted relay address, if any.
func (c *Channel) Resume(ctx context.Context) error {
	var address string
	err := c.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		address, err = tx.Setting(store.SettingRelayAddress)
		return err
	})
	if err != nil {
		return err
	}
	if address == "" {
		return nil
	}
	c.connect(address)
	return nil
}

// Close releases the link and the broadcast subscription without touching
// the persisted address.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.gen++
	release := c.detachLocked()
	notify := c.setStateLocked(Disconnected)
	unsub := c.broadcastUnsub
	c.broadcastUnsub = nil
	c.mu.Unlock()

	release()
	notify()
	if unsub != nil {
		unsub()
	}
	return nil
}

// Emit delivers ev to local subscribers and sends it on exactly one
// outbound path. Transport failures are logged; the local mutation that
// produced ev has already been persisted.
func (c *Channel) Emit(ctx context.Context, ev Event) {
	if ev == nil {
		return
	}
	c.dispatch(ev)

	msg, err := Encode(ev, c.replicaID)
	if err != nil {
		c.logger.Error("encode replication event", zap.Error(err))
		return
	}

	c.mu.Lock()
	link := c.link
	connected := c.state == Connected && link != nil
	c.mu.Unlock()

	if connected {
		if err := link.Publish(ctx, msg); err != nil {
			c.logger.Warn("relay publish failed",
				zap.String("event", string(msg.Event)),
				zap.Error(err))
		}
		return
	}
	if c.broadcast == nil {
		return
	}
	if err := c.broadcast.Publish(ctx, msg); err != nil {
		c.logger.Warn("broadcast publish failed",
			zap.String("event", string(msg.Event)),
			zap.Error(err))
	}
}

func (c *Channel) On(entity Entity, fn Handler) *Subscription {
	sub := &Subscription{entity: entity, fn: fn}
	c.mu.Lock()
	c.subs[entity] = append(c.subs[entity], sub)
	c.mu.Unlock()
	return sub
}

func (c *Channel) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[sub.entity]
	for i, s := range subs {
		if s == sub {
			c.subs[sub.entity] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (c *Channel) OnState(fn func(State)) *StateSubscription {
	sub := &StateSubscription{fn: fn}
	c.mu.Lock()
	c.stateSubs = append(c.stateSubs, sub)
	c.mu.Unlock()
	return sub
}

func (c *Channel) OffState(sub *StateSubscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.stateSubs {
		if s == sub {
			c.stateSubs = append(c.stateSubs[:i:i], c.stateSubs[i+1:]...)
			return
		}
	}
}

func (c *Channel) connect(address string) {
	c.mu.Lock()
	release := c.detachLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.address = address
	notify := c.setStateLocked(Connecting)
	c.mu.Unlock()

	release()
	notify()
	go c.dialLoop(ctx, gen, address)
}

func (c *Channel) dialLoop(ctx context.Context, gen uint64, address string) {
	if c.dialer == nil {
		c.logger.Warn("relay address configured without a dialer", zap.String("address", address))
		c.finishAttempt(gen)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		link, err := c.dialer.Dial(attemptCtx, address)
		cancel()
		if err == nil {
			if !c.attach(gen, link) {
				_ = link.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		c.logger.Warn("relay connect attempt failed",
			zap.String("address", address),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}
	}

	c.logger.Warn("relay unreachable, continuing on local broadcast",
		zap.String("address", address),
		zap.Error(lastErr))
	c.finishAttempt(gen)
}

func (c *Channel) finishAttempt(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cancelDial = nil
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	notify()
}

func (c *Channel) attach(gen uint64, link Link) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.link = link
	c.linkUnsub = link.Subscribe(c.handleRemote)
	c.cancelDial = nil
	notify := c.setStateLocked(Connected)
	address := c.address
	c.mu.Unlock()

	c.logger.Info("relay connected", zap.String("address", address))
	notify()
	go c.watch(gen, link)
	return true
}

func (c *Channel) watch(gen uint64, link Link) {
	<-link.Done()

	c.mu.Lock()
	if gen != c.gen || c.link != link {
		c.mu.Unlock()
		return
	}
	release := c.detachLocked()
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	release()
	c.logger.Warn("relay link lost, continuing on local broadcast")
	notify()
}

// detachLocked clears the link and any pending attempt. The returned func
// performs the blocking cleanup and must run after c.mu is released.
func (c *Channel) detachLocked() func() {
	cancel := c.cancelDial
	unsub := c.linkUnsub
	link := c.link
	c.cancelDial = nil
	c.linkUnsub = nil
	c.link = nil

	return func() {
		if cancel != nil {
			cancel()
		}
		if unsub != nil {
			unsub()
		}
		if link != nil {
			if err := link.Close(); err != nil {
				c.logger.Debug("close relay link", zap.Error(err))
			}
		}
	}
}

// setStateLocked records s and returns a func that notifies observers when
// the state actually changed. The func must run after c.mu is released.
func (c *Channel) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	observers := make([]*StateSubscription, len(c.stateSubs))
	copy(observers, c.stateSubs)
	return func() {
		for _, o := range observers {
			o.fn(s)
		}
	}
}

func (c *Channel) handleRemote(msg Message) {
	if msg.Origin == c.replicaID {
		return
	}
	c.receive(msg)
}

// Broadcast messages are redundant while the relay is connected and a
// replica's own broadcasts come straight back on most media.
func (c *Channel) handleBroadcast(msg Message) {
	if msg.Origin == c.replicaID || c.State() == Connected {
		return
	}
	c.receive(msg)
}

func (c *Channel) receive(msg Message) {
	ev, err := Decode(msg)
	if err != nil {
		c.logger.Debug("replication message dropped",
			zap.String("event", string(msg.Event)),
			zap.Error(err))
		return
	}
	c.applier.Apply(context.Background(), ev)
	c.dispatch(ev)
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subs[ev.Entity()]))
	copy(subs, c.subs[ev.Entity()])
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
