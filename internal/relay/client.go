package relay

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"replistock/internal/replication"
)

var ErrLinkClosed = errors.New("relay link closed")

// NormalizeAddress turns a user supplied relay address into a websocket URL.
// A bare host:port becomes ws://host:port/sync and http(s) schemes map to
// ws(s).
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("empty relay address")
	}
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", errors.Wrap(err, "parse relay address")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Errorf("relay address %q has no host", address)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}
	return u.String(), nil
}

// Dialer opens relay links over websockets.
type Dialer struct {
	logger *zap.Logger
	ws     *websocket.Dialer
}

func NewDialer(logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{logger: logger, ws: websocket.DefaultDialer}
}

func (d *Dialer) Dial(ctx context.Context, address string) (replication.Link, error) {
	target, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.ws.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}

	conn.SetReadLimit(DefaultMaxMessageBytes)

	return &link{
		conn:   conn,
		logger: d.logger.With(zap.String("relay", target)),
		done:   make(chan struct{}),
	}, nil
}

// link reads nothing until its first subscriber arrives, so frames sent
// before then wait in the socket instead of being dropped.
type link struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	startRead sync.Once

	writeMu sync.Mutex

	mu   sync.Mutex
	next int
	subs []linkSub

	done      chan struct{}
	closeOnce sync.Once
}

type linkSub struct {
	id int
	fn func(replication.Message)
}

func (l *link) Publish(ctx context.Context, msg replication.Message) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	raw, err := replication.MarshalMessage(msg)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		l.shutdown()
		return errors.Wrap(err, "relay write")
	}
	return nil
}

func (l *link) Subscribe(fn func(replication.Message)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.subs = append(l.subs, linkSub{id: id, fn: fn})
	l.mu.Unlock()
	l.startRead.Do(func() { go l.readLoop() })

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	l.shutdown()
	return nil
}

func (l *link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *link) readLoop() {
	defer l.shutdown()
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Debug("relay read failed", zap.Error(err))
			}
			return
		}
		msg, err := replication.UnmarshalMessage(raw)
		if err != nil {
			l.logger.Debug("relay message dropped", zap.Error(err))
			continue
		}

		l.mu.Lock()
		subs := make([]linkSub, len(l.subs))
		copy(subs, l.subs)
		l.mu.Unlock()
		for _, s := range subs {
			s.fn(msg)
		}
	}
}
