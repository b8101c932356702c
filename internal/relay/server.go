package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"replistock/internal/replication"
)

const (
	peerBuffer = 64

	// DefaultMaxMessageBytes bounds one websocket frame. A bulk replace of
	// a large catalogue is the biggest message a replica sends.
	DefaultMaxMessageBytes = 8 << 20
)

// Server is the stateless fan-out relay. Every well-formed message one peer
// sends is forwarded to every other connected peer. It never inspects or
// stores payloads beyond the event name.
type Server struct {
	// MaxMessageBytes is applied to every peer connection accepted after it
	// is set. A peer that sends a larger frame is disconnected.
	MaxMessageBytes int64

	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// NewServer builds a relay. allowedOrigin restricts browser peers; "" or
// "*" accepts any origin.
func NewServer(logger *zap.Logger, allowedOrigin string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		MaxMessageBytes: DefaultMaxMessageBytes,
		logger:          logger,
		peers:           make(map[*peer]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Duration("duration", m.Duration))
	})
}

func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "peers": s.Peers()})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.MaxMessageBytes)

	p := &peer{conn: conn, send: make(chan []byte, peerBuffer), remote: r.RemoteAddr}
	s.register(p)
	go s.writeLoop(p)
	s.readLoop(p)
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	n := len(s.peers)
	s.mu.Unlock()
	s.logger.Info("peer joined", zap.String("remote", p.remote), zap.Int("peers", n))
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p]
	if ok {
		delete(s.peers, p)
		close(p.send)
	}
	n := len(s.peers)
	s.mu.Unlock()
	if ok {
		_ = p.conn.Close()
		s.logger.Info("peer left", zap.String("remote", p.remote), zap.Int("peers", n))
	}
}

func (s *Server) readLoop(p *peer) {
	defer s.unregister(p)
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("peer read failed", zap.String("remote", p.remote), zap.Error(err))
			}
			return
		}
		msg, err := replication.UnmarshalMessage(raw)
		if err != nil || !msg.Event.Valid() {
			s.logger.Debug("relay dropped message", zap.String("remote", p.remote), zap.String("event", string(msg.Event)))
			continue
		}
		s.forward(p, raw)
	}
}

func (s *Server) writeLoop(p *peer) {
	for raw := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			s.logger.Debug("peer write failed", zap.String("remote", p.remote), zap.Error(err))
			s.unregister(p)
			return
		}
	}
}

// forward queues raw for every peer except from. A peer whose queue is full
// is disconnected rather than allowed to stall the others.
func (s *Server) forward(from *peer, raw []byte) {
	var slow []*peer
	s.mu.Lock()
	for p := range s.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- raw:
		default:
			slow = append(slow, p)
		}
	}
	s.mu.Unlock()

	for _, p := range slow {
		s.logger.Warn("dropping slow peer", zap.String("remote", p.remote))
		s.unregister(p)
	}
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.unregister(p)
	}
}
