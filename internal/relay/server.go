package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/1ureka/duocall/internal/util"
)

const defaultRoom = "default"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config configures a relay Server.
type Config struct {
	Addr     string     // listen address, e.g. ":8080"; ":0" picks a free port
	PIN      string     // required query parameter; empty disables the check
	MaxPeers int        // connections per room
	Rate     rate.Limit // signaling messages per second per connection
	Burst    int
}

// Server is the relay's HTTP front: /ws upgrades into a room, /metrics
// exposes Prometheus metrics.
type Server struct {
	cfg      Config
	hub      *Hub
	metrics  *Metrics
	registry *prometheus.Registry
	listener net.Listener
	http     *http.Server
}

// NewServer creates a relay with its own metrics registry.
func NewServer(cfg Config) *Server {
	if cfg.Rate <= 0 {
		cfg.Rate = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}

	s := &Server{cfg: cfg, registry: prometheus.NewRegistry()}
	s.metrics = NewMetrics(s.registry, func() *Hub { return s.hub })
	s.hub = NewHub(cfg.MaxPeers, s.metrics)
	return s
}

// Hub returns the server's room hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler serving /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start begins listening. Returns the bound address.
func (s *Server) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped: %v", err)
		}
	}()
	return listener.Addr(), nil
}

// Shutdown stops accepting connections and waits for handlers, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if s.cfg.PIN != "" && subtle.ConstantTimeCompare([]byte(q.Get("pin")), []byte(s.cfg.PIN)) != 1 {
		s.metrics.rejected.WithLabelValues("pin").Inc()
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	room := q.Get("room")
	if room == "" {
		room = defaultRoom
	}
	id := q.Get("id")
	if id == "" {
		id = util.NewID()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := &member{
		id:      id,
		room:    room,
		conn:    conn,
		send:    make(chan []byte, sendCapacity),
		limiter: rate.NewLimiter(s.cfg.Rate, s.cfg.Burst),
	}

	if err := s.hub.join(m); err != nil {
		s.metrics.rejected.WithLabelValues("room_full").Inc()
		log.Warn("rejecting %s: room %q is full", util.ShortID(id), room)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room is full"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go m.writeLoop()
	m.readLoop(s.hub)
	s.hub.leave(m)
}
