// Package relay is a small WebSocket relay for the ws transport: clients join
// named channels and every event is fanned out to the other members of the
// channel. It is the development backend behind cmd/hubrelay.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/chathub/internal/transport/ws"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/relay")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

type Option func(*Server)

// WithRegistry registers the relay's collectors on reg and serves it at
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option { return func(s *Server) { s.registry = reg } }

// Server accepts relay connections at /socket?user=<id>.
type Server struct {
	addr     string
	upgrader websocket.Upgrader
	registry *prometheus.Registry

	clientsGauge  prometheus.Gauge
	channelsGauge prometheus.Gauge
	events        *prometheus.CounterVec

	mu       sync.Mutex
	clients  map[*client]struct{}
	channels map[string]map[*client]struct{}
	srv      *http.Server
	ln       net.Listener
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Clients  int            `json:"clients"`
	Channels map[string]int `json:"channels"`
}

func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		channels: make(map[string]map[*client]struct{}),
		clientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chathub_relay",
			Name:      "clients",
			Help:      "Connected relay clients.",
		}),
		channelsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chathub_relay",
			Name:      "channels",
			Help:      "Channels with at least one member.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub_relay",
			Name:      "frames_total",
			Help:      "Frames handled by type.",
		}, []string{"type"}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry != nil {
		s.registry.MustRegister(s.clientsGauge, s.channelsGauge, s.events)
	}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", s.handleSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured address and serves until ctx ends; then
// the HTTP server shuts down and every client is disconnected.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
		s.DisconnectAll()
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay: serve: %v", err)
		}
	}()
	log.Infof("relay: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Clients: len(s.clients), Channels: make(map[string]int, len(s.channels))}
	for name, members := range s.channels {
		st.Channels[name] = len(members)
	}
	return st
}

// Channels lists the channels with members, sorted.
func (s *Server) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	user, err := util.ValidateName(r.URL.Query().Get("user"))
	if err != nil {
		http.Error(w, "missing or invalid user", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay: upgrade: %v", err)
		return
	}

	c := &client{
		s:      s,
		user:   user,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		joined: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.clientsGauge.Set(float64(len(s.clients)))
	s.mu.Unlock()
	log.Infof("relay: %s connected from %s", user, r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (s *Server) join(c *client, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.channels[channel]
	if !ok {
		members = make(map[*client]struct{})
		s.channels[channel] = members
	}
	members[c] = struct{}{}
	c.joined[channel] = struct{}{}
	s.channelsGauge.Set(float64(len(s.channels)))
}

func (s *Server) leaveLocked(c *client, channel string) {
	delete(c.joined, channel)
	if members, ok := s.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	s.channelsGauge.Set(float64(len(s.channels)))
}

func (s *Server) leave(c *client, channel string) {
	s.mu.Lock()
	s.leaveLocked(c, channel)
	s.mu.Unlock()
}

// fanOut delivers an event from c to every other member of the channel.
// It reports false when c has not joined the channel.
func (s *Server) fanOut(c *client, f ws.Frame) bool {
	out := ws.Frame{Type: ws.FrameEvent, Channel: f.Channel, Kind: f.Kind, From: c.user, Payload: f.Payload}
	b, err := json.Marshal(out)
	if err != nil {
		return false
	}
	s.mu.Lock()
	if _, ok := c.joined[f.Channel]; !ok {
		s.mu.Unlock()
		return false
	}
	targets := make([]*client, 0, len(s.channels[f.Channel]))
	for m := range s.channels[f.Channel] {
		if m != c {
			targets = append(targets, m)
		}
	}
	s.mu.Unlock()

	for _, m := range targets {
		m.enqueue(b)
	}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	for channel := range c.joined {
		s.leaveLocked(c, channel)
	}
	s.clientsGauge.Set(float64(len(s.clients)))
	s.mu.Unlock()
	c.close()
	log.Infof("relay: %s disconnected", c.user)
}

// DisconnectAll closes every client connection.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(writeWait))
		s.unregister(c)
	}
}
