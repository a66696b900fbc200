// Package bridge exposes the pipeline to the external presentation layer
// (window/avatar UI) over a local WebSocket. Events flow out as ordered JSON
// objects; a small command vocabulary flows in (cancel, push-to-talk). The
// same HTTP mux serves the Prometheus /metrics endpoint and health probes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perchlabs/parley/internal/health"
	"github.com/perchlabs/parley/internal/observe"
	"github.com/perchlabs/parley/internal/pipeline"
)

const (
	defaultAddr = "127.0.0.1:8123"

	// clientBuffer bounds how far one client may fall behind the event feed
	// before it is disconnected.
	clientBuffer = 64

	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Controller is the pipeline control surface the bridge drives.
type Controller interface {
	// Events is the ordered presentation feed.
	Events() <-chan pipeline.Event

	// Cancel aborts the active cycle.
	Cancel()
}

// PushToTalker receives push-to-talk transitions from the UI.
type PushToTalker interface {
	PushToTalk(held bool)
}

// command is one inbound UI message.
type command struct {
	// Type is "cancel" or "ptt".
	Type string `json:"type"`

	// Held carries the push-to-talk state for "ptt" commands.
	Held bool `json:"held,omitempty"`
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithAddr sets the listen address. Default: 127.0.0.1:8123.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithHealthCheckers registers readiness checkers on the bridge mux.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = checkers }
}

// Server broadcasts pipeline events to connected presentation clients and
// feeds their commands back into the pipeline.
//
// Each client gets its own bounded send queue; a client that cannot keep up
// is disconnected rather than allowed to stall the feed. Events are delivered
// to every client in emission order.
type Server struct {
	ctrl     Controller
	ptt      PushToTalker
	metrics  *observe.Metrics
	log      *slog.Logger
	addr     string
	checkers []health.Checker
	mux      *http.ServeMux

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	send chan []byte
	drop func()
}

// New assembles a server. ptt and metrics may be nil.
func New(ctrl Controller, ptt PushToTalker, metrics *observe.Metrics, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		ctrl:    ctrl,
		ptt:     ptt,
		metrics: metrics,
		log:     logger,
		addr:    defaultAddr,
		clients: make(map[*client]struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, o := range opts {
		o(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(s.mux)
	return s
}

// Handler returns the bridge's HTTP handler (for tests and embedding).
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Run serves until ctx is cancelled. It owns the broadcast loop: events from
// the controller are fanned out to every connected client.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("bridge listening", "addr", s.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go s.broadcast(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("bridge: shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bridge: serve: %w", err)
		}
		return nil
	}
}

// broadcast fans controller events out to every client in order.
func (s *Server) broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ctrl.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("marshal event", "error", err)
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					// Queue full: the client stalled. Cut it loose so the
					// feed stays ordered for everyone else.
					go c.drop()
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The bridge binds loopback; the UI may load from file:// or a dev
		// server port, so origin checking buys nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{send: make(chan []byte, clientBuffer)}
	var dropOnce sync.Once
	c.drop = func() {
		dropOnce.Do(func() {
			cancel()
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
		})
	}

	s.addClient(c)
	defer s.removeClient(c)
	defer conn.Close(websocket.StatusNormalClosure, "bridge closing")
	s.log.Info("presentation client connected", "remote", r.RemoteAddr)

	go s.writeLoop(ctx, conn, c)
	s.readLoop(ctx, conn)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.BridgeClients.Add(context.Background(), 1)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.BridgeClients.Add(context.Background(), -1)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.drop()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.log.Debug("presentation client read ended", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn("malformed command", "error", err)
			continue
		}
		switch cmd.Type {
		case "cancel":
			s.ctrl.Cancel()
		case "ptt":
			if s.ptt != nil {
				s.ptt.PushToTalk(cmd.Held)
			}
		default:
			s.log.Warn("unknown command", "type", cmd.Type)
		}
	}
}
