// Package server streams outbound events to websocket clients and exposes the
// health, metrics and manual trigger endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
	"github.com/loqalabs/loqa-callout/internal/trigger"
)

const writeTimeout = 5 * time.Second

type Options struct {
	Publisher *publish.Publisher
	// Manual enables POST /trigger/press and /trigger/release when set.
	Manual *trigger.Manual
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func() bool
}

// Server fans queued events out to every connected client. Events drained
// while no client is connected are dropped.
type Server struct {
	cfg  config.ServerConfig
	opts Options
	log  *slog.Logger
	app  *fiber.App

	mu      sync.Mutex
	clients map[string]*client

	stop     chan struct{}
	stopOnce sync.Once
}

type client struct {
	id     string
	out    chan []byte
	closed chan struct{}
}

func New(cfg config.ServerConfig, opts Options, log *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		opts:    opts,
		log:     log.With(slog.String("component", "server")),
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "loqa-callout",
	})
	app.Get("/healthz", s.handleHealth)
	app.Get("/readyz", s.handleReady)
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
	if opts.Manual != nil {
		app.Post("/trigger/press", s.handleTrigger(opts.Manual.Press))
		app.Post("/trigger/release", s.handleTrigger(opts.Manual.Release))
	}
	stream := websocket.New(s.handleConn)
	app.Get("/", requireUpgrade, stream)
	app.Get("/ws", requireUpgrade, stream)

	s.app = app
	return s
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("streaming server listening", slog.String("addr", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown closes every client connection and stops accepting new ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.app.ShutdownWithContext(ctx)
}

// Run drains the publisher until ctx ends, waking on enqueue notifications
// and on the poll interval.
func (s *Server) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.opts.Publisher.Notify():
		case <-ticker.C:
		}
		s.deliver()
	}
}

// ClientCount reports currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// deliver takes one event per non-empty queue per round until every queue
// is empty.
func (s *Server) deliver() {
	for {
		round := s.opts.Publisher.Round()
		if len(round) == 0 {
			return
		}
		for _, evt := range round {
			s.broadcast(evt)
		}
	}
}

func (s *Server) broadcast(evt protocol.Event) {
	payload, err := protocol.Encode(evt)
	if err != nil {
		s.log.Warn("failed to encode event", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		s.log.Debug("no client connected, dropping event", slog.String("type", string(evt.Category())))
		return
	}
	for _, c := range s.clients {
		select {
		case c.out <- payload:
		default:
			s.log.Warn("client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("type", string(evt.Category())))
		}
	}
}

func (s *Server) register() *client {
	size := s.cfg.ClientBuffer
	if size <= 0 {
		size = 256
	}
	c := &client{
		id:     uuid.NewString(),
		out:    make(chan []byte, size),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Info("client connected", slog.String("client_id", c.id), slog.Int("clients", count))
	return c
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Info("client disconnected", slog.String("client_id", c.id), slog.Int("clients", count))
}

func (s *Server) handleConn(conn *websocket.Conn) {
	c := s.register()
	defer s.unregister(c)
	defer conn.Close()

	// Clients send nothing; reading only surfaces the close.
	go func() {
		defer close(c.closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-c.closed:
			return
		case payload := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.log.Warn("write failed", slog.String("client_id", c.id), slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (s *Server) handleReady(c *fiber.Ctx) error {
	if s.opts.Ready == nil || s.opts.Ready() {
		return c.SendString("ready")
	}
	return c.Status(fiber.StatusServiceUnavailable).SendString("not ready")
}

func (s *Server) handleTrigger(fire func() bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !fire() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "trigger queue full"})
		}
		return c.SendStatus(fiber.StatusAccepted)
	}
}
