// Package server hosts the loopback-only control-plane listener: client
// connection lifecycle, heartbeat and cleanup timers, and the stats
// surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ari-OS/ARI-sub004/internal/audit"
	"github.com/Ari-OS/ARI-sub004/internal/config"
	"github.com/Ari-OS/ARI-sub004/internal/metrics"
	"github.com/Ari-OS/ARI-sub004/internal/protocol"
	"github.com/Ari-OS/ARI-sub004/internal/registry"
	"github.com/Ari-OS/ARI-sub004/internal/router"
	"github.com/Ari-OS/ARI-sub004/internal/session"
)

var (
	// ErrAlreadyRunning is returned when Start or AttachListener is called
	// on a running server.
	ErrAlreadyRunning = errors.New("control plane already running")
	// ErrNotLoopback is the security violation: the control plane refuses
	// to serve on anything but a loopback address.
	ErrNotLoopback = errors.New("control plane must bind to a loopback address")
)

// Stats is the server's always-available status snapshot.
type Stats struct {
	Running bool        `json:"running"`
	Host    string      `json:"host"`
	Port    int         `json:"port"`
	Clients ClientStats `json:"clients"`
}

// ClientStats summarizes connected clients.
type ClientStats struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	ByType        map[string]int `json:"byType"`
}

// Server is the control-plane network front end.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router
	sessions *session.Manager
	audit    audit.Sink
	upgrader websocket.Upgrader

	mu          sync.Mutex
	running     bool
	echo        *echo.Echo
	boundPort   int
	conns       map[string]*websocket.Conn
	stopTimers  chan struct{}
	timersDone  sync.WaitGroup
	ownListener bool
}

// New creates a server. Start or AttachListener brings it up.
func New(cfg *config.Config, reg *registry.Registry, rt *router.Router, mgr *session.Manager, sink audit.Sink) *Server {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		sessions: mgr,
		audit:    sink,
		conns:    make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only service; the origin is always the local host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the server's own listener on the configured address. The
// address must be loopback; anything else aborts startup with
// ErrNotLoopback and nothing is exposed.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !isLoopbackHost(s.cfg.Host) {
		return ErrNotLoopback
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to bind control plane: %w", err)
	}
	if !isLoopbackAddr(ln.Addr()) {
		ln.Close()
		return ErrNotLoopback
	}

	s.ownListener = true
	s.serveLocked(ln)
	return nil
}

// AttachListener serves on an already-bound listener. A listener bound to
// a non-loopback address is rejected and left untouched.
func (s *Server) AttachListener(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !isLoopbackAddr(ln.Addr()) {
		return ErrNotLoopback
	}

	s.ownListener = false
	s.serveLocked(ln)
	return nil
}

func (s *Server) serveLocked(ln net.Listener) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/ws", s.handleWebSocket)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.GetStats())
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.Listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.boundPort = addr.Port
	}

	s.echo = e
	s.running = true
	s.stopTimers = make(chan struct{})

	go func() {
		if err := e.Start(""); err != nil && err != http.ErrServerClosed {
			log.Printf("WARN: control plane server stopped: %v", err)
		}
	}()

	s.timersDone.Add(2)
	go s.heartbeatLoop(s.stopTimers)
	go s.cleanupLoop(s.stopTimers)

	if err := s.audit.Log("server_start", "system", string(session.TrustSystem), map[string]any{
		"addr": ln.Addr().String(),
	}); err != nil {
		log.Printf("WARN: audit write failed: %v", err)
	}
	log.Printf("Control plane listening on %s", ln.Addr())
}

// Stop shuts the server down: every client socket is closed and both
// timers cancelled before it returns. Calling Stop on a stopped server is
// a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopTimers)
	e := s.echo
	s.echo = nil

	conns := s.conns
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	for id, ws := range conns {
		ws.Close()
		if _, ok := s.registry.Remove(id); ok {
			metrics.ClientsConnected.Dec()
		}
	}

	s.timersDone.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: failed to shutdown control plane gracefully: %v", err)
	}

	if err := s.audit.Log("server_stop", "system", string(session.TrustSystem), nil); err != nil {
		log.Printf("WARN: audit write failed: %v", err)
	}
	log.Printf("Control plane stopped")
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStats answers at any time, zeros included while stopped.
func (s *Server) GetStats() Stats {
	s.mu.Lock()
	running := s.running
	port := s.boundPort
	s.mu.Unlock()

	total, authenticated, byType := s.registry.Counts()
	stats := Stats{
		Running: running,
		Host:    s.cfg.Host,
		Clients: ClientStats{ByType: byType},
	}
	if running {
		stats.Port = port
		stats.Clients.Total = total
		stats.Clients.Authenticated = authenticated
	}
	return stats
}

// handleWebSocket upgrades a connection, registers the client, sends the
// identity greeting and runs the read/write pumps.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: failed to upgrade websocket: %v", err)
		return err
	}

	client := s.registry.Register()
	s.mu.Lock()
	s.conns[client.ID] = ws
	s.mu.Unlock()
	metrics.ClientsConnected.Inc()

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	// "Here is your identity, now authenticate": an auth:response with
	// success=false carrying the assigned client id.
	s.sendGreeting(client)

	if err := s.audit.Log("client_connect", client.ID, string(session.TrustUntrusted), nil); err != nil {
		log.Printf("WARN: audit write failed: %v", err)
	}

	go s.writePump(client, ws)
	go s.readPump(client, ws)
	return nil
}

func (s *Server) sendGreeting(client *registry.Client) {
	greeting := &protocol.Message{Type: protocol.TypeAuthResponse, Payload: &protocol.AuthResponsePayload{
		Success:   false,
		ClientID:  client.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}
	data, err := json.Marshal(greeting)
	if err != nil {
		log.Printf("WARN: failed to encode greeting: %v", err)
		return
	}
	client.TrySend(data)
}

func (s *Server) readPump(client *registry.Client, ws *websocket.Conn) {
	defer s.dropClient(client, ws)

	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.registry.Touch(client.ID)
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: websocket error for client %s: %v", client.ID, err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.router.HandleInbound(ctx, client, message)
	}
}

func (s *Server) writePump(client *registry.Client, ws *websocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WARN: failed to write to client %s: %v", client.ID, err)
			return
		}
	}
	// Registry closed the send queue; say goodbye.
	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	ws.WriteMessage(websocket.CloseMessage, []byte{})
}

// dropClient tears one connection down. Remove reports whether this call
// won the race against cleanup eviction or Stop, so disconnect accounting
// happens exactly once.
func (s *Server) dropClient(client *registry.Client, ws *websocket.Conn) {
	ws.Close()
	s.mu.Lock()
	delete(s.conns, client.ID)
	s.mu.Unlock()

	if _, ok := s.registry.Remove(client.ID); ok {
		metrics.ClientsConnected.Dec()
		if err := s.audit.Log("client_disconnect", client.ID, string(session.TrustUntrusted), nil); err != nil {
			log.Printf("WARN: audit write failed: %v", err)
		}
	}
}

// heartbeatLoop pings every client so dead peers surface as read errors.
func (s *Server) heartbeatLoop(stop <-chan struct{}) {
	defer s.timersDone.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(s.conns))
			for _, ws := range s.conns {
				conns = append(conns, ws)
			}
			s.mu.Unlock()
			for _, ws := range conns {
				ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			}
		}
	}
}

// cleanupLoop evicts clients whose last activity exceeds the client
// timeout.
func (s *Server) cleanupLoop(stop <-chan struct{}) {
	defer s.timersDone.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			evicted := s.registry.EvictStale(time.Now().Add(-s.cfg.ClientTimeout))
			for _, client := range evicted {
				metrics.ClientsConnected.Dec()
				s.mu.Lock()
				ws := s.conns[client.ID]
				delete(s.conns, client.ID)
				s.mu.Unlock()
				if ws != nil {
					ws.Close()
				}
				if err := s.audit.Log("client_disconnect", client.ID, string(session.TrustUntrusted), map[string]any{
					"reason": "timeout",
				}); err != nil {
					log.Printf("WARN: audit write failed: %v", err)
				}
				log.Printf("Evicted idle client %s", client.ID)
			}
		}
	}
}

// isLoopbackHost accepts the host spellings that always resolve to the
// local host.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackAddr(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
