// ABOUTME: Websocket server for agent connections: admission, authentication, dispatch, liveness
// ABOUTME: Owns the agent-id to connection map used for delivery and broadcast

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-swarm/internal/profile"
	"github.com/2389/coven-swarm/internal/ratelimit"
)

// ErrConnectionRejected indicates a connection refused at admission.
var ErrConnectionRejected = errors.New("connection rejected")

// Verifier checks an agent credential.
type Verifier interface {
	Verify(token, agentID, agentType string) error
}

// Handler receives agent lifecycle and message events from the channel.
type Handler interface {
	// Bind is called after a credential is verified and the connection is
	// registered. Returning an error closes the connection as auth-failed.
	Bind(ctx context.Context, agentID, agentType string) error

	// HandleMessage processes a validated message from an authenticated agent.
	HandleMessage(ctx context.Context, agentID string, msg Message) error

	// Disconnected is called once when an authenticated connection ends.
	Disconnected(agentID, reason string)
}

// Config holds the channel limits and timings.
type Config struct {
	MaxConnections       int
	ConnectionsPerMinute int
	MessagesPerSecond    int
	MaxMessageBytes      int
	AuthTimeout          time.Duration
	HeartbeatInterval    time.Duration
	ShutdownGrace        time.Duration
}

// Server accepts and serves agent connections.
type Server struct {
	cfg      Config
	verifier Verifier
	handler  Handler
	logger   *slog.Logger

	upgrader  websocket.Upgrader
	addrLimit *ratelimit.Window

	mu       sync.RWMutex
	conns    map[string]*Conn // by connection id
	agents   map[string]*Conn // by bound agent id
	shutdown bool

	wg sync.WaitGroup
}

// NewServer creates a channel server.
func NewServer(cfg Config, verifier Verifier, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		handler:  handler,
		logger:   logger.With("component", "channel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		addrLimit: ratelimit.NewWindow(cfg.ConnectionsPerMinute, time.Minute, 10000),
		conns:     make(map[string]*Conn),
		agents:    make(map[string]*Conn),
	}
}

// ServeHTTP admits, upgrades and serves one agent connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r.RemoteAddr)

	if err := s.admit(host); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, errAddressLimited) {
			status = http.StatusTooManyRequests
		}
		s.logger.Warn("connection rejected", "remote", host, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", host, "error", err)
		return
	}
	// Frames up to 4x the cap are read and rejected in Ingest; larger ones
	// break the connection.
	ws.SetReadLimit(int64(s.cfg.MaxMessageBytes) * 4)

	c := newConn(uuid.New().String(), host, ws, s.cfg.MessagesPerSecond)

	s.mu.Lock()
	if s.shutdown || len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		c.closeWith(CloseShutdown, "not accepting connections")
		return
	}
	s.conns[c.ID] = c
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.serveConn(r.Context(), c)
}

var errAddressLimited = fmt.Errorf("%w: too many connections from address", ErrConnectionRejected)

func (s *Server) admit(host string) error {
	s.mu.RLock()
	full := len(s.conns) >= s.cfg.MaxConnections
	closing := s.shutdown
	s.mu.RUnlock()

	switch {
	case closing:
		return fmt.Errorf("%w: shutting down", ErrConnectionRejected)
	case full:
		return fmt.Errorf("%w: at capacity", ErrConnectionRejected)
	case !s.addrLimit.Allow(host):
		return errAddressLimited
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, c *Conn) {
	logger := s.logger.With("conn_id", c.ID, "remote", c.RemoteAddr)
	defer s.release(c, logger)

	if !s.authenticate(ctx, c, logger) {
		return
	}
	logger = logger.With("agent_id", c.AgentID())

	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(c, done, logger)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.reason() == "" {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		s.dispatch(ctx, c, data, logger)
	}
}

// authenticate runs the handshake. The connection may send non-auth frames
// before authenticating; they are answered with an error and dropped.
func (s *Server) authenticate(ctx context.Context, c *Conn, logger *slog.Logger) bool {
	deadline := time.Now().Add(s.cfg.AuthTimeout)
	_ = c.ws.SetReadDeadline(deadline)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("authentication timed out")
				c.closeWith(CloseAuthTimeout, "authentication timeout")
			}
			return false
		}
		if !c.limiter.Allow() {
			_ = c.send(ErrorMessage{Code: CodeRateLimited, Message: "rate limit exceeded"})
			continue
		}

		msg, err := Ingest(data, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				c.closeWith(ClosePolicy, "message too large")
				return false
			}
			_ = c.send(errorFor(err, ""))
			continue
		}
		auth, ok := msg.(*Authenticate)
		if !ok {
			_ = c.send(ErrorMessage{Code: CodeNotAuthenticated, Message: "authenticate first", RequestID: msg.Request()})
			continue
		}

		if err := s.verify(auth); err != nil {
			logger.Warn("authentication failed", "agent_id", auth.AgentID, "error", err)
			c.closeWith(CloseAuthFailed, "authentication failed")
			return false
		}
		if !s.claim(c, auth.AgentID, auth.AgentType) {
			logger.Warn("duplicate agent connection", "agent_id", auth.AgentID)
			c.closeWith(CloseDuplicateAgent, "agent already connected")
			return false
		}

		_ = c.ws.SetReadDeadline(time.Time{})
		c.touch()
		ack := AuthSuccess{
			AgentID:           auth.AgentID,
			SessionID:         c.ID,
			HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds(),
		}
		if err := c.send(ack); err != nil {
			return false
		}
		if err := s.handler.Bind(ctx, auth.AgentID, auth.AgentType); err != nil {
			logger.Warn("agent bind rejected", "agent_id", auth.AgentID, "error", err)
			c.closeWith(CloseAuthFailed, "agent rejected")
			return false
		}
		logger.Info("agent authenticated", "agent_id", auth.AgentID, "agent_type", auth.AgentType)
		return true
	}
}

func (s *Server) verify(auth *Authenticate) error {
	if _, err := profile.Parse(auth.AgentType); err != nil {
		return err
	}
	return s.verifier.Verify(auth.Token, auth.AgentID, auth.AgentType)
}

// claim binds agentID to c unless another connection already holds it.
func (s *Server) claim(c *Conn, agentID, agentType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.agents[agentID]; taken {
		return false
	}
	c.bind(agentID, agentType)
	s.agents[agentID] = c
	return true
}

func (s *Server) dispatch(ctx context.Context, c *Conn, data []byte, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic handling message", "panic", r)
			_ = c.send(ErrorMessage{Code: CodeInternal, Message: "internal error"})
		}
	}()

	if !c.limiter.Allow() {
		_ = c.send(ErrorMessage{Code: CodeRateLimited, Message: "rate limit exceeded"})
		return
	}
	msg, err := Ingest(data, s.cfg.MaxMessageBytes)
	if err != nil {
		logger.Debug("frame rejected", "error", err)
		_ = c.send(errorFor(err, requestIDOf(data)))
		return
	}

	switch m := msg.(type) {
	case *Authenticate:
		_ = c.send(ErrorMessage{Code: CodeRejected, Message: "already authenticated", RequestID: m.RequestID})
		return
	case *Heartbeat:
		c.touch()
		_ = c.send(HeartbeatAck{Timestamp: time.Now().UnixMilli()})
	}

	if err := s.handler.HandleMessage(ctx, c.AgentID(), msg); err != nil {
		logger.Debug("message rejected", "type", msg.MessageType(), "error", err)
		_ = c.send(ErrorMessage{Code: CodeRejected, Message: err.Error(), RequestID: msg.Request()})
		return
	}
	if id := msg.Request(); id != "" {
		_ = c.send(Ack{RequestID: id})
	}
}

// keepalive pings the peer every heartbeat interval and closes the
// connection once two intervals pass without a pong.
func (s *Server) keepalive(c *Conn, done <-chan struct{}, logger *slog.Logger) {
	interval := s.cfg.HeartbeatInterval
	limit := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(limit)
	defer deadline.Stop()

	for {
		select {
		case <-done:
			return
		case <-deadline.C:
			since := time.Since(c.LastPong())
			if since >= limit {
				logger.Warn("heartbeat timeout", "last_pong", c.LastPong())
				c.closeWith(CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
			deadline.Reset(limit - since)
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// release unregisters c and notifies the handler if it was bound. The agent
// id stays claimed until the handler returns, so a reconnect cannot bind
// before the old session's disconnect has been applied.
func (s *Server) release(c *Conn, logger *slog.Logger) {
	c.closeWith(websocket.CloseNormalClosure, "")

	agentID := c.AgentID()
	s.mu.Lock()
	delete(s.conns, c.ID)
	bound := agentID != "" && s.agents[agentID] == c
	s.mu.Unlock()

	if !bound {
		return
	}
	reason := c.reason()
	if reason == "" {
		reason = "connection closed"
	}
	logger.Info("agent disconnected", "reason", reason)
	s.handler.Disconnected(agentID, reason)

	s.mu.Lock()
	if s.agents[agentID] == c {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()
}

// SendToAgent delivers m to the agent's connection. It reports false when the
// agent is not connected or the write fails.
func (s *Server) SendToAgent(agentID string, m Outbound) bool {
	s.mu.RLock()
	c, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.send(m); err != nil {
		s.logger.Debug("send failed", "agent_id", agentID, "type", m.OutboundType(), "error", err)
		return false
	}
	return true
}

// Broadcast sends m to every authenticated agent accepted by filter (nil
// accepts all) and returns how many deliveries succeeded.
func (s *Server) Broadcast(m Outbound, filter func(agentID string) bool) int {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.agents))
	for id, c := range s.agents {
		if filter == nil || filter(id) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.send(m) == nil {
			sent++
		}
	}
	return sent
}

// Connected reports whether agentID has an authenticated connection.
func (s *Server) Connected(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[agentID]
	return ok
}

// Disconnect closes agentID's connection with a normal closure. It reports
// whether the agent was connected.
func (s *Server) Disconnect(agentID, reason string) bool {
	s.mu.RLock()
	c, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	c.closeWith(websocket.CloseNormalClosure, reason)
	return true
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown stops admitting connections, tells every agent to stop, waits up
// to the shutdown grace for them to leave, then closes what remains.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	sent := s.Broadcast(Shutdown{Reason: "coordinator shutting down"}, nil)
	s.logger.Info("shutdown announced", "agents", sent)

	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

wait:
	for s.ConnectionCount() > 0 {
		select {
		case <-graceCtx.Done():
			break wait
		case <-ticker.C:
		}
	}

	s.mu.RLock()
	remaining := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		remaining = append(remaining, c)
	}
	s.mu.RUnlock()
	for _, c := range remaining {
		c.closeWith(CloseShutdown, "coordinator shutdown")
	}

	s.wg.Wait()
	s.addrLimit.Close()
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
