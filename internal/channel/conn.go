// ABOUTME: A single agent websocket connection with serialized writes
// ABOUTME: Tracks authentication state, bound agent id, message limiter and last pong

package channel

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-swarm/internal/ratelimit"
)

// Close codes sent to agents.
const (
	CloseAuthTimeout      = 4001
	CloseAuthFailed       = 4002
	CloseHeartbeatTimeout = 4003
	CloseDuplicateAgent   = 4004
	CloseShutdown         = 4005
	ClosePolicy           = 4006
)

const writeWait = 10 * time.Second

// Conn is one agent connection.
type Conn struct {
	ID         string
	RemoteAddr string

	ws      *websocket.Conn
	limiter *ratelimit.Messages

	writeMu sync.Mutex

	mu            sync.RWMutex
	agentID       string
	agentType     string
	authenticated bool

	lastPong    atomic.Int64 // unix nanos
	closeOnce   sync.Once
	closeReason atomic.Value // string
}

func newConn(id, remoteAddr string, ws *websocket.Conn, perSecond int) *Conn {
	c := &Conn{
		ID:         id,
		RemoteAddr: remoteAddr,
		ws:         ws,
		limiter:    ratelimit.NewMessages(perSecond),
	}
	c.touch()
	return c
}

// AgentID returns the bound agent id, or "" before authentication.
func (c *Conn) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Authenticated reports whether the credential exchange completed.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// LastPong returns the last time the peer proved liveness.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Conn) bind(agentID, agentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.agentType = agentType
	c.authenticated = true
}

func (c *Conn) touch() {
	c.lastPong.Store(time.Now().UnixNano())
}

// send writes one message. Writes are serialized across goroutines.
func (c *Conn) send(m Outbound) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a close frame carrying code and drops the connection.
// Only the first call has any effect.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// reason returns why the connection was closed by the server, if it was.
func (c *Conn) reason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return ""
}
