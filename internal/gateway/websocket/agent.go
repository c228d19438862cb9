package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024 * 1024

	sendBuffer = 256
)

// Relay is the part of the relay service an agent connection drives.
type Relay interface {
	Handshake(connID string, sender models.Sender, hello *protocol.Hello) models.ClientState
	HandleMessage(connID, clientID string, msg *protocol.Inbound) error
	HandleClose(connID string, code int)
}

// AgentConn is one browser agent connection. It implements models.Sender.
type AgentConn struct {
	ID       string
	clientID string

	conn   *websocket.Conn
	relay  Relay
	send   chan []byte
	logger *logger.Logger

	mu        sync.Mutex
	closed    bool
	closeCode int
}

// NewAgentConn wraps an upgraded connection.
func NewAgentConn(id string, conn *websocket.Conn, relay Relay, log *logger.Logger) *AgentConn {
	return &AgentConn{
		ID:     id,
		conn:   conn,
		relay:  relay,
		send:   make(chan []byte, sendBuffer),
		logger: log.WithConnID(id),
	}
}

// Send queues a frame for the write pump. It returns false once the
// connection is closing or its buffer is full.
func (a *AgentConn) Send(data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.send <- data:
		return true
	default:
		a.logger.Warn("agent send buffer full")
		return false
	}
}

// Close starts a server-initiated close with code. The read pump reports
// code to the relay once the socket is down.
func (a *AgentConn) Close(code int, reason string) {
	a.mu.Lock()
	if a.closeCode == 0 {
		a.closeCode = code
	}
	a.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = a.conn.Close()
}

func (a *AgentConn) stopSending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.send)
	}
}

// ReadPump handshakes and then feeds frames to the relay until the socket
// closes. It returns after the relay has seen the close.
func (a *AgentConn) ReadPump() {
	defer func() {
		a.stopSending()
		_ = a.conn.Close()
	}()

	a.conn.SetReadLimit(maxMessageSize)
	_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !a.handshake() {
		return
	}

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			code := a.closeCodeFor(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.logger.Warn("agent read error", zap.Error(err))
			}
			a.relay.HandleClose(a.ID, code)
			return
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Parse(raw)
		if err != nil {
			a.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := a.relay.HandleMessage(a.ID, a.clientID, msg); err != nil {
			a.logger.Debug("dropping malformed frame", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

// handshake reads the hello frame. Connections that end here are still
// reported to the relay so their close code is counted.
func (a *AgentConn) handshake() bool {
	_, raw, err := a.conn.ReadMessage()
	if err != nil {
		a.logger.Debug("agent left before hello", zap.Error(err))
		a.relay.HandleClose(a.ID, a.closeCodeFor(err))
		return false
	}

	msg, err := protocol.Parse(raw)
	var hello *protocol.Hello
	if err == nil {
		hello, err = protocol.ValidateHello(msg)
	}
	if err != nil {
		a.logger.Warn("rejecting connection", zap.Error(err))
		a.Close(websocket.ClosePolicyViolation, err.Error())
		a.relay.HandleClose(a.ID, websocket.ClosePolicyViolation)
		return false
	}

	a.clientID = hello.ClientID
	a.logger = a.logger.WithClientID(hello.ClientID)
	a.relay.Handshake(a.ID, a, hello)
	return true
}

func (a *AgentConn) closeCodeFor(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closeCode != 0 {
		return a.closeCode
	}
	return websocket.CloseAbnormalClosure
}

// WritePump writes queued frames, one JSON object per websocket message, and
// pings the agent.
func (a *AgentConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = a.conn.Close()
	}()

	for {
		select {
		case message, ok := <-a.send:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = a.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := a.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				a.logger.Debug("agent write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
