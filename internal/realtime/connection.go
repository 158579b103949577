package realtime

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull is returned when a slow client has fallen too far behind.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

const (
	defaultSendBuffer      = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	maxCloseReasonBytes    = 123
)

// Connection is one client stream as seen by the registry and broadcaster.
type Connection interface {
	ID() string
	RemoteAddr() string
	// Send queues payload for delivery without waiting for the network.
	Send(payload []byte) error
	// Close ends the stream with a websocket close code. Repeated calls are no-ops.
	Close(code int, reason string) error
}

// Stream adds the inbound side a Session reads from.
type Stream interface {
	Connection
	ReadMessage() ([]byte, error)
}

// ConnectionConfig tunes websocket connections.
type ConnectionConfig struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (cfg ConnectionConfig) withDefaults() ConnectionConfig {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return cfg
}

// wsConnection owns a gorilla websocket. All data frames are written by one
// writer goroutine; Send only enqueues.
type wsConnection struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	cfg        ConnectionConfig
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}
}

func newWebsocketConnection(id, remoteAddr string, conn *websocket.Conn, cfg ConnectionConfig, logger *zap.Logger) *wsConnection {
	cfg = cfg.withDefaults()
	c := &wsConnection{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		cfg:        cfg,
		logger:     logger,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
	}

	pongWait := 2 * cfg.PingInterval
	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writeLoop()
	return c
}

func (c *wsConnection) ID() string         { return c.id }
func (c *wsConnection) RemoteAddr() string { return c.remoteAddr }

func (c *wsConnection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ReadMessage blocks until the next data frame arrives or the stream fails.
func (c *wsConnection) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

func (c *wsConnection) Close(code int, reason string) error {
	if !c.markClosed() {
		return nil
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	frame := websocket.FormatCloseMessage(code, clampCloseReason(reason))
	if err := c.conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
		c.logger.Debug("websocket close frame not sent",
			zap.String("connection_id", c.id),
			zap.Int("code", code),
			zap.Error(err))
	}
	return c.conn.Close()
}

// clampCloseReason fits reason into a close frame, whose payload is limited to
// 125 bytes including the two-byte code. Cuts never split a UTF-8 sequence.
func clampCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func (c *wsConnection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

func (c *wsConnection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail tears the stream down after a write error. The blocked reader then
// returns and the session runs its cleanup.
func (c *wsConnection) fail(err error) {
	if !c.markClosed() {
		return
	}
	c.logger.Debug("websocket write failed",
		zap.String("connection_id", c.id),
		zap.String("remote_addr", c.remoteAddr),
		zap.Error(err))
	_ = c.conn.Close()
}
