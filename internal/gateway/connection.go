package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrTransport is the root of every failed send to a single connection.
	ErrTransport = errors.New("gateway: transport error")
	// ErrBackpressure indicates the connection's send buffer is full. The connection is closed.
	ErrBackpressure = fmt.Errorf("%w: send buffer full", ErrTransport)
	// ErrConnectionClosed indicates the handle was revoked by a transport close.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrTransport)
)

// Connection is the point-to-point handle of one admitted websocket. Send never blocks;
// only the write pump touches the socket for writes.
type Connection struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newConnection(id string, ws *websocket.Conn, buffer int, logger *zap.Logger) *Connection {
	return &Connection{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Send queues an encoded message for the write pump.
func (c *Connection) Send(message protocol.Message) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		// A client that cannot keep up is dropped; it recovers with a fresh snapshot on rejoin.
		c.logger.Warn("closing slow connection",
			zap.String("connection_id", c.id),
			zap.String("kind", string(message.Kind())))
		c.Close()
		return ErrBackpressure
	}
}

// Close revokes the handle. The write pump then says goodbye and closes the socket.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done is closed once the handle is revoked.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeWait)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("set write deadline failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// readPump delivers text frames to handle until the socket fails or a pong is missed.
func (c *Connection) readPump(maxMessageBytes int64, pongWait time.Duration, handle func([]byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection closed unexpectedly", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
