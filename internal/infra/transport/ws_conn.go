package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"webinteract/internal/domain"
)

// wsConn is the SessionHandle of one browser WebSocket. Writes go through a
// bounded queue drained by writePump; Send never blocks on the network.
type wsConn struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingPeriod   time.Duration
	logger       *zap.Logger
}

func newWSConn(conn *websocket.Conn, queueSize int, writeTimeout, pingPeriod time.Duration, logger *zap.Logger) *wsConn {
	if queueSize <= 0 {
		queueSize = domain.DefaultSessionSendQueueSize
	}
	return &wsConn{
		conn:         conn,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingPeriod:   pingPeriod,
		logger:       logger,
	}
}

// Send queues msg as a JSON text frame. A closed connection fails with
// ErrConnectionClosed and a full queue with ErrSendQueueFull.
func (c *wsConn) Send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
		return domain.E(domain.CodeUnavailable, "transport.send", fmt.Sprintf("send queue full (%d frames)", cap(c.send)), domain.ErrSendQueueFull)
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		_ = c.conn.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

var _ domain.SessionHandle = (*wsConn)(nil)
