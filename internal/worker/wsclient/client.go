// Package wsclient provides the worker's WebSocket connection to the
// controller.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/tracing"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

const closeWriteTimeout = time.Second

// ErrClosed is returned by Send and ReadMessage after Close.
var ErrClosed = errors.New("connection closed")

// Options configure Dial.
type Options struct {
	URL              string
	WorkerID         string
	HandshakeTimeout time.Duration
}

// Conn is an established, identified controller connection. Send may be
// called from any goroutine; ReadMessage from one goroutine at a time.
type Conn struct {
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the controller and sends the worker id as the first frame.
func Dial(ctx context.Context, opts Options, log *logger.Logger) (*Conn, error) {
	ctx, span := tracing.TraceDial(ctx, opts.URL, opts.WorkerID)
	defer span.End()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to connect to controller: %w", err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(opts.WorkerID)); err != nil {
		_ = ws.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to send worker id: %w", err)
	}

	c := &Conn{
		conn:   ws,
		logger: log.WithComponent("wsclient"),
		closed: make(chan struct{}),
	}
	c.logger.Info("connected to controller",
		zap.String("url", opts.URL),
		zap.String("worker_id", opts.WorkerID),
	)
	return c, nil
}

// ReadMessage blocks until the next valid message arrives. Frames that are
// not JSON text messages are logged and skipped. A normal close by the
// controller or a local Close returns ErrClosed.
func (c *Conn) ReadMessage() (*protocol.Message, error) {
	for {
		mt, frame, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read error: %w", err)
		}
		if mt != websocket.TextMessage {
			c.logger.Warn("ignoring non-text frame", zap.Int("message_type", mt))
			continue
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("ignoring invalid frame", zap.Error(err), zap.Int("bytes", len(frame)))
			continue
		}
		return msg, nil
	}
}

// Send writes msg as one text frame.
func (c *Conn) Send(msg *protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// Close sends a close frame and closes the underlying connection. It is safe
// to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.logger.Info("controller connection closed")
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
