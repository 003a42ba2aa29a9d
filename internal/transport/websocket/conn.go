// Package websocket implements the proxy WebSocket transport.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

// DefaultReadLimit bounds inbound frames to 16 MiB.
const DefaultReadLimit = 1 << 24

// Config holds dial options.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadLimit        int64
	WriteTimeout     time.Duration
}

// URLFor builds the proxy URL: port 443 selects a TLS connection to the bare
// host, every other port a plain connection to host:port.
// IPv6 literals are bracketed in both forms.
func URLFor(host string, port int) string {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if port == 443 {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return "wss://" + host
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Conn is a transport.Transport and transport.Receiver over one WebSocket
// connection. gorilla/websocket allows one concurrent reader and one writer;
// the agent reads from its run goroutine and writes from its executor.
type Conn struct {
	conn   *websocket.Conn
	cfg    Config
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a connection to cfg.URL.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	ws.SetReadLimit(cfg.ReadLimit)
	logger.Info("websocket connected", zap.String("url", cfg.URL))
	return &Conn{conn: ws, cfg: cfg, logger: logger, closed: make(chan struct{})}, nil
}

// Dialer adapts Dial to transport.Dialer.
func Dialer(cfg Config, logger *zap.Logger) transport.Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		return Dial(ctx, cfg, logger)
	}
}

// Send writes env.Data as one text frame.
func (c *Conn) Send(ctx context.Context, env transport.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok && c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, env.Data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Receive blocks for the next inbound frame. Canceling ctx closes the
// connection, since gorilla reads cannot be interrupted otherwise.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
		select {
		case <-c.closed:
			return nil, transport.ErrClosed
		default:
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

// Close sends a close frame and releases the connection. Closing twice is safe.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
		c.logger.Info("websocket closed", zap.String("url", c.cfg.URL))
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
