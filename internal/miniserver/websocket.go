package miniserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loxone-gateway/internal/resilience"
)

// Subprotocol is the websocket subprotocol the Miniserver speaks.
const Subprotocol = "remotecontrol"

// WebSocketPath is the Miniserver websocket endpoint.
const WebSocketPath = "/ws/rfc6455"

// WebSocketTransport dials Miniserver websocket connections.
type WebSocketTransport struct {
	dialer   websocket.Dialer
	username string
	password string
	logger   *log.Logger
	buffer   int
}

// NewWebSocketTransport constructs a transport. Credentials are sent as
// basic auth on the upgrade request when username is set.
func NewWebSocketTransport(username, password string, handshakeTimeout time.Duration, logger *log.Logger) *WebSocketTransport {
	if logger == nil {
		logger = log.Default()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		username: username,
		password: password,
		logger:   logger,
		buffer:   64,
	}
}

// Connect implements resilience.Transport.
func (t *WebSocketTransport) Connect(ctx context.Context, url string) (resilience.Conn, error) {
	header := http.Header{}
	if t.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(t.username + ":" + t.password))
		header.Set("Authorization", "Basic "+token)
	}
	ws, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, &StatusError{Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conn := &wsConn{
		ws:     ws,
		in:     make(chan []byte, t.buffer),
		closed: make(chan struct{}),
		logger: t.logger,
	}
	go conn.readLoop()
	return conn, nil
}

type wsConn struct {
	ws     *websocket.Conn
	in     chan []byte
	logger *log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("miniserver: websocket closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Receive() <-chan []byte {
	return c.in
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.in)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Printf("miniserver: websocket read failed: %v", err)
			}
			return
		}
		select {
		case c.in <- data:
		case <-c.closed:
			return
		}
	}
}
