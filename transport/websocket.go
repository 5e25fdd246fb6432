package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/InsulaLabs/ringfs/wire"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 30 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 256 << 20           // Snapshots travel as a single message.
	acceptBacklog  = 16

	ringPath      = "/ring"
	addressHeader = "X-Ring-Address"
)

// wsConn is one ring link. Reads happen on the caller's goroutine; writes
// and pings share a mutex because gorilla allows a single writer.
type wsConn struct {
	logger *slog.Logger
	conn   *websocket.Conn
	remote string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = &wsConn{}

func newWSConn(logger *slog.Logger, conn *websocket.Conn, remote string) *wsConn {
	c := &wsConn{
		logger: logger.With("peer", remote),
		conn:   conn,
		remote: remote,
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) RemoteAddress() string {
	return c.remote
}

func (c *wsConn) Send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: sending %s to %s: %v", ErrClosed, env.Kind(), c.remote, err)
	}
	return nil
}

// Receive blocks for the next message. Cancelling ctx breaks the link.
func (c *wsConn) Receive(ctx context.Context) (wire.Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return wire.Envelope{}, ctx.Err()
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Debug("websocket read error", "error", err)
		}
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return wire.Decode(data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// -------------------------- LISTENER

type ListenerConfig struct {
	Logger      *slog.Logger
	BindAddress string // host:port, port 0 picks a free one
	TLSCert     string
	TLSKey      string
}

type WebSocketListener struct {
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	accepted chan Conn
	closed   chan struct{}
	once     sync.Once
}

var _ Listener = &WebSocketListener{}

func Listen(cfg ListenerConfig) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.BindAddress, err)
	}

	l := &WebSocketListener{
		logger:   cfg.Logger.WithGroup("ws_listener"),
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		accepted: make(chan Conn, acceptBacklog),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ringPath, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: writeWait,
	}

	go func() {
		var serveErr error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			serveErr = l.server.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
		} else {
			serveErr = l.server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.logger.Error("ring listener stopped", "error", serveErr)
		}
	}()

	l.logger.Info("ring listener started", "address", ln.Addr().String(), "tls", cfg.TLSCert != "")
	return l, nil
}

func (l *WebSocketListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := r.Header.Get(addressHeader)
	if remote == "" {
		http.Error(w, "missing "+addressHeader, http.StatusBadRequest)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("Failed to upgrade WebSocket connection", "error", err, "peer", remote)
		return
	}

	c := newWSConn(l.logger, conn, remote)
	select {
	case l.accepted <- c:
		l.logger.Debug("ring connection accepted", "peer", remote, "remote_addr", conn.RemoteAddr().String())
	case <-l.closed:
		c.Close()
	default:
		l.logger.Warn("accept backlog full, dropping connection", "peer", remote)
		c.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

// -------------------------- DIALER

type DialerConfig struct {
	Logger           *slog.Logger
	Self             string // announced to the peer as our ring address
	Port             int    // used when an address carries no port
	TLS              bool
	SkipVerify       bool
	HandshakeTimeout time.Duration
}

type WebSocketDialer struct {
	logger *slog.Logger
	self   string
	port   int
	scheme string
	dialer *websocket.Dialer
}

var _ Dialer = &WebSocketDialer{}

func NewDialer(cfg DialerConfig) *WebSocketDialer {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	d := &WebSocketDialer{
		logger: cfg.Logger.WithGroup("ws_dialer"),
		self:   cfg.Self,
		port:   cfg.Port,
		scheme: "ws",
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	if cfg.TLS {
		d.scheme = "wss"
		d.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.SkipVerify}
	}
	return d
}

func (d *WebSocketDialer) hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(d.port))
}

func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	u := url.URL{Scheme: d.scheme, Host: d.hostPort(address), Path: ringPath}

	header := http.Header{}
	header.Set(addressHeader, d.self)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			d.logger.Debug("WebSocket dial error with response", "url", u.String(), "status", resp.Status, "error", err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, address, err)
	}
	return newWSConn(d.logger, conn, address), nil
}
