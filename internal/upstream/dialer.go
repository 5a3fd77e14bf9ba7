// Package upstream opens the authenticated websocket to the live model
// endpoint and keeps it alive with periodic pings.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/interviewrelay/internal/observability"
	"github.com/ent0n29/interviewrelay/internal/reliability"
)

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
	PingInterval     time.Duration
	PingTimeout      time.Duration
}

type Dialer struct {
	opts    Options
	ws      *websocket.Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewDialer(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		opts: opts,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Dial connects with the bearer token. The returned Conn pings the server
// every PingInterval and fails its reads if no pong arrives within
// PingTimeout.
func (d *Dialer) Dial(ctx context.Context, bearer string) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)
	header.Set("Content-Type", "application/json")

	started := time.Now()
	ws, resp, err := d.ws.DialContext(ctx, d.opts.URL, header)
	if err != nil {
		code := "dial"
		if resp != nil {
			code = strconv.Itoa(resp.StatusCode)
			if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				d.logger.Warn("upstream handshake rejected with transient status", "status", resp.StatusCode)
			}
		}
		d.observeError(code)
		return nil, fmt.Errorf("dial upstream (%s): %w", code, err)
	}
	if d.metrics != nil {
		d.metrics.ObserveUpstreamDial(time.Since(started))
	}

	c := newConn(ws, d.opts)
	go c.keepalive()
	return c, nil
}

func (d *Dialer) observeError(code string) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamErrors.WithLabelValues(code).Inc()
}

// Conn is an upstream websocket with a keep-alive loop. It supports one
// concurrent reader and any number of writers.
type Conn struct {
	ws       *websocket.Conn
	interval time.Duration
	timeout  time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		ws:       ws,
		interval: opts.PingInterval,
		timeout:  opts.PingTimeout,
		done:     make(chan struct{}),
	}
	if opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(opts.MaxMessageBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.interval + c.timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.interval + c.timeout))
	})
	return c
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return mt, data, err
	}
	// Any inbound frame proves liveness.
	_ = c.ws.SetReadDeadline(time.Now().Add(c.interval + c.timeout))
	return mt, data, nil
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return c.ws.WriteControl(messageType, data, deadline)
}

// Close sends a normal close frame and releases the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
