// Package relay runs one interview connection: it opens the upstream stream,
// sends the setup handshake and pumps messages both ways until either side
// closes, an error occurs or the absolute time limit is reached.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/interviewrelay/internal/observability"
	"github.com/ent0n29/interviewrelay/internal/policy"
	"github.com/ent0n29/interviewrelay/internal/protocol"
	"github.com/ent0n29/interviewrelay/internal/reliability"
)

// Conn is the subset of a websocket connection the relay needs. Both
// *websocket.Conn and *upstream.Conn satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, bearer string) (Conn, error)
}

type DialerFunc func(ctx context.Context, bearer string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, bearer string) (Conn, error) {
	return f(ctx, bearer)
}

// HandleSink receives resumption handles captured from the upstream.
type HandleSink interface {
	SetResumptionHandle(sessionID, handle string) error
}

type State int32

const (
	StateConnecting State = iota
	StateAwaitingSetup
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingSetup:
		return "AWAITING_SETUP"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	errClientClosed   = fmt.Errorf("client closed: %w", reliability.ErrTransportDisconnect)
	errUpstreamClosed = fmt.Errorf("upstream closed: %w", reliability.ErrTransportDisconnect)
)

type Options struct {
	// Timeout bounds a connection from acceptance, regardless of activity.
	Timeout time.Duration
	// InputLogEvery controls how often forwarded realtimeInput chunks are logged.
	InputLogEvery int
}

type Engine struct {
	dialer  Dialer
	sink    HandleSink
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewEngine(dialer Dialer, sink HandleSink, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.InputLogEvery <= 0 {
		opts.InputLogEvery = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dialer:  dialer,
		sink:    sink,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// Params describe one accepted client connection.
type Params struct {
	ConnectionID int64
	SessionID    string
	Client       Conn
	Bearer       string
	Setup        protocol.SetupMessage
	AcceptedAt   time.Time
	// Release frees the admission slot. It is called exactly once, after
	// both sockets are closed.
	Release func()
	// OnState observes state transitions.
	OnState func(State)
}

type connection struct {
	engine   *Engine
	p        Params
	logger   *slog.Logger
	state    atomic.Int32
	upstream Conn
	upMu     sync.Mutex

	teardownOnce sync.Once
	inputChunks  atomic.Int64
	hasHandle    atomic.Bool
}

// Run drives the connection through its states and returns the cause of the
// teardown. A nil error means the client closed normally.
func (e *Engine) Run(ctx context.Context, p Params) error {
	if p.AcceptedAt.IsZero() {
		p.AcceptedAt = time.Now()
	}
	c := &connection{
		engine: e,
		p:      p,
		logger: e.logger.With("connection_id", p.ConnectionID, "session_id", p.SessionID),
	}

	ctx, cancel := context.WithDeadlineCause(ctx, p.AcceptedAt.Add(e.opts.Timeout), reliability.ErrTimeout)
	defer cancel()

	err := c.run(ctx)
	c.teardown(err)
	if errors.Is(err, errClientClosed) {
		return nil
	}
	return err
}

func (c *connection) run(ctx context.Context) error {
	c.setState(StateConnecting)
	up, err := c.engine.dialer.Dial(ctx, c.p.Bearer)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("connect upstream: %w", err)
	}
	c.upMu.Lock()
	c.upstream = up
	c.upMu.Unlock()

	// Reads and writes do not observe ctx; closing the sockets unblocks them.
	// The watcher starts before the setup write so a stalled upstream cannot
	// outlive the deadline.
	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gctx.Done():
			c.teardown(context.Cause(gctx))
		case <-stop:
		}
	}()

	c.setState(StateAwaitingSetup)
	setup, err := json.Marshal(c.p.Setup)
	if err != nil {
		return fmt.Errorf("encode setup: %w", err)
	}
	if err := up.WriteMessage(websocket.TextMessage, setup); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("send setup: %w", err)
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	c.logger.Info("upstream setup sent")

	// No wait for setupComplete; it is handled by the upstream pump.
	c.setState(StateActive)
	g.Go(func() error { return c.pumpClientToUpstream(up) })
	g.Go(func() error { return c.pumpUpstreamToClient(up) })
	err = g.Wait()

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func (c *connection) pumpClientToUpstream(up Conn) error {
	for {
		mt, data, err := c.p.Client.ReadMessage()
		if err != nil {
			if reliability.IsDisconnect(err) {
				return errClientClosed
			}
			return fmt.Errorf("client read: %w", err)
		}
		kind := clientKind(protocol.FirstKey(data))
		c.observeMessage("client_to_upstream", kind)
		if kind == protocol.KindRealtimeInput {
			if n := c.inputChunks.Add(1); n%int64(c.engine.opts.InputLogEvery) == 0 {
				c.logger.Debug("forwarded realtime input chunks", "count", n)
			}
		}
		if err := up.WriteMessage(mt, data); err != nil {
			return fmt.Errorf("upstream write: %w", err)
		}
	}
}

func (c *connection) pumpUpstreamToClient(up Conn) error {
	for {
		_, data, err := up.ReadMessage()
		if err != nil {
			err = reliability.UpstreamReadError(err)
			if errors.Is(err, reliability.ErrTransportDisconnect) {
				return errUpstreamClosed
			}
			return err
		}
		c.inspect(data)

		// The upstream frames JSON as binary; browsers expect text.
		if err := c.p.Client.WriteMessage(websocket.TextMessage, data); err != nil {
			if reliability.IsDisconnect(err) {
				return errClientClosed
			}
			return fmt.Errorf("client write: %w", err)
		}
	}
}

// inspect looks at the control fields of an upstream message. It never
// changes or drops the message.
func (c *connection) inspect(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		c.observeMessage("upstream_to_client", "unparsed")
		c.observeIndicator("upstream_protocol_error")
		if c.engine.metrics != nil {
			c.engine.metrics.UpstreamErrors.WithLabelValues("protocol").Inc()
		}
		c.logger.Warn("upstream message not parseable; forwarding raw",
			"error", fmt.Errorf("%w: %w", reliability.ErrUpstreamProtocol, err),
			"bytes", len(data),
		)
		return
	}
	c.observeMessage("upstream_to_client", msg.Kind())

	if handle, ok := msg.ResumptionHandle(); ok {
		if c.engine.sink != nil {
			if err := c.engine.sink.SetResumptionHandle(c.p.SessionID, handle); err != nil {
				c.logger.Warn("store resumption handle failed", "error", err)
			}
		}
		c.hasHandle.Store(true)
		c.observeIndicator("resumption_update")
		c.logger.Debug("resumption handle updated", "handle", policy.MaskSecret(handle))
	}

	if msg.GoAway != nil {
		c.observeIndicator("go_away")
		c.logger.Warn("upstream will terminate soon",
			"time_left", msg.GoAway.TimeLeftString(),
			"has_resumption_handle", c.hasHandle.Load(),
		)
	}

	if len(msg.SetupComplete) > 0 {
		c.logger.Debug("upstream setup complete")
	}
	if sc := msg.ServerContent; sc != nil && c.logger.Enabled(context.Background(), slog.LevelDebug) {
		if len(sc.ModelTurn) > 0 {
			c.logger.Debug("model turn received")
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			text, _ := policy.RedactPII(sc.OutputTranscription.Text)
			c.logger.Debug("assistant transcription", "text", text)
		}
		if sc.InputTranscription != nil && sc.InputTranscription.IsFinal {
			text, _ := policy.RedactPII(sc.InputTranscription.Text)
			c.logger.Debug("candidate transcription", "text", text)
		}
		if sc.GenerationComplete {
			c.logger.Debug("generation complete")
		}
	}
}

// teardown closes both sockets, reports the close code to the client and
// releases the admission slot. Only the first call has any effect.
func (c *connection) teardown(cause error) {
	c.teardownOnce.Do(func() {
		c.setState(StateClosing)

		c.upMu.Lock()
		up := c.upstream
		c.upMu.Unlock()
		if up != nil {
			_ = up.Close()
		}

		frame := reliability.CloseFor(clientFacing(cause))
		_ = c.p.Client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(frame.Code, frame.Reason),
			time.Now().Add(time.Second))
		_ = c.p.Client.Close()

		if c.p.Release != nil {
			c.p.Release()
		}
		c.setState(StateClosed)

		label := reliability.Cause(cause)
		if errors.Is(cause, errClientClosed) {
			label = "client_closed"
		} else if errors.Is(cause, errUpstreamClosed) {
			label = "upstream_closed"
		}
		if c.engine.metrics != nil {
			c.engine.metrics.RelayTeardowns.WithLabelValues(label).Inc()
		}
		attrs := []any{
			"cause", label,
			"close_code", frame.Code,
			"duration", time.Since(c.p.AcceptedAt).Round(time.Millisecond),
		}
		var upErr *reliability.UpstreamCloseError
		if errors.As(cause, &upErr) {
			attrs = append(attrs, "upstream_close_code", upErr.Code, "upstream_reason", upErr.Reason)
		}
		c.logger.Info("relay closed", attrs...)
	})
}

// clientFacing drops the client-closed cause so the close frame is a plain
// normal closure.
func clientFacing(cause error) error {
	if errors.Is(cause, errClientClosed) {
		return nil
	}
	return cause
}

func (c *connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("relay state", "from", prev.String(), "to", s.String())
	}
	if c.p.OnState != nil {
		c.p.OnState(s)
	}
}

func (c *connection) observeMessage(direction, kind string) {
	if c.engine.metrics == nil {
		return
	}
	c.engine.metrics.RelayMessages.WithLabelValues(direction, kind).Inc()
}

func (c *connection) observeIndicator(name string) {
	if c.engine.metrics == nil {
		return
	}
	c.engine.metrics.ObserveIndicator(name)
}

// clientKind bounds the metric label to the message kinds the live API defines.
func clientKind(key string) string {
	switch key {
	case protocol.KindRealtimeInput, "clientContent", "toolResponse", "setup":
		return key
	default:
		return "other"
	}
}
