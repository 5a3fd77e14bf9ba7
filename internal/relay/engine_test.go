package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/interviewrelay/internal/protocol"
	"github.com/ent0n29/interviewrelay/internal/reliability"
)

type handleSink struct {
	mu      sync.Mutex
	handles map[string]string
}

func (s *handleSink) SetResumptionHandle(sessionID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[string]string)
	}
	s.handles[sessionID] = handle
	return nil
}

func (s *handleSink) get(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[sessionID]
}

type harness struct {
	t          *testing.T
	upstreams  chan *websocket.Conn
	upSrv      *httptest.Server
	relaySrv   *httptest.Server
	sink       *handleSink
	releases   atomic.Int32
	result     chan error
	stateMu    sync.Mutex
	states     []State
	bearerSeen chan string
}

func newHarness(t *testing.T, opts Options, dialer Dialer) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		upstreams:  make(chan *websocket.Conn, 1),
		sink:       &handleSink{},
		result:     make(chan error, 1),
		bearerSeen: make(chan string, 1),
	}

	upgrader := websocket.Upgrader{}
	h.upSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.bearerSeen <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.upstreams <- conn
	}))
	t.Cleanup(h.upSrv.Close)

	if dialer == nil {
		upURL := "ws" + strings.TrimPrefix(h.upSrv.URL, "http")
		dialer = DialerFunc(func(ctx context.Context, bearer string) (Conn, error) {
			header := http.Header{}
			header.Set("Authorization", "Bearer "+bearer)
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, upURL, header)
			if err != nil {
				return nil, err
			}
			return conn, nil
		})
	}
	engine := NewEngine(dialer, h.sink, opts, nil, nil)

	h.relaySrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.result <- engine.Run(context.Background(), Params{
			ConnectionID: 1,
			SessionID:    "sess-1",
			Client:       client,
			Bearer:       "tok",
			Setup:        protocol.NewSetup(protocol.SetupParams{Model: "m", VoiceName: "Aoede", Instruction: "hi", TriggerTokens: 50000}),
			AcceptedAt:   time.Now(),
			Release:      func() { h.releases.Add(1) },
			OnState: func(s State) {
				h.stateMu.Lock()
				h.states = append(h.states, s)
				h.stateMu.Unlock()
			},
		})
	}))
	t.Cleanup(h.relaySrv.Close)
	return h
}

func (h *harness) dialClient() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.relaySrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) acceptUpstream() *websocket.Conn {
	h.t.Helper()
	select {
	case conn := <-h.upstreams:
		h.t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		h.t.Fatalf("upstream was never dialed")
		return nil
	}
}

func (h *harness) waitResult() error {
	h.t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatalf("relay did not finish")
		return nil
	}
}

func (h *harness) finalStates() []State {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return append([]State(nil), h.states...)
}

func readSetup(t *testing.T, up *websocket.Conn) protocol.SetupMessage {
	t.Helper()
	_ = up.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := up.ReadMessage()
	require.NoError(t, err)
	var setup protocol.SetupMessage
	require.NoError(t, json.Unmarshal(data, &setup))
	return setup
}

func closeCode(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Text
		}
		t.Fatalf("read error = %v, want close frame", err)
		return 0, ""
	}
}

func TestRelayCapturesResumptionHandleAndForwardsGoAway(t *testing.T) {
	h := newHarness(t, Options{Timeout: time.Minute}, nil)
	client := h.dialClient()
	up := h.acceptUpstream()

	assert.Equal(t, "Bearer tok", <-h.bearerSeen)
	setup := readSetup(t, up)
	assert.Equal(t, "m", setup.Setup.Model)
	assert.Equal(t, "hi", setup.Setup.SystemInstruction.Parts[0].Text)

	messages := []string{
		`{"sessionResumptionUpdate":{"newHandle":"abc","resumable":true}}`,
		`{"goAway":{"timeLeft":"10s"}}`,
		`{"sessionResumptionUpdate":{"newHandle":"zzz","resumable":false}}`,
		`not json at all`,
	}
	for _, m := range messages {
		require.NoError(t, up.WriteMessage(websocket.BinaryMessage, []byte(m)))
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range messages {
		mt, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, want, string(data))
	}
	assert.Equal(t, "abc", h.sink.get("sess-1"))

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.NoError(t, h.waitResult())
	assert.Equal(t, int32(1), h.releases.Load())
	assert.Equal(t, "abc", h.sink.get("sess-1"))
}

func TestRelayForwardsClientMessagesInOrder(t *testing.T) {
	h := newHarness(t, Options{Timeout: time.Minute}, nil)
	client := h.dialClient()
	up := h.acceptUpstream()
	readSetup(t, up)

	sent := []string{
		`{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm","data":"AAA="}]}}`,
		`{"clientContent":{"turns":[],"turnComplete":true}}`,
		`{"realtimeInput":{"mediaChunks":[{"mimeType":"image/jpeg","data":"BBB="}]}}`,
	}
	for _, m := range sent {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(m)))
	}
	_ = up.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range sent {
		_, data, err := up.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}

	// Client going away closes the upstream link.
	client.Close()
	assert.NoError(t, h.waitResult())
	_ = up.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := up.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, int32(1), h.releases.Load())

	states := h.finalStates()
	require.NotEmpty(t, states)
	assert.Equal(t, []State{StateConnecting, StateAwaitingSetup, StateActive, StateClosing, StateClosed}, states)
}

func TestRelayUpstreamCloseClosesClient(t *testing.T) {
	h := newHarness(t, Options{Timeout: time.Minute}, nil)
	client := h.dialClient()
	up := h.acceptUpstream()
	readSetup(t, up)

	require.NoError(t, up.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	code, reason := closeCode(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "Upstream closed", reason)

	err := h.waitResult()
	assert.ErrorIs(t, err, reliability.ErrTransportDisconnect)
	assert.Equal(t, int32(1), h.releases.Load())
}

func TestRelayUpstreamErrorCloseReachesClient(t *testing.T) {
	h := newHarness(t, Options{Timeout: time.Minute}, nil)
	client := h.dialClient()
	up := h.acceptUpstream()
	readSetup(t, up)

	require.NoError(t, up.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "quota exceeded")))

	code, reason := closeCode(t, client)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "quota exceeded", reason)

	err := h.waitResult()
	require.Error(t, err)
	assert.ErrorIs(t, err, reliability.ErrUpstreamFailure)
	assert.NotErrorIs(t, err, reliability.ErrTransportDisconnect)
	var upErr *reliability.UpstreamCloseError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, websocket.CloseInternalServerErr, upErr.Code)
	assert.Equal(t, int32(1), h.releases.Load())
}

func TestRelayUpstreamGoingAwayIsOrderly(t *testing.T) {
	h := newHarness(t, Options{Timeout: time.Minute}, nil)
	client := h.dialClient()
	up := h.acceptUpstream()
	readSetup(t, up)

	require.NoError(t, up.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "")))

	code, reason := closeCode(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "Upstream closed", reason)
	assert.ErrorIs(t, h.waitResult(), reliability.ErrTransportDisconnect)
}

// stalledConn accepts the handshake but never drains writes.
type stalledConn struct {
	closed chan struct{}
	once   sync.Once
}

func newStalledConn() *stalledConn {
	return &stalledConn{closed: make(chan struct{})}
}

func (c *stalledConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *stalledConn) WriteMessage(int, []byte) error {
	<-c.closed
	return net.ErrClosed
}

func (c *stalledConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestRelaySetupWriteHonorsDeadline(t *testing.T) {
	stalled := newStalledConn()
	dialer := DialerFunc(func(ctx context.Context, bearer string) (Conn, error) {
		return stalled, nil
	})
	h := newHarness(t, Options{Timeout: 150 * time.Millisecond}, dialer)
	client := h.dialClient()

	code, reason := closeCode(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "Connection time limit reached", reason)

	assert.ErrorIs(t, h.waitResult(), reliability.ErrTimeout)
	assert.Equal(t, int32(1), h.releases.Load())
	assert.Equal(t, []State{StateConnecting, StateAwaitingSetup, StateClosing, StateClosed}, h.finalStates())
}

func TestRelayAbsoluteTimeout(t *testing.T) {
	h := newHarness(t, Options{Timeout: 150 * time.Millisecond}, nil)
	client := h.dialClient()
	up := h.acceptUpstream()
	readSetup(t, up)

	// Keep traffic flowing; the limit is not an idle timeout.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := up.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{}}`)); err != nil {
					return
				}
			}
		}
	}()

	code, reason := closeCode(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "Connection time limit reached", reason)

	err := h.waitResult()
	assert.ErrorIs(t, err, reliability.ErrTimeout)
	assert.Equal(t, int32(1), h.releases.Load())
}

func TestRelayDialFailureClosesClientWithError(t *testing.T) {
	failing := DialerFunc(func(ctx context.Context, bearer string) (Conn, error) {
		return nil, errors.New("handshake refused")
	})
	h := newHarness(t, Options{Timeout: time.Minute}, failing)
	client := h.dialClient()

	code, _ := closeCode(t, client)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Error(t, h.waitResult())
	assert.Equal(t, int32(1), h.releases.Load())
	assert.Equal(t, []State{StateConnecting, StateClosing, StateClosed}, h.finalStates())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_SETUP", StateAwaitingSetup.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestClientKindBoundsLabels(t *testing.T) {
	assert.Equal(t, "realtimeInput", clientKind("realtimeInput"))
	assert.Equal(t, "other", clientKind("attackerChosenKey"))
}
