package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type options struct {
	baseURL        string
	token          string
	connections    int
	hold           time.Duration
	latencySamples int
	audioChunks    int
	chunkMS        int
	echoTimeout    time.Duration
	verbose        bool
}

type configEcho struct {
	Type   string `json:"type"`
	Config struct {
		SessionID     string `json:"sessionId"`
		CandidateUUID string `json:"candidateUuid"`
	} `json:"config"`
}

type outcome struct {
	result    string
	echo      time.Duration
	sessionID string
	closeCode int
	err       error
}

const (
	resultEchoed   = "echoed"
	resultRejected = "rejected"
	resultClosed   = "closed"
	resultFailed   = "failed"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var holdMS, echoTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "relay base URL")
	flag.StringVar(&cfg.token, "token", "default", "interview config token")
	flag.IntVar(&cfg.connections, "connections", 10, "number of concurrent interview connections")
	flag.IntVar(&holdMS, "hold-ms", 2000, "how long each connection stays open after the config echo")
	flag.IntVar(&cfg.latencySamples, "latency-samples", 3, "synthetic latency samples posted per session")
	flag.IntVar(&cfg.audioChunks, "audio-chunks", 0, "silent realtimeInput audio chunks sent per connection")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "duration of each synthetic audio chunk in milliseconds")
	flag.IntVar(&echoTimeoutMS, "echo-timeout-ms", 10000, "timeout waiting for the config echo")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print per-connection results")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.connections <= 0 {
		return options{}, fmt.Errorf("connections must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if holdMS < 0 {
		holdMS = 0
	}
	if echoTimeoutMS < 100 {
		echoTimeoutMS = 100
	}
	cfg.hold = time.Duration(holdMS) * time.Millisecond
	cfg.echoTimeout = time.Duration(echoTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	wsURL, err := interviewURL(cfg.baseURL, cfg.token)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}

	var (
		mu       sync.Mutex
		outcomes []outcome
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < cfg.connections; i++ {
		i := i
		g.Go(func() error {
			o := probe(ctx, client, cfg, wsURL)
			if cfg.verbose {
				fmt.Printf("relayprobe: conn=%d result=%s echo_ms=%.1f session=%s code=%d err=%v\n",
					i+1, o.result, ms(o.echo), o.sessionID, o.closeCode, o.err)
			}
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	fmt.Print(summarize(outcomes).String())
	return nil
}

// probe runs one interview connection: wait for the config echo, optionally
// stream silence and post latency samples, then close normally.
func probe(ctx context.Context, client *http.Client, cfg options, wsURL string) outcome {
	started := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.echoTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return outcome{result: resultFailed, err: err}
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(started.Add(cfg.echoTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		result, code := classifyClose(err)
		return outcome{result: result, closeCode: code, err: err}
	}
	echoed := time.Since(started)
	var echo configEcho
	if err := json.Unmarshal(data, &echo); err != nil || echo.Type != "config" {
		return outcome{result: resultFailed, echo: echoed, err: fmt.Errorf("unexpected first message: %.80s", data)}
	}
	o := outcome{result: resultEchoed, echo: echoed, sessionID: echo.Config.SessionID}

	_ = conn.SetReadDeadline(time.Time{})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	chunk := silentChunk(cfg.chunkMS)
	for i := 0; i < cfg.audioChunks; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
			o.err = err
			break
		}
		time.Sleep(time.Duration(cfg.chunkMS) * time.Millisecond)
	}

	for i := 0; i < cfg.latencySamples && o.sessionID != ""; i++ {
		userEnd := time.Now().UnixMilli()
		aiStart := userEnd + 300 + rand.Int63n(700)
		if err := postLatency(ctx, client, cfg.baseURL, o.sessionID, userEnd, aiStart); err != nil {
			o.err = err
			break
		}
	}

	select {
	case <-time.After(cfg.hold):
	case err := <-readErr:
		o.result, o.closeCode = classifyClose(err)
		o.err = err
		return o
	case <-ctx.Done():
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return o
}

func postLatency(ctx context.Context, client *http.Client, baseURL, sessionID string, userEnd, aiStart int64) error {
	body, err := json.Marshal(map[string]any{
		"sessionId":   sessionID,
		"userEndTime": userEnd,
		"aiStartTime": aiStart,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/latency/log", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("latency log status %d", res.StatusCode)
	}
	return nil
}

func interviewURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base-url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/interview"
	q := u.Query()
	if strings.TrimSpace(token) != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyClose maps a read error to a probe result. Capacity refusals arrive
// as a policy-violation close before any config echo.
func classifyClose(err error) (string, int) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return resultFailed, 0
	}
	if ce.Code == websocket.ClosePolicyViolation {
		return resultRejected, ce.Code
	}
	return resultClosed, ce.Code
}

// silentChunk is one realtimeInput message carrying chunkMS of 16 kHz PCM16 silence.
func silentChunk(chunkMS int) []byte {
	pcm := make([]byte, 16000*2*chunkMS/1000)
	msg := map[string]any{
		"realtimeInput": map[string]any{
			"mediaChunks": []map[string]string{{
				"mimeType": "audio/pcm;rate=16000",
				"data":     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	out, _ := json.Marshal(msg)
	return out
}

type summary struct {
	total    int
	counts   map[string]int
	echoP50  time.Duration
	echoP95  time.Duration
	echoMax  time.Duration
	sessions int
}

func summarize(outcomes []outcome) summary {
	s := summary{total: len(outcomes), counts: map[string]int{}}
	var echoes []time.Duration
	for _, o := range outcomes {
		s.counts[o.result]++
		if o.echo > 0 {
			echoes = append(echoes, o.echo)
		}
		if o.sessionID != "" {
			s.sessions++
		}
	}
	sort.Slice(echoes, func(i, j int) bool { return echoes[i] < echoes[j] })
	s.echoP50 = percentile(echoes, 0.50)
	s.echoP95 = percentile(echoes, 0.95)
	if len(echoes) > 0 {
		s.echoMax = echoes[len(echoes)-1]
	}
	return s
}

func (s summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relayprobe: connections=%d echoed=%d rejected=%d closed=%d failed=%d sessions=%d\n",
		s.total, s.counts[resultEchoed], s.counts[resultRejected], s.counts[resultClosed], s.counts[resultFailed], s.sessions)
	fmt.Fprintf(&b, "relayprobe: config_echo p50=%.1fms p95=%.1fms max=%.1fms\n", ms(s.echoP50), ms(s.echoP95), ms(s.echoMax))
	return b.String()
}

// percentile expects sorted input and uses nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
