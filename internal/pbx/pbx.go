// Package pbx is the telephony-facing edge of the gateway: a WebSocket
// endpoint speaking the PBX media protocol. The PBX opens one connection per
// call and exchanges JSON events on it; caller audio arrives as base64
// `media` payloads and synthesized speech returns as `reverse-media` frames.
//
// On `start` the handler resolves the agent for the dialed number, gates the
// call on the client's credit balance, creates the call record and assembles
// the per-call pipeline: a self-healing recognition stream, the dialogue
// controller and a paced egress writer sharing the socket's single send
// critical section. `stop` and socket close both funnel into one idempotent
// teardown that stops the pipeline, flushes the live record and hands the
// call to the end-of-call analyzer.
//
// Pre-start failures are the only ones the PBX ever sees, as `error` events
// (no_agent, insufficient_credits). Everything mid-call is logged, counted
// and absorbed.
package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/analysis"
	"github.com/callways/trunkline/internal/billing"
	"github.com/callways/trunkline/internal/calllog"
	"github.com/callways/trunkline/internal/dialogue"
	"github.com/callways/trunkline/internal/observe"
	"github.com/callways/trunkline/pkg/provider/asr"
	"github.com/callways/trunkline/pkg/provider/llm"
	"github.com/callways/trunkline/pkg/provider/tts"
	"github.com/callways/trunkline/pkg/types"
)

const (
	defaultLiveSaveInterval = 2 * time.Second
	defaultTeardownTimeout  = 60 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// CreditGate admits calls and releases per-stream billing marks after
// teardown.
type CreditGate interface {
	// EnsureBalance returns billing.ErrInsufficientCredits (possibly
	// wrapped) when the client cannot start a call.
	EnsureBalance(ctx context.Context, clientID string) error

	// Forget clears the in-process billed marks for a finished stream.
	Forget(streamID string)
}

// CallCreator inserts the call record at start.
type CallCreator interface {
	CreateInitial(ctx context.Context, rec *calllog.Record) error
}

// LiveSink receives mid-call transcript snapshots.
type LiveSink interface {
	Save(streamID string, up calllog.LiveUpdate)
	FlushStream(ctx context.Context, streamID string) error
}

// Analyzer runs the end-of-call pipeline: classification, messaging,
// billing and the final record write.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

var (
	_ CreditGate  = (*billing.Ledger)(nil)
	_ CallCreator = (*calllog.Store)(nil)
	_ LiveSink    = (*calllog.Batcher)(nil)
	_ Analyzer    = (*analysis.Analyzer)(nil)
)

// Deps are the collaborators the handler wires into every call. Agents,
// ASR, LLM, TTS, Credits, Calls and Analyzer are required.
type Deps struct {
	// Agents resolves the agent serving a dialed or caller number.
	Agents agentdir.Directory

	// ASR, LLM and TTS are the pipeline providers handed to each call.
	ASR asr.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Credits gates call start on the client's balance.
	Credits CreditGate

	// Calls creates the call record on start.
	Calls CallCreator

	// Live receives batched live-transcript saves. Nil disables them.
	Live LiveSink

	// Analyzer owns the teardown persistence chain.
	Analyzer Analyzer

	// OnAnalyzed, when set, is invoked after a successful analysis. The
	// notifier hooks in here; it must not block beyond its own timeouts.
	OnAnalyzed func(ctx context.Context, call types.CallInfo, agent *agentdir.Agent, res *analysis.Result)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Config tunes the handler. Zero fields take package defaults.
type Config struct {
	// Media is the audio profile assumed when start carries no mediaFormat.
	// Zero value means linear16, 8 kHz, mono.
	Media types.MediaFormat

	// ASRSampleRate, when set, overrides the sample rate announced to the
	// recognition session instead of forwarding the PBX-advertised one.
	ASRSampleRate int

	// Dialogue tunes the per-call conversation loop.
	Dialogue dialogue.Config

	// ASRBufferFrames bounds the pre-open audio buffer per call. Zero keeps
	// the session default.
	ASRBufferFrames int

	// LiveSaveInterval is how often a changed transcript is snapshotted to
	// the live sink. Default 2s.
	LiveSaveInterval time.Duration

	// TeardownTimeout bounds the flush-and-analyze work after a call ends.
	// Default 60s.
	TeardownTimeout time.Duration

	// WriteTimeout bounds one socket write. Default 5s.
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Media.Encoding == "" {
		c.Media.Encoding = types.EncodingLinear16
	}
	if c.Media.SampleRate <= 0 {
		c.Media.SampleRate = 8000
	}
	if c.Media.Channels <= 0 {
		c.Media.Channels = 1
	}
	if c.LiveSaveInterval <= 0 {
		c.LiveSaveInterval = defaultLiveSaveInterval
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = defaultTeardownTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// Handler accepts PBX connections and runs one call per connection. It is
// an http.Handler; mount it on the media path. It also serves as the
// process-wide registry of live calls, which is what draining walks.
type Handler struct {
	agents     agentdir.Directory
	asr        asr.Provider
	llm        llm.Provider
	tts        tts.Provider
	credits    CreditGate
	calls      CallCreator
	live       LiveSink
	analyzer   Analyzer
	onAnalyzed func(ctx context.Context, call types.CallInfo, agent *agentdir.Agent, res *analysis.Result)

	metrics *observe.Metrics
	logger  *slog.Logger
	cfg     Config

	mu     sync.Mutex
	conns  map[*conn]struct{}
	active map[string]*conn // streamID -> conn, start through teardown
	closed bool

	wg sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// New builds a Handler.
func New(deps Deps, cfg Config) (*Handler, error) {
	switch {
	case deps.Agents == nil:
		return nil, fmt.Errorf("pbx: nil agent directory")
	case deps.ASR == nil:
		return nil, fmt.Errorf("pbx: nil ASR provider")
	case deps.LLM == nil:
		return nil, fmt.Errorf("pbx: nil LLM provider")
	case deps.TTS == nil:
		return nil, fmt.Errorf("pbx: nil TTS provider")
	case deps.Credits == nil:
		return nil, fmt.Errorf("pbx: nil credit gate")
	case deps.Calls == nil:
		return nil, fmt.Errorf("pbx: nil call creator")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("pbx: nil analyzer")
	}
	cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{
		agents:     deps.Agents,
		asr:        deps.ASR,
		llm:        deps.LLM,
		tts:        deps.TTS,
		credits:    deps.Credits,
		calls:      deps.Calls,
		live:       deps.Live,
		analyzer:   deps.Analyzer,
		onAnalyzed: deps.OnAnalyzed,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		conns:      make(map[*conn]struct{}),
		active:     make(map[string]*conn),
	}, nil
}

// ServeHTTP upgrades the connection and serves it until the call ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The PBX is a server-side client; there is no browser origin to
		// verify.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("pbx websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &conn{
		h:      h,
		ws:     ws,
		sender: newSender(ws, h.cfg.WriteTimeout),
		logger: h.logger.With("remote", r.RemoteAddr),
	}
	if !h.addConn(c) {
		ws.Close(websocket.StatusGoingAway, "draining")
		return
	}
	defer h.removeConn(c)

	c.serve(r.Context())
}

// ActiveCalls returns the number of calls between start and teardown.
func (h *Handler) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Shutdown drains the handler: new connections are rejected, every live
// socket is closed, and the per-call teardowns (analysis included) are
// awaited. Returns ctx.Err() if they do not finish in time.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "draining")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pbx: shutdown: %w", ctx.Err())
	}
}

func (h *Handler) draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) addConn(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) removeConn(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Handler) registerCall(streamID string, c *conn) {
	h.mu.Lock()
	h.active[streamID] = c
	h.mu.Unlock()
}

func (h *Handler) unregisterCall(streamID string) {
	h.mu.Lock()
	delete(h.active, streamID)
	h.mu.Unlock()
}

// mediaFormat resolves the call's audio profile: the configured default,
// overridden field by field by what the PBX advertised.
func (h *Handler) mediaFormat(mf *wireMediaFormat) types.MediaFormat {
	m := h.cfg.Media
	if mf == nil {
		return m
	}
	if mf.Encoding != "" {
		m.Encoding = mf.Encoding
	}
	if mf.SampleRate > 0 {
		m.SampleRate = mf.SampleRate
	}
	if mf.Channels > 0 {
		m.Channels = mf.Channels
	}
	return m
}
