// Package dialogue implements the per-call conversation controller: the
// state machine that turns caller speech into agent speech.
//
// One Controller owns one call. Its event loop is the only goroutine that
// mutates dialogue state; ASR transcripts, playback signals and turn
// completions all arrive as channel events. Turns (LLM generation plus TTS
// synthesis) run on their own goroutines, tagged with monotonic session
// ids, and check those ids at every hand-off so a superseded turn dies
// quietly instead of talking over its successor.
//
// # States
//
//	Setup → Greeting → Listening → Generating → Speaking → Listening → …
//	any state → Teardown via Stop.
//
// A caller interruption (barge-in) issues a gentle stop: pending playback
// is cleared and the voice session advances, while the utterance already
// on the wire may finish within the sentence-completion grace window. If
// the caller keeps talking past the window, a hard stop cuts playback at
// the next frame boundary.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/egress"
	"github.com/callways/trunkline/internal/observe"
	"github.com/callways/trunkline/internal/session"
	"github.com/callways/trunkline/pkg/audio"
	"github.com/callways/trunkline/pkg/provider/asr"
	"github.com/callways/trunkline/pkg/provider/llm"
	"github.com/callways/trunkline/pkg/provider/tts"
	"github.com/callways/trunkline/pkg/types"
)

const (
	defaultHistoryWindow     = 8
	defaultMaxResponseTokens = 120
	defaultMinWords          = 2
	defaultMinConfidence     = 0.3
	defaultSentenceGrace     = 2 * time.Second
	defaultFrameInterval     = 20 * time.Millisecond
	defaultPriorityInterval  = 15 * time.Millisecond
	defaultUtteranceGap      = 60 * time.Millisecond

	turnEventBuf = 8
)

// State is the dialogue phase of a call.
type State int32

const (
	// StateIdle is a connection with no call started.
	StateIdle State = iota

	// StateSetup covers agent lookup, the credit gate and pipeline
	// construction, before the greeting plays.
	StateSetup

	// StateGreeting plays the agent's first message. Immune to barge-in;
	// caller speech is buffered until the greeting finishes.
	StateGreeting

	// StateListening waits for the caller.
	StateListening

	// StateGenerating streams an LLM reply into the chunker.
	StateGenerating

	// StateSpeaking plays synthesized reply audio. Overlaps generation:
	// it begins with the first speakable chunk.
	StateSpeaking

	// StateTeardown is terminal.
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes the realtime loop. Zero fields take package defaults.
type Config struct {
	// HistoryWindow is how many trailing history entries go into LLM
	// context.
	HistoryWindow int

	// MaxResponseTokens caps one spoken reply.
	MaxResponseTokens int

	// BargeInMinWords and BargeInMinConfidence gate which interim
	// transcripts count as interruptions.
	BargeInMinWords      int
	BargeInMinConfidence float64

	// StutterWindow suppresses identical interims re-reported within it.
	StutterWindow time.Duration

	// SentenceGrace is how much of an interrupted utterance may still play
	// out after a gentle stop.
	SentenceGrace time.Duration

	// FrameInterval, PriorityFrameInterval and UtteranceGap tune egress
	// pacing. Zero keeps the egress defaults.
	FrameInterval         time.Duration
	PriorityFrameInterval time.Duration
	UtteranceGap          time.Duration
}

func (c *Config) withDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.MaxResponseTokens <= 0 {
		c.MaxResponseTokens = defaultMaxResponseTokens
	}
	if c.BargeInMinWords <= 0 {
		c.BargeInMinWords = defaultMinWords
	}
	if c.BargeInMinConfidence <= 0 {
		c.BargeInMinConfidence = defaultMinConfidence
	}
	if c.StutterWindow <= 0 {
		c.StutterWindow = defaultStutterWindow
	}
	if c.SentenceGrace <= 0 {
		c.SentenceGrace = defaultSentenceGrace
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = defaultFrameInterval
	}
	if c.PriorityFrameInterval <= 0 {
		c.PriorityFrameInterval = defaultPriorityInterval
	}
	if c.UtteranceGap <= 0 {
		c.UtteranceGap = defaultUtteranceGap
	}
}

// Deps are the collaborators a Controller drives. Agent, Call, ASR, LLM,
// TTS and Output are required; the rest default sensibly.
type Deps struct {
	// Agent is the resolved agent configuration for this call.
	Agent *agentdir.Agent

	// Call identifies the call and its media format.
	Call types.CallInfo

	// ASR is the open transcription session. The controller consumes its
	// transcript channels; the PBX layer feeds it audio.
	ASR asr.SessionHandle

	// LLM generates replies.
	LLM llm.Provider

	// TTS synthesizes speech.
	TTS tts.Provider

	// Output writes one wire frame to the PBX. Called from the egress
	// goroutine only.
	Output func(frame []byte) error

	// Recorder keeps the conversation history. Nil creates a fresh one.
	Recorder *session.Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// ----------------------------------------------------------------------------

type turnEventKind int

const (
	turnSpeaking turnEventKind = iota
	turnFinished
)

// turnEvent is how turn goroutines report progress to the event loop.
type turnEvent struct {
	session uint64
	kind    turnEventKind
}

// Controller runs the dialogue for one call. Create with New, drive with
// Run, end with Stop.
type Controller struct {
	agent *agentdir.Agent
	call  types.CallInfo
	asr   asr.SessionHandle
	llm   llm.Provider
	tts   tts.Provider
	rec   *session.Recorder
	out   *egress.Dispatcher

	metrics *observe.Metrics
	logger  *slog.Logger
	cfg     Config
	voice   types.VoiceProfile

	state      atomic.Int32
	llmSession atomic.Uint64
	ttsSession atomic.Uint64

	// Event-loop state. Touched only from Run's goroutine.
	barge          bargeDetector
	lastPartial    types.Transcript
	lastPartialAt  time.Time
	greetBuffer    []string
	turnRunning    bool
	lastGentleStop time.Time

	mu         sync.Mutex
	turnCancel context.CancelFunc

	turnEvents chan turnEvent
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New builds a Controller and starts its egress dispatcher. The controller
// is in StateSetup until Run begins the greeting.
func New(deps Deps, cfg Config) (*Controller, error) {
	switch {
	case deps.Agent == nil:
		return nil, fmt.Errorf("dialogue: nil agent")
	case deps.ASR == nil:
		return nil, fmt.Errorf("dialogue: nil ASR session")
	case deps.LLM == nil:
		return nil, fmt.Errorf("dialogue: nil LLM provider")
	case deps.TTS == nil:
		return nil, fmt.Errorf("dialogue: nil TTS provider")
	case deps.Output == nil:
		return nil, fmt.Errorf("dialogue: nil output")
	}
	cfg.withDefaults()
	if deps.Recorder == nil {
		deps.Recorder = session.NewRecorder()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &Controller{
		agent:   deps.Agent,
		call:    deps.Call,
		asr:     deps.ASR,
		llm:     deps.LLM,
		tts:     deps.TTS,
		rec:     deps.Recorder,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("stream_id", deps.Call.StreamID),
		cfg:     cfg,
		voice: types.VoiceProfile{
			ID:       deps.Agent.VoiceID,
			Provider: deps.Agent.TTSProvider,
			Language: deps.Agent.LanguageOrDefault(),
		},
		barge: bargeDetector{
			minWords: cfg.BargeInMinWords,
			minConf:  cfg.BargeInMinConfidence,
			window:   cfg.StutterWindow,
		},
		turnEvents: make(chan turnEvent, turnEventBuf),
		done:       make(chan struct{}),
	}
	c.state.Store(int32(StateSetup))

	c.out = egress.New(deps.Output, c.ttsSession.Load, deps.Call.Media,
		egress.WithGrace(cfg.SentenceGrace),
		egress.WithCadence(cfg.FrameInterval),
		egress.WithHighPriorityCadence(cfg.PriorityFrameInterval),
		egress.WithGap(cfg.UtteranceGap),
		egress.WithLogger(c.logger),
	)
	return c, nil
}

// State returns the current dialogue phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("dialogue state", "from", old.String(), "to", s.String())
	}
}

// History returns the committed conversation so far.
func (c *Controller) History() []types.HistoryEntry {
	return c.rec.History()
}

// Run speaks the greeting and then drives the event loop until Stop is
// called or ctx ends. It owns all dialogue state; every transition happens
// on this goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.speakGreeting(ctx)

	partials := c.asr.Partials()
	finals := c.asr.Finals()
	utterances := c.asr.UtteranceEnds()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.onPartial(tr)
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.onFinal(ctx, tr)
		case _, ok := <-utterances:
			if !ok {
				utterances = nil
				continue
			}
			c.onUtteranceEnd(ctx)
		case <-c.out.Drained():
			c.onDrained(ctx)
		case ev := <-c.turnEvents:
			c.onTurnEvent(ev)
		}
	}
}

// Stop ends the dialogue: the event loop exits, the running turn is
// cancelled, playback is aborted and all turn goroutines are joined.
// Idempotent and safe from any goroutine.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.setState(StateTeardown)
		close(c.done)

		c.mu.Lock()
		cancel := c.turnCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		c.out.Close()
		c.wg.Wait()
	})
}

// ----------------------------------------------------------------------------

// speakGreeting enqueues the agent's first message at high priority. High
// priority makes it immune to barge-in and plays it at the faster cadence.
func (c *Controller) speakGreeting(ctx context.Context) {
	text := personalizeGreeting(c.agent.FirstMessage, c.call.CallerName())
	if text == "" {
		c.setState(StateListening)
		return
	}
	c.setState(StateGreeting)

	w, err := c.out.Enqueue(c.ttsSession.Load(), egress.PriorityHigh, text)
	if err != nil {
		c.logger.Error("greeting enqueue failed", "error", err)
		c.setState(StateListening)
		return
	}
	c.rec.AddAssistant(text, c.agent.LanguageOrDefault())
	c.wg.Add(1)
	go c.synthesize(ctx, w, text)
}

// onPartial handles an interim transcript: remember it for utteranceEnd
// and test it against the barge-in predicate.
func (c *Controller) onPartial(tr types.Transcript) {
	c.lastPartial = tr
	c.lastPartialAt = time.Now()

	switch c.State() {
	case StateGenerating, StateSpeaking:
	default:
		// Nothing to interrupt. The greeting is immune by contract.
		return
	}
	if !c.barge.Interrupt(tr, time.Now()) {
		return
	}

	if !c.lastGentleStop.IsZero() && time.Since(c.lastGentleStop) > c.cfg.SentenceGrace && !c.out.Idle() {
		// The caller kept talking past the grace window.
		c.hardStop()
		return
	}
	if c.lastGentleStop.IsZero() {
		c.gentleStop(tr.Text)
	}
}

// gentleStop clears pending playback and advances the voice session. The
// utterance already playing may finish under the grace rule.
func (c *Controller) gentleStop(text string) {
	c.lastGentleStop = time.Now()
	c.ttsSession.Add(1)
	c.out.Clear()
	c.rec.MarkInterruption()
	c.metrics.RecordBargeIn(context.Background())
	c.logger.Info("barge-in", "interim", text)
}

// hardStop cuts the in-flight utterance too.
func (c *Controller) hardStop() {
	c.lastGentleStop = time.Time{}
	c.ttsSession.Add(2)
	c.out.Abort()
	c.logger.Info("barge-in escalated, playback cut")
}

// onFinal commits a final transcript and starts (or restarts) generation.
func (c *Controller) onFinal(ctx context.Context, tr types.Transcript) {
	if !c.lastPartialAt.IsZero() {
		// Settle time: how long the recognizer held the last interim
		// before committing the utterance.
		c.metrics.ASRTranscriptLatency.Record(ctx, time.Since(c.lastPartialAt).Seconds())
		c.lastPartialAt = time.Time{}
	}
	c.lastPartial = types.Transcript{}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}

	switch c.State() {
	case StateGreeting:
		// Acted on after the greeting finishes.
		c.greetBuffer = append(c.greetBuffer, text)
		return
	case StateTeardown, StateIdle, StateSetup:
		return
	}

	c.logger.Debug("caller turn", "text", text, "confidence", tr.Confidence)
	c.rec.AddUser(text, c.agent.LanguageOrDefault())
	c.startTurn(ctx)
}

// onUtteranceEnd commits a buffered partial that never received a final.
func (c *Controller) onUtteranceEnd(ctx context.Context) {
	if strings.TrimSpace(c.lastPartial.Text) == "" {
		return
	}
	tr := c.lastPartial
	tr.IsFinal = true
	c.onFinal(ctx, tr)
}

// onDrained fires when playback finishes with nothing else queued.
func (c *Controller) onDrained(ctx context.Context) {
	c.lastGentleStop = time.Time{}

	switch c.State() {
	case StateGreeting:
		c.setState(StateListening)
		c.flushGreetBuffer(ctx)
	case StateGenerating, StateSpeaking:
		if !c.turnRunning {
			c.setState(StateListening)
		}
	}
}

// flushGreetBuffer turns speech buffered during the greeting into the
// first turn.
func (c *Controller) flushGreetBuffer(ctx context.Context) {
	if len(c.greetBuffer) == 0 {
		return
	}
	text := strings.Join(c.greetBuffer, " ")
	c.greetBuffer = nil
	c.rec.AddUser(text, c.agent.LanguageOrDefault())
	c.startTurn(ctx)
}

// onTurnEvent applies progress reported by the authoritative turn. Events
// from superseded turns are dropped.
func (c *Controller) onTurnEvent(ev turnEvent) {
	if ev.session != c.llmSession.Load() {
		return
	}
	switch ev.kind {
	case turnSpeaking:
		if c.State() == StateGenerating {
			c.setState(StateSpeaking)
		}
	case turnFinished:
		c.turnRunning = false
		if c.out.Idle() && c.State() != StateTeardown {
			c.setState(StateListening)
		}
	}
}

// startTurn supersedes any running turn and begins generation for the
// newest committed utterance.
func (c *Controller) startTurn(ctx context.Context) {
	s := c.llmSession.Add(1)
	voiceSession := c.ttsSession.Load()
	c.lastGentleStop = time.Time{}

	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.turnCancel = cancel
	c.mu.Unlock()

	c.setState(StateGenerating)
	c.turnRunning = true
	req := c.buildRequest()

	c.wg.Add(1)
	go c.runTurn(turnCtx, s, voiceSession, req)
}

// buildRequest assembles the LLM context: system prompt, optional caller
// personalization, and the trailing history window (which already contains
// the utterance that triggered this turn).
func (c *Controller) buildRequest() llm.CompletionRequest {
	window := c.rec.Window(c.cfg.HistoryWindow)
	msgs := make([]types.Message, 0, len(window))
	for _, e := range window {
		msgs = append(msgs, types.Message{Role: string(e.Role), Content: e.Text})
	}

	sys := strings.TrimSpace(c.agent.SystemPrompt)
	if name := c.call.CallerName(); name != "" {
		sys += "\n\nThe caller's name is " + name + ". Address them by name when it feels natural."
	}

	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: sys,
		MaxTokens:    c.cfg.MaxResponseTokens,
	}
}

// ----------------------------------------------------------------------------

// runTurn streams one LLM reply, feeds the chunker, and speaks the chunks.
// It dies quietly the moment session s is superseded.
func (c *Controller) runTurn(ctx context.Context, s, voiceSession uint64, req llm.CompletionRequest) {
	defer c.wg.Done()
	defer c.signalTurn(s, turnFinished)

	ctx, span := observe.StartTurnSpan(ctx, s)
	defer span.End()

	start := time.Now()
	stream, err := c.llm.StreamCompletion(ctx, req)
	if err != nil {
		c.logger.Error("generation failed to start", "error", err, "llm_session", s)
		c.metrics.RecordPipelineError(ctx, "llm")
		return
	}

	var (
		chunker  Chunker
		reply    strings.Builder
		sawToken bool
		speaking bool
	)

	speak := func(chunk Chunk) bool {
		if !c.speakChunk(ctx, s, voiceSession, chunk) {
			return false
		}
		if !speaking {
			speaking = true
			c.signalTurn(s, turnSpeaking)
		}
		return true
	}

consume:
	for chunk := range stream {
		if c.llmSession.Load() != s {
			go drainChunks(stream)
			return
		}
		if chunk.Text != "" {
			if !sawToken {
				sawToken = true
				latency := time.Since(start)
				c.metrics.LLMFirstToken.Record(ctx, latency.Seconds())
				c.logger.Debug("first token", "latency_ms", latency.Milliseconds(), "llm_session", s)
			}
			reply.WriteString(chunk.Text)
			for _, sc := range chunker.Push(chunk.Text) {
				if !speak(sc) {
					go drainChunks(stream)
					return
				}
			}
		}
		switch chunk.FinishReason {
		case "":
		case "error":
			// Speak whatever accumulated; partial progress beats silence.
			c.logger.Warn("generation truncated mid-stream", "llm_session", s)
			c.metrics.RecordPipelineError(ctx, "llm")
			go drainChunks(stream)
			break consume
		default:
			go drainChunks(stream)
			break consume
		}
	}

	if tail, ok := chunker.Flush(); ok {
		if !speak(tail) {
			return
		}
	}

	full := strings.TrimSpace(reply.String())
	if full == "" {
		// No deltas at all: nothing to speak, nothing to commit.
		return
	}

	if !strings.Contains(full, "?") {
		q := closingQuestion(c.agent.LanguageOrDefault())
		if speak(Chunk{Text: q, Complete: true}) {
			full = full + " " + q
		}
	}

	if c.llmSession.Load() == s {
		c.rec.AddAssistant(full, c.agent.LanguageOrDefault())
	}
}

// speakChunk enqueues one chunk for playback and starts its synthesis.
// Returns false when the turn is no longer authoritative, the caller
// interrupted, or the dispatcher is shutting down.
func (c *Controller) speakChunk(ctx context.Context, s, voiceSession uint64, chunk Chunk) bool {
	if c.llmSession.Load() != s || c.ttsSession.Load() != voiceSession {
		return false
	}
	w, err := c.out.Enqueue(voiceSession, egress.PriorityNormal, chunk.Text)
	if err != nil {
		return false
	}
	c.wg.Add(1)
	go c.synthesize(ctx, w, chunk.Text)
	return true
}

// synthesize runs one TTS request and pumps its audio into the egress
// writer, converting to the PBX media format. The writer is always closed
// so the playback queue never stalls on a failed synthesis.
func (c *Controller) synthesize(ctx context.Context, w *egress.ItemWriter, text string) {
	defer c.wg.Done()
	defer w.Close()

	start := time.Now()
	chunks, err := c.tts.Synthesize(ctx, text, c.voice)
	if err != nil {
		c.logger.Error("synthesis failed", "error", err, "text", text)
		c.metrics.RecordPipelineError(ctx, "tts")
		return
	}

	first := true
	var carry []byte
	for pcm := range chunks {
		if first {
			first = false
			c.metrics.TTSFirstAudio.Record(ctx, time.Since(start).Seconds())
		}
		if len(carry) > 0 {
			pcm = append(carry, pcm...)
			carry = nil
		}
		// Hold back a partial sample group so resampling only ever sees
		// whole samples.
		if rem := len(pcm) % 4; rem != 0 {
			carry = append(carry, pcm[len(pcm)-rem:]...)
			pcm = pcm[:len(pcm)-rem]
		}
		if len(pcm) == 0 {
			continue
		}
		if _, err := w.Write(c.transcode(pcm)); err != nil {
			// Aborted by a stop. Unblock the provider and quit.
			go audio.Drain(chunks)
			return
		}
	}
	if len(carry) >= 2 {
		_, _ = w.Write(c.transcode(carry))
	}
}

// transcode converts provider PCM to the PBX media format: resample to the
// wire rate, then compand when the wire speaks mu-law.
func (c *Controller) transcode(pcm []byte) []byte {
	src := c.tts.SampleRate()
	dst := c.call.Media.SampleRate
	switch {
	case src == dst || dst <= 0:
	case src == dst*2:
		pcm = audio.DownsampleHalf(pcm)
	default:
		pcm = audio.ResampleMono16(pcm, src, dst)
	}
	if c.call.Media.Encoding == types.EncodingMulaw {
		pcm = audio.EncodeMulawPCM(pcm)
	}
	return pcm
}

// signalTurn reports turn progress to the event loop without wedging a
// turn goroutine on shutdown.
func (c *Controller) signalTurn(session uint64, kind turnEventKind) {
	select {
	case c.turnEvents <- turnEvent{session: session, kind: kind}:
	case <-c.done:
	}
}

// drainChunks discards the remainder of a superseded LLM stream so the
// provider's goroutine does not leak.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// ----------------------------------------------------------------------------

// personalizeGreeting fills the {name} placeholder, or removes it cleanly
// when the PBX supplied no caller name.
func personalizeGreeting(template, name string) string {
	if strings.Contains(template, "{name}") {
		if name == "" {
			template = strings.ReplaceAll(template, " {name}", "")
			template = strings.ReplaceAll(template, "{name}", "")
		} else {
			template = strings.ReplaceAll(template, "{name}", name)
		}
	}
	return strings.TrimSpace(template)
}

// closingQuestion keeps the caller prompted when a reply ends without a
// question of its own.
func closingQuestion(lang string) string {
	base := strings.ToLower(lang)
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "hi":
		return "क्या मैं आपकी किसी और चीज़ में मदद कर सकती हूँ?"
	default:
		return "Is there anything else I can help you with?"
	}
}
