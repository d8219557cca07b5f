package dialogue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/session"
	asrmock "github.com/callways/trunkline/pkg/provider/asr/mock"
	"github.com/callways/trunkline/pkg/provider/llm"
	llmmock "github.com/callways/trunkline/pkg/provider/llm/mock"
	ttsmock "github.com/callways/trunkline/pkg/provider/tts/mock"
	"github.com/callways/trunkline/pkg/types"
)

// frameSink collects wire frames. A gated sink blocks inside the write of
// the first frame until release, freezing the dispatcher mid-utterance so
// tests control exactly when playback proceeds.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte

	gate     chan struct{}
	gateOnce sync.Once
}

func newFrameSink() *frameSink { return &frameSink{} }

func newGatedSink() *frameSink { return &frameSink{gate: make(chan struct{})} }

func (s *frameSink) write(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.mu.Lock()
	n := len(s.frames)
	s.frames = append(s.frames, cp)
	s.mu.Unlock()
	if s.gate != nil && n == 0 {
		<-s.gate
	}
	return nil
}

func (s *frameSink) release() {
	if s.gate != nil {
		s.gateOnce.Do(func() { close(s.gate) })
	}
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// pcm16k returns 16 kHz mono PCM that transcodes to exactly frames wire
// frames on the 8 kHz linear16 telephony format.
func pcm16k(frames int) []byte {
	buf := make([]byte, frames*640)
	for i := range buf {
		buf[i] = byte(i % 7)
	}
	return buf
}

func defaultAgent() *agentdir.Agent {
	return &agentdir.Agent{
		ID:           "agent-1",
		ClientID:     "client-1",
		Name:         "Reception",
		SystemPrompt: "You are a helpful receptionist.",
		Language:     "en",
		VoiceID:      "voice-1",
	}
}

func testCall() types.CallInfo {
	return types.CallInfo{
		StreamID: "st-test",
		CallID:   "call-test",
		Media:    types.MediaFormat{Encoding: types.EncodingLinear16, SampleRate: 8000, Channels: 1},
	}
}

func final(text string) types.Transcript {
	return types.Transcript{Text: text, IsFinal: true, Confidence: 0.92}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives the pipeline a beat before asserting that something did
// not happen.
func settle() { time.Sleep(40 * time.Millisecond) }

func assistantTurns(rec *session.Recorder) int {
	n := 0
	for _, e := range rec.History() {
		if e.Role == types.RoleAssistant {
			n++
		}
	}
	return n
}

// wantSynth asserts the set of synthesized texts. Playback order is the
// egress queue's concern; the mock records calls in goroutine scheduling
// order, so the comparison ignores order.
func wantSynth(t *testing.T, tp *ttsmock.Provider, want ...string) {
	t.Helper()
	got := tp.Texts()
	sort.Strings(got)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(got, sorted) {
		t.Errorf("synthesized texts = %q, want %q", got, want)
	}
}

type testEnv struct {
	t    *testing.T
	ctrl *Controller
	sess *asrmock.Session
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	rec  *session.Recorder
	sink *frameSink
}

// startDialogue builds a controller around the mocks and runs its event
// loop with aggressive pacing so tests finish quickly.
func startDialogue(t *testing.T, agent *agentdir.Agent, call types.CallInfo,
	lp *llmmock.Provider, tp *ttsmock.Provider, sink *frameSink, cfg Config) *testEnv {
	t.Helper()

	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = time.Millisecond
	}
	if cfg.PriorityFrameInterval == 0 {
		cfg.PriorityFrameInterval = time.Millisecond
	}
	if cfg.UtteranceGap == 0 {
		cfg.UtteranceGap = time.Millisecond
	}

	sess := asrmock.NewSession()
	rec := session.NewRecorder()
	ctrl, err := New(Deps{
		Agent:    agent,
		Call:     call,
		ASR:      sess,
		LLM:      lp,
		TTS:      tp,
		Output:   sink.write,
		Recorder: rec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ctrl.Run(ctx)
	}()

	t.Cleanup(func() {
		sink.release()
		ctrl.Stop()
		cancel()
		<-loopDone
	})

	return &testEnv{t: t, ctrl: ctrl, sess: sess, llm: lp, tts: tp, rec: rec, sink: sink}
}

func (e *testEnv) waitState(want State) {
	e.t.Helper()
	waitFor(e.t, "state "+want.String(), func() bool { return e.ctrl.State() == want })
}

// ----------------------------------------------------------------------------

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	valid := func() Deps {
		return Deps{
			Agent:  defaultAgent(),
			Call:   testCall(),
			ASR:    asrmock.NewSession(),
			LLM:    &llmmock.Provider{},
			TTS:    &ttsmock.Provider{},
			Output: func([]byte) error { return nil },
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Deps)
		wantErr string
	}{
		{"missing agent", func(d *Deps) { d.Agent = nil }, "nil agent"},
		{"missing asr", func(d *Deps) { d.ASR = nil }, "nil ASR"},
		{"missing llm", func(d *Deps) { d.LLM = nil }, "nil LLM"},
		{"missing tts", func(d *Deps) { d.TTS = nil }, "nil TTS"},
		{"missing output", func(d *Deps) { d.Output = nil }, "nil output"},
	}
	for _, tt := range tests {
		deps := valid()
		tt.mutate(&deps)
		_, err := New(deps, Config{})
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: New error = %v, want mention of %q", tt.name, err, tt.wantErr)
		}
	}

	ctrl, err := New(valid(), Config{})
	if err != nil {
		t.Fatalf("New with full deps: %v", err)
	}
	if got := ctrl.State(); got != StateSetup {
		t.Errorf("initial state = %v, want %v", got, StateSetup)
	}
	ctrl.Stop()
}

func TestController_GreetingPlaysPersonalized(t *testing.T) {
	t.Parallel()

	agent := defaultAgent()
	agent.FirstMessage = "Hello {name}, how can I help you today?"
	call := testCall()
	call.ExtraParams = map[string]string{"name": "Asha"}

	sink := newFrameSink()
	env := startDialogue(t, agent, call,
		&llmmock.Provider{},
		&ttsmock.Provider{Chunks: [][]byte{pcm16k(2)}},
		sink, Config{})

	waitFor(t, "greeting synthesis", func() bool { return env.tts.CallCount() == 1 })
	if got, want := env.tts.Texts()[0], "Hello Asha, how can I help you today?"; got != want {
		t.Errorf("greeting text = %q, want %q", got, want)
	}

	env.waitState(StateListening)
	if got := sink.count(); got != 5 {
		t.Errorf("greeting frames = %d, want 5 (2 audio + 3 silence tail)", got)
	}

	hist := env.rec.History()
	if len(hist) != 1 || hist[0].Role != types.RoleAssistant {
		t.Fatalf("history after greeting = %+v, want one assistant entry", hist)
	}
}

func TestController_EmptyGreetingGoesStraightToListening(t *testing.T) {
	t.Parallel()

	env := startDialogue(t, defaultAgent(), testCall(),
		&llmmock.Provider{}, &ttsmock.Provider{}, newFrameSink(), Config{})

	env.waitState(StateListening)
	settle()
	if got := env.tts.CallCount(); got != 0 {
		t.Errorf("synthesis calls = %d, want 0 with no greeting configured", got)
	}
	if !env.rec.Empty() {
		t.Errorf("history = %+v, want empty", env.rec.History())
	}
}

func TestController_SingleTurnSpeaksAndCommits(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "We are open nine to five."},
		{Text: " Which day suits you best?"},
		{FinishReason: "stop"},
	}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(1)}}
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("What are your hours?")

	waitFor(t, "assistant commit", func() bool { return assistantTurns(env.rec) == 1 })
	env.waitState(StateListening)
	settle()

	wantSynth(t, env.tts, "We are open nine to five.", "Which day suits you best?")

	hist := env.rec.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Role != types.RoleUser || hist[0].Text != "What are your hours?" {
		t.Errorf("history[0] = %+v, want the caller turn", hist[0])
	}
	wantReply := "We are open nine to five. Which day suits you best?"
	if hist[1].Role != types.RoleAssistant || hist[1].Text != wantReply {
		t.Errorf("history[1] = %+v, want assistant %q", hist[1], wantReply)
	}

	if got := env.llm.StreamCallCount(); got != 1 {
		t.Fatalf("generations = %d, want 1", got)
	}
	req := env.llm.StreamCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "helpful receptionist") {
		t.Errorf("system prompt = %q, want the agent persona", req.SystemPrompt)
	}
	if req.MaxTokens != defaultMaxResponseTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, defaultMaxResponseTokens)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != string(types.RoleUser) || last.Content != "What are your hours?" {
		t.Errorf("last context message = %+v, want the caller utterance", last)
	}
}

func TestController_ClosingQuestionAppended(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "We close at five."},
		{FinishReason: "stop"},
	}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(1)}}
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("When do you close?")

	waitFor(t, "assistant commit", func() bool { return assistantTurns(env.rec) == 1 })

	q := closingQuestion("en")
	wantSynth(t, env.tts, "We close at five.", q)

	hist := env.rec.History()
	if got, want := hist[len(hist)-1].Text, "We close at five. "+q; got != want {
		t.Errorf("committed reply = %q, want %q", got, want)
	}
}

func TestController_EmptyReplyCommitsUserOnly(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: "stop"}}}
	env := startDialogue(t, defaultAgent(), testCall(), lp, &ttsmock.Provider{}, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("hello is anyone there")

	waitFor(t, "generation", func() bool { return env.llm.StreamCallCount() == 1 })
	env.waitState(StateListening)
	settle()

	if got := env.tts.CallCount(); got != 0 {
		t.Errorf("synthesis calls = %d, want 0 for an empty reply", got)
	}
	hist := env.rec.History()
	if len(hist) != 1 || hist[0].Role != types.RoleUser {
		t.Errorf("history = %+v, want only the caller turn", hist)
	}
}

func TestController_GenerationStartFailureReturnsToListening(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamErr: errors.New("upstream unavailable")}
	env := startDialogue(t, defaultAgent(), testCall(), lp, &ttsmock.Provider{}, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("what are your rates")

	waitFor(t, "generation attempt", func() bool { return env.llm.StreamCallCount() == 1 })
	env.waitState(StateListening)
	settle()

	if got := env.tts.CallCount(); got != 0 {
		t.Errorf("synthesis calls = %d, want 0 after a failed start", got)
	}
	if got := assistantTurns(env.rec); got != 0 {
		t.Errorf("assistant turns = %d, want 0", got)
	}
}

func TestController_TruncatedStreamSpeaksPartial(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "We can schedule you "},
		{Text: "for Tuesday morning."},
		{FinishReason: "error"},
	}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(1)}}
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("can I get an appointment")

	waitFor(t, "assistant commit", func() bool { return assistantTurns(env.rec) == 1 })

	q := closingQuestion("en")
	wantSynth(t, env.tts, "We can schedule you for Tuesday morning.", q)
	hist := env.rec.History()
	if got, want := hist[len(hist)-1].Text, "We can schedule you for Tuesday morning. "+q; got != want {
		t.Errorf("committed reply = %q, want %q", got, want)
	}
}

func TestController_NewFinalSupersedesRunningTurn(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Our clinic is open every day from nine to five. "},
			{Text: "We also offer weekend appointments for urgent cases. "},
			{FinishReason: "stop"},
		},
		ChunkDelay: 30 * time.Millisecond,
	}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(1)}}
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("First question please")
	env.sess.FinalsCh <- final("Actually a different question")

	waitFor(t, "both generations", func() bool { return env.llm.StreamCallCount() == 2 })
	waitFor(t, "assistant commit", func() bool { return assistantTurns(env.rec) == 1 })
	settle()

	// The superseded turn must not have committed a second reply.
	if got := assistantTurns(env.rec); got != 1 {
		t.Fatalf("assistant turns = %d, want 1", got)
	}
	if got := env.llm.StreamCallCount(); got != 2 {
		t.Fatalf("generations = %d, want exactly one per final", got)
	}

	// The two turn goroutines record their stream calls in scheduling
	// order; find the one driven by the newer utterance instead of
	// trusting the index.
	var sawNewest bool
	for _, call := range env.llm.StreamCalls {
		msgs := call.Req.Messages
		if len(msgs) > 0 && msgs[len(msgs)-1].Content == "Actually a different question" {
			sawNewest = true
		}
	}
	if !sawNewest {
		t.Error("no generation was driven by the newest utterance")
	}

	hist := env.rec.History()
	reply := hist[len(hist)-1]
	if reply.Role != types.RoleAssistant || !strings.Contains(reply.Text, "weekend appointments") {
		t.Errorf("committed reply = %+v, want the second turn's text", reply)
	}
}

func TestController_BargeInClearsPendingPlayback(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "First sentence here. "},
		{Text: "Second sentence here. "},
		{Text: "Third sentence done. "},
		{FinishReason: "stop"},
	}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(1)}}
	sink := newGatedSink()
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, sink, Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("tell me about your services")

	// Three sentences plus the closing question, all enqueued while the
	// first frame is frozen at the gate.
	waitFor(t, "all utterances enqueued", func() bool { return env.tts.CallCount() == 4 })
	waitFor(t, "first frame on the wire", func() bool { return sink.count() >= 1 })

	env.sess.PartialsCh <- types.Transcript{Text: "wait stop please", Confidence: 0.9}
	waitFor(t, "interruption recorded", func() bool { return env.rec.Stats().Interruptions == 1 })

	sink.release()
	env.waitState(StateListening)
	settle()

	// The interrupted utterance finishes with its tail; everything queued
	// behind it is gone.
	if got := sink.count(); got != 4 {
		t.Errorf("frames after barge-in = %d, want 4 (1 audio + 3 silence tail)", got)
	}
	// A gentle stop silences playback without killing generation.
	if got := env.llm.StreamCallCount(); got != 1 {
		t.Errorf("generations = %d, want 1", got)
	}
	if got := assistantTurns(env.rec); got != 1 {
		t.Errorf("assistant turns = %d, want 1", got)
	}

	// The next turn speaks normally on the advanced voice session.
	env.sess.FinalsCh <- final("okay go on then")
	waitFor(t, "second generation", func() bool { return env.llm.StreamCallCount() == 2 })
	waitFor(t, "fresh audio", func() bool { return sink.count() > 4 })
}

func TestController_RepeatedInterruptionPastGraceCutsPlayback(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "This is a very long explanation that keeps going. "},
		{FinishReason: "stop"},
	}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(10)}}
	sink := newGatedSink()
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, sink,
		Config{SentenceGrace: 20 * time.Millisecond})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("tell me everything about it")
	waitFor(t, "first frame on the wire", func() bool { return sink.count() >= 1 })

	env.sess.PartialsCh <- types.Transcript{Text: "wait stop please", Confidence: 0.9}
	waitFor(t, "gentle stop", func() bool { return env.rec.Stats().Interruptions == 1 })

	// Keep talking past the grace window; playback must now cut outright.
	time.Sleep(50 * time.Millisecond)
	env.sess.PartialsCh <- types.Transcript{Text: "no listen to me", Confidence: 0.9}
	waitFor(t, "escalation consumed", func() bool { return len(env.sess.PartialsCh) == 0 })
	settle()

	sink.release()
	env.waitState(StateListening)
	settle()

	if got := sink.count(); got != 1 {
		t.Errorf("frames after hard stop = %d, want 1 (cut at the frame boundary)", got)
	}
	if got := env.rec.Stats().Interruptions; got != 1 {
		t.Errorf("interruptions = %d, want 1 (escalation is not a second barge-in)", got)
	}
}

func TestController_GreetingImmuneToInterruption(t *testing.T) {
	t.Parallel()

	agent := defaultAgent()
	agent.FirstMessage = "Welcome to Harbor Dental, how may I help you today?"
	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "We open at nine."},
		{FinishReason: "stop"},
	}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(2)}}
	sink := newGatedSink()
	env := startDialogue(t, agent, testCall(), lp, tp, sink, Config{})

	waitFor(t, "greeting frame on the wire", func() bool { return sink.count() >= 1 })
	if got := env.ctrl.State(); got != StateGreeting {
		t.Fatalf("state during greeting = %v, want %v", got, StateGreeting)
	}

	// Caller speech during the greeting: the interim must not interrupt,
	// the finals must buffer.
	env.sess.PartialsCh <- types.Transcript{Text: "hello hello are you there", Confidence: 0.9}
	env.sess.FinalsCh <- final("I need to book a cleaning")
	env.sess.FinalsCh <- final("and ask about prices")
	settle()

	if got := env.rec.Stats().Interruptions; got != 0 {
		t.Errorf("interruptions during greeting = %d, want 0", got)
	}
	if got := env.llm.StreamCallCount(); got != 0 {
		t.Errorf("generations during greeting = %d, want 0", got)
	}
	if got := env.ctrl.State(); got != StateGreeting {
		t.Errorf("state = %v, want still %v", got, StateGreeting)
	}

	sink.release()

	// Buffered speech becomes one joined first turn.
	waitFor(t, "first turn from buffered speech", func() bool { return env.llm.StreamCallCount() == 1 })
	req := env.llm.StreamCalls[0].Req
	last := req.Messages[len(req.Messages)-1]
	if want := "I need to book a cleaning and ask about prices"; last.Content != want {
		t.Errorf("first turn text = %q, want %q", last.Content, want)
	}

	waitFor(t, "reply committed", func() bool { return assistantTurns(env.rec) == 2 })
	hist := env.rec.History()
	if hist[0].Role != types.RoleAssistant || hist[0].Text != agent.FirstMessage {
		t.Errorf("history[0] = %+v, want the greeting", hist[0])
	}
	if hist[1].Role != types.RoleUser {
		t.Errorf("history[1] = %+v, want the joined caller turn", hist[1])
	}
}

func TestController_UtteranceEndPromotesPendingPartial(t *testing.T) {
	t.Parallel()

	env := startDialogue(t, defaultAgent(), testCall(),
		&llmmock.Provider{}, &ttsmock.Provider{}, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.PartialsCh <- types.Transcript{Text: "do you take walk-ins", Confidence: 0.8}
	waitFor(t, "partial consumed", func() bool { return len(env.sess.PartialsCh) == 0 })

	env.sess.UtteranceEndsCh <- struct{}{}
	waitFor(t, "turn from pending partial", func() bool { return env.llm.StreamCallCount() == 1 })

	hist := env.rec.History()
	if len(hist) != 1 || hist[0].Role != types.RoleUser || hist[0].Text != "do you take walk-ins" {
		t.Fatalf("history = %+v, want the promoted partial as a caller turn", hist)
	}

	// A second utterance end with nothing pending is a no-op.
	env.sess.UtteranceEndsCh <- struct{}{}
	settle()
	if got := env.llm.StreamCallCount(); got != 1 {
		t.Errorf("generations = %d, want still 1", got)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Still talking about the schedule here. "},
			{Text: "And more talking after that too. "},
			{Text: "It does not stop soon. "},
			{FinishReason: "stop"},
		},
		ChunkDelay: 20 * time.Millisecond,
	}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm16k(1)}}
	env := startDialogue(t, defaultAgent(), testCall(), lp, tp, newFrameSink(), Config{})
	env.waitState(StateListening)

	env.sess.FinalsCh <- final("what is the plan")
	waitFor(t, "generation started", func() bool { return env.llm.StreamCallCount() == 1 })

	env.ctrl.Stop()
	env.ctrl.Stop()

	if got := env.ctrl.State(); got != StateTeardown {
		t.Errorf("state after Stop = %v, want %v", got, StateTeardown)
	}

	// The event loop is gone; later transcripts are ignored.
	env.sess.FinalsCh <- final("anything there")
	settle()
	if got := env.llm.StreamCallCount(); got != 1 {
		t.Errorf("generations after Stop = %d, want still 1", got)
	}
}

// ----------------------------------------------------------------------------

func TestPersonalizeGreeting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		caller   string
		want     string
	}{
		{"fills placeholder", "Hello {name}, welcome.", "Asha", "Hello Asha, welcome."},
		{"removes placeholder without name", "Hello {name}, welcome.", "", "Hello, welcome."},
		{"removes mid-sentence placeholder", "Hi {name} how are you", "", "Hi how are you"},
		{"no placeholder", "Hello there.", "Asha", "Hello there."},
		{"empty template", "", "Asha", ""},
	}
	for _, tt := range tests {
		if got := personalizeGreeting(tt.template, tt.caller); got != tt.want {
			t.Errorf("%s: personalizeGreeting(%q, %q) = %q, want %q",
				tt.name, tt.template, tt.caller, got, tt.want)
		}
	}
}

func TestClosingQuestion(t *testing.T) {
	t.Parallel()

	if got := closingQuestion("en"); !strings.Contains(got, "anything else") {
		t.Errorf("closingQuestion(en) = %q", got)
	}
	if got, want := closingQuestion("hi-IN"), closingQuestion("hi"); got != want {
		t.Errorf("closingQuestion(hi-IN) = %q, want the base-language question %q", got, want)
	}
	if got := closingQuestion("hi"); !strings.ContainsRune(got, '?') {
		t.Errorf("closingQuestion(hi) = %q, want a question", got)
	}
	if got, want := closingQuestion(""), closingQuestion("en"); got != want {
		t.Errorf("closingQuestion(\"\") = %q, want %q", got, want)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateSetup, "setup"},
		{StateGreeting, "greeting"},
		{StateListening, "listening"},
		{StateGenerating, "generating"},
		{StateSpeaking, "speaking"},
		{StateTeardown, "teardown"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
