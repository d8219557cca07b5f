package pbx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/analysis"
	"github.com/callways/trunkline/internal/billing"
	"github.com/callways/trunkline/internal/calllog"
	"github.com/callways/trunkline/internal/dialogue"
	"github.com/callways/trunkline/internal/observe"
	"github.com/callways/trunkline/internal/session"
	"github.com/callways/trunkline/pkg/provider/asr"
	"github.com/callways/trunkline/pkg/types"
)

// conn is one PBX connection. All of its state is touched from the serve
// goroutine only; the sender and the handler registry carry their own locks.
type conn struct {
	h      *Handler
	ws     *websocket.Conn
	sender *sender
	logger *slog.Logger

	// Hints cached from the connected event, used when start omits the
	// numbers.
	hintCaller    string
	hintDialed    string
	hintDirection types.Direction

	call *activeCall // nil until start succeeds
}

// activeCall is the assembled pipeline for one started call.
type activeCall struct {
	info   types.CallInfo
	agent  *agentdir.Agent
	rec    *session.Recorder
	stream *session.Stream
	ctrl   *dialogue.Controller
	span   trace.Span // root span, ended by teardown

	stopSaver    chan struct{}
	wg           sync.WaitGroup
	teardownOnce sync.Once
}

// serve reads PBX events until the socket closes, a stop arrives, or the
// connection is rejected. Teardown always runs exactly once for a started
// call, whichever way the loop exits.
func (c *conn) serve(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, "")
	defer c.teardown("socket closed")

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.logger.Debug("pbx socket read ended", "reason", err)
			return
		}
		if !c.dispatch(ctx, data) {
			return
		}
	}
}

// dispatch routes one raw message. Returns false when the connection should
// close.
func (c *conn) dispatch(ctx context.Context, data []byte) bool {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed pbx event ignored", "error", err)
		return true
	}

	switch ev.Event {
	case eventConnected:
		c.onConnected(ev)
	case eventStart:
		return c.onStart(ctx, ev)
	case eventMedia:
		c.onMedia(ev)
	case eventStop:
		c.teardown("pbx stop event")
		return false
	case eventDTMF:
		c.logger.Info("dtmf received", "digit", ev.Digit)
	case eventMark, eventClear, eventAnswer, eventTransferResponse, eventHangupResponse:
		c.logger.Debug("pbx event acknowledged", "event", ev.Event)
	default:
		c.logger.Debug("unknown pbx event ignored", "event", ev.Event)
	}
	return true
}

// onConnected caches the routing hints some PBX deployments send before
// start.
func (c *conn) onConnected(ev event) {
	if ev.CallerID != "" {
		c.hintCaller = ev.CallerID
	}
	if ev.From != "" {
		c.hintCaller = ev.From
	}
	if ev.DID != "" {
		c.hintDialed = ev.DID
	}
	if ev.To != "" {
		c.hintDialed = ev.To
	}
	if ev.CallDirection == string(types.DirectionOutbound) {
		c.hintDirection = types.DirectionOutbound
	}
}

// onStart runs the Setup phase: agent lookup, credit gate, call record,
// recognition stream, dialogue controller. Returns false when the call was
// rejected and the connection should close; rejection is the only time the
// PBX sees an error event.
func (c *conn) onStart(ctx context.Context, ev event) bool {
	if c.call != nil {
		c.logger.Warn("duplicate start ignored", "stream_id", ev.StreamID)
		return true
	}
	if ev.StreamID == "" {
		c.logger.Warn("start without streamId ignored")
		return true
	}

	info := types.CallInfo{
		StreamID:    ev.StreamID,
		CallID:      ev.CallID,
		ChannelID:   ev.ChannelID,
		Direction:   c.direction(),
		Caller:      firstNonEmpty(ev.From, c.hintCaller),
		Dialed:      firstNonEmpty(ev.To, c.hintDialed),
		Media:       c.h.mediaFormat(ev.MediaFormat),
		ExtraParams: extraStrings(ev.ExtraParams),
		StartedAt:   time.Now(),
	}
	log := c.logger.With("stream_id", info.StreamID, "call_id", info.CallID)

	agent, err := c.h.agents.Lookup(ctx, info.Dialed, info.Caller)
	if err != nil {
		if errors.Is(err, agentdir.ErrNoMatchingAgent) {
			log.Warn("call rejected, no agent", "dialed", info.Dialed, "caller", info.Caller)
			c.sendReject(errCodeNoAgent, "no agent serves this number")
			return false
		}
		log.Error("agent lookup failed", "error", err)
		c.h.metrics.RecordPipelineError(ctx, "pbx")
		c.sendReject(errCodeInternal, "agent lookup failed")
		return false
	}
	log = log.With("agent_id", agent.ID)

	if err := c.h.credits.EnsureBalance(ctx, agent.ClientID); err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			log.Warn("call rejected, insufficient credits", "client_id", agent.ClientID)
			c.sendReject(errCodeInsufficientCredits, "credit balance exhausted")
			return false
		}
		log.Error("balance check failed", "error", err)
		c.h.metrics.RecordPipelineError(ctx, "pbx")
		c.sendReject(errCodeInternal, "balance check failed")
		return false
	}

	if err := c.h.calls.CreateInitial(ctx, &calllog.Record{
		StreamID:  info.StreamID,
		CallID:    info.CallID,
		ClientID:  agent.ClientID,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Mobile:    info.Caller,
		Direction: info.Direction,
		StartedAt: info.StartedAt,
	}); err != nil {
		// The voice leg still works without a record; keep the call.
		log.Error("call record create failed", "error", err)
		c.h.metrics.RecordPipelineError(ctx, "pbx")
	}

	stream, err := session.NewStream(session.StreamConfig{
		Provider: c.h.asr,
		Audio: asr.StreamConfig{
			SampleRate:     c.asrSampleRate(info.Media),
			Channels:       1,
			Encoding:       info.Media.Encoding,
			Language:       agent.LanguageOrDefault(),
			InterimResults: true,
			SmartFormat:    true,
			Punctuate:      true,
		},
		BufferCapacity: c.h.cfg.ASRBufferFrames,
		Logger:         log,
	})
	if err != nil {
		log.Error("recognition stream setup failed", "error", err)
		c.sendReject(errCodeInternal, "pipeline setup failed")
		return false
	}

	rec := session.NewRecorder()
	out := func(frame []byte) error {
		if err := c.sender.sendFrame(info, frame); err != nil {
			return err
		}
		rec.AddFramesOut(1)
		c.h.metrics.PBXFramesOut.Add(context.Background(), 1)
		return nil
	}

	ctrl, err := dialogue.New(dialogue.Deps{
		Agent:    agent,
		Call:     info,
		ASR:      stream,
		LLM:      c.h.llm,
		TTS:      c.h.tts,
		Output:   out,
		Recorder: rec,
		Metrics:  c.h.metrics,
		Logger:   log,
	}, c.h.cfg.Dialogue)
	if err != nil {
		stream.Close()
		log.Error("dialogue setup failed", "error", err)
		c.sendReject(errCodeInternal, "pipeline setup failed")
		return false
	}

	// One trace per call: turns and the analysis pass nest under this span.
	callCtx, span := observe.StartCallSpan(ctx, info.StreamID, info.CallID)

	call := &activeCall{
		info:      info,
		agent:     agent,
		rec:       rec,
		stream:    stream,
		ctrl:      ctrl,
		span:      span,
		stopSaver: make(chan struct{}),
	}
	c.call = call
	c.logger = log
	c.h.registerCall(info.StreamID, c)
	c.h.metrics.ActiveCalls.Add(ctx, 1)

	stream.Open(callCtx)
	call.wg.Add(1)
	go func() {
		defer call.wg.Done()
		ctrl.Run(callCtx)
	}()
	if c.h.live != nil {
		call.wg.Add(1)
		go func() {
			defer call.wg.Done()
			c.liveSaver(call)
		}()
	}

	log.Info("call started",
		"agent", agent.Name,
		"direction", info.Direction,
		"caller", info.Caller,
		"dialed", info.Dialed,
		"encoding", info.Media.Encoding,
		"sample_rate", info.Media.SampleRate)
	return true
}

// onMedia forwards one caller audio frame to the recognition stream.
func (c *conn) onMedia(ev event) {
	call := c.call
	if call == nil {
		c.logger.Debug("media before start ignored")
		return
	}
	if ev.StreamID != "" && ev.StreamID != call.info.StreamID {
		c.logger.Warn("media for another stream ignored", "stream_id", ev.StreamID)
		return
	}
	frame, err := base64.StdEncoding.DecodeString(ev.Payload)
	if err != nil {
		c.logger.Warn("undecodable media payload ignored", "error", err)
		return
	}
	if len(frame) == 0 {
		return
	}
	call.rec.AddFramesIn(1)
	c.h.metrics.PBXFramesIn.Add(context.Background(), 1)
	_ = call.stream.SendAudio(frame)
}

// teardown dismantles the call: pipeline first, then the live-record flush
// and the analyzer. Idempotent; stop events and socket closes race into it
// freely.
func (c *conn) teardown(trigger string) {
	call := c.call
	if call == nil {
		return
	}
	call.teardownOnce.Do(func() {
		c.logger.Info("call ending", "trigger", trigger)
		endedAt := time.Now()

		call.ctrl.Stop()
		call.stream.Close()
		close(call.stopSaver)
		call.wg.Wait()

		// The PBX is done with the socket the moment playback stops; the
		// analysis below must not keep it waiting for a close.
		c.close(websocket.StatusNormalClosure, "call ended")

		// Background-derived so the analysis survives the dead TCP
		// connection; the call span is re-attached so it still nests.
		ctx, cancel := context.WithTimeout(
			trace.ContextWithSpan(context.Background(), call.span), c.h.cfg.TeardownTimeout)
		defer cancel()
		defer call.span.End()

		stats := call.rec.Stats()
		if c.h.live != nil {
			c.h.live.Save(call.info.StreamID, call.rec.LiveUpdate())
			if err := c.h.live.FlushStream(ctx, call.info.StreamID); err != nil {
				c.logger.Warn("live record flush failed", "error", err)
			}
		}

		res, err := c.h.analyzer.Analyze(ctx, analysis.Request{
			Call:          call.info,
			Agent:         call.agent,
			Transcript:    call.rec.History(),
			Interruptions: stats.Interruptions,
			EndedAt:       endedAt,
		})
		if err != nil {
			c.logger.Error("call analysis failed", "error", err)
		} else if c.h.onAnalyzed != nil {
			c.h.onAnalyzed(ctx, call.info, call.agent, res)
		}

		c.h.credits.Forget(call.info.StreamID)

		duration := endedAt.Sub(call.info.StartedAt)
		c.h.metrics.CallDuration.Record(ctx, duration.Seconds())
		c.h.metrics.ActiveCalls.Add(ctx, -1)
		c.h.unregisterCall(call.info.StreamID)

		c.logger.Info("call ended",
			"duration_s", int(duration.Seconds()),
			"user_turns", stats.UserTurns,
			"agent_turns", stats.AgentTurns,
			"interruptions", stats.Interruptions,
			"frames_in", stats.FramesIn,
			"frames_out", stats.FramesOut)
	})
}

// liveSaver snapshots the transcript to the live sink whenever a turn or an
// interruption was committed since the last look.
func (c *conn) liveSaver(call *activeCall) {
	ticker := time.NewTicker(c.h.cfg.LiveSaveInterval)
	defer ticker.Stop()

	var seen int
	for {
		select {
		case <-call.stopSaver:
			return
		case <-ticker.C:
			st := call.rec.Stats()
			if n := st.UserTurns + st.AgentTurns + st.Interruptions; n != seen {
				seen = n
				c.h.live.Save(call.info.StreamID, call.rec.LiveUpdate())
			}
		}
	}
}

// sendReject reports a pre-start failure. Write errors only get logged; the
// socket is closing either way.
func (c *conn) sendReject(code, message string) {
	if err := c.sender.sendError(code, message); err != nil {
		c.logger.Warn("error event write failed", "error", err)
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

func (c *conn) direction() types.Direction {
	if c.hintDirection == types.DirectionOutbound {
		return types.DirectionOutbound
	}
	return types.DirectionInbound
}

// asrSampleRate forwards the PBX-advertised rate unless the profile pins
// one.
func (c *conn) asrSampleRate(media types.MediaFormat) int {
	if c.h.cfg.ASRSampleRate > 0 {
		return c.h.cfg.ASRSampleRate
	}
	return media.SampleRate
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
