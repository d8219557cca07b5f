// Package session holds the per-call plumbing between the PBX socket and
// the dialogue controller: a self-healing speech recognition stream with a
// pre-open audio buffer, and the conversation recorder that accumulates
// history and counters for the live call log and the end-of-call analyzer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callways/trunkline/pkg/provider/asr"
	"github.com/callways/trunkline/pkg/types"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second

	transcriptChanBuf = 16
)

// Compile-time interface assertion: a Stream can stand in anywhere a plain
// recognition session is consumed.
var _ asr.SessionHandle = (*Stream)(nil)

// Stream wraps a streaming recognition session and keeps it alive for the
// duration of a call. Audio sent before the vendor socket opens, or while a
// dropped socket is being re-established, is held in a bounded drop-oldest
// buffer and flushed in order once connected. A drop triggers reconnection
// with exponential backoff (1s, 2s, 4s); if every attempt fails the stream
// stays up but silent, accepting and discarding audio so the call itself
// can continue.
//
// The transcript channels are stable across reconnects: consumers read them
// once and never observe the underlying sessions coming and going. They are
// closed only by [Stream.Close].
type Stream struct {
	provider    asr.Provider
	audioCfg    asr.StreamConfig
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger

	partials      chan types.Transcript
	finals        chan types.Transcript
	utteranceEnds chan struct{}

	mu        sync.Mutex
	handle    asr.SessionHandle
	buffer    *FrameBuffer
	exhausted bool
	closed    bool
	cancel    context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StreamConfig configures a [Stream].
type StreamConfig struct {
	// Provider opens the underlying recognition sessions. Must not be nil.
	Provider asr.Provider

	// Audio is the session configuration passed to every StartStream call,
	// initial and reconnect alike.
	Audio asr.StreamConfig

	// MaxAttempts is the number of reconnect attempts after a drop.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the wait before the first reconnect attempt, doubling on
	// each subsequent one. Defaults to 1s if zero.
	Backoff time.Duration

	// BufferCapacity bounds the pre-open audio buffer in frames.
	// Defaults to DefaultFrameCapacity if zero.
	BufferCapacity int

	// Logger receives connect and reconnect events. Defaults to
	// slog.Default(). Callers typically pass a logger scoped to the stream.
	Logger *slog.Logger
}

// NewStream creates a stream. Call [Stream.Open] to start connecting;
// audio may be sent immediately and is buffered until the socket opens.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: recognition provider must not be nil")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		provider:      cfg.Provider,
		audioCfg:      cfg.Audio,
		maxAttempts:   maxAttempts,
		backoff:       backoff,
		logger:        logger,
		partials:      make(chan types.Transcript, transcriptChanBuf),
		finals:        make(chan types.Transcript, transcriptChanBuf),
		utteranceEnds: make(chan struct{}, 4),
		buffer:        NewFrameBuffer(cfg.BufferCapacity),
		done:          make(chan struct{}),
	}, nil
}

// Open starts the connect-and-forward loop in the background. It returns
// immediately; a failed initial connect runs through the same backoff
// schedule as a mid-call drop.
func (s *Stream) Open(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// SendAudio delivers one audio frame. Frames are buffered while no socket
// is open and discarded once reconnection is exhausted or the stream is
// closed; the caller never sees an error from a recognition outage.
func (s *Stream) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed || s.exhausted:
		return nil
	case s.handle != nil:
		if err := s.handle.SendAudio(frame); err != nil {
			// The socket is going down; carry the frame into the next
			// session instead of losing it.
			s.buffer.Push(frame)
		}
		return nil
	default:
		s.buffer.Push(frame)
		return nil
	}
}

// Partials returns the stable channel of interim transcripts.
func (s *Stream) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the stable channel of final transcripts.
func (s *Stream) Finals() <-chan types.Transcript { return s.finals }

// UtteranceEnds returns the stable channel of utterance-end signals.
func (s *Stream) UtteranceEnds() <-chan struct{} { return s.utteranceEnds }

// Exhausted reports whether reconnection gave up for this call.
func (s *Stream) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Close tears the stream down and closes the transcript channels. Safe to
// call more than once.
func (s *Stream) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		h := s.handle
		s.handle = nil
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			// Unblocks a dial that may still be in flight.
			cancel()
		}
		if h != nil {
			_ = h.Close()
		}
		s.wg.Wait()
	})
	return nil
}

// run is the connect-and-forward loop. One goroutine per stream.
func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.utteranceEnds)

	handle, err := s.connect(ctx, true)
	for {
		if err != nil {
			s.giveUp(err)
			return
		}

		s.install(handle)
		alive := s.forward(handle)
		s.clearHandle()
		if !alive {
			return
		}

		// The vendor socket dropped while the call is still live.
		s.logger.Warn("speech stream dropped, reconnecting")
		handle, err = s.connect(ctx, false)
	}
}

// connect dials the provider. The initial connect tries once immediately
// before falling into the backoff schedule shared with reconnects.
func (s *Stream) connect(ctx context.Context, initial bool) (asr.SessionHandle, error) {
	if initial {
		handle, err := s.provider.StartStream(ctx, s.audioCfg)
		if err == nil {
			return handle, nil
		}
		s.logger.Warn("speech stream connect failed", "error", err)
	}

	backoff := s.backoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, errors.New("session: stream closed")
		case <-time.After(backoff):
		}

		handle, err := s.provider.StartStream(ctx, s.audioCfg)
		if err == nil {
			s.logger.Info("speech stream connected", "attempt", attempt)
			return handle, nil
		}
		s.logger.Warn("speech stream connect failed",
			"attempt", attempt, "max_attempts", s.maxAttempts, "error", err)
		backoff *= 2
	}
	return nil, fmt.Errorf("session: speech stream lost after %d attempts", s.maxAttempts)
}

// install makes handle current and flushes buffered audio into it in
// arrival order. Holding the lock during the flush keeps new frames behind
// the buffered ones.
func (s *Stream) install(handle asr.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handle = handle
	frames := s.buffer.Drain()
	for i, frame := range frames {
		if err := handle.SendAudio(frame); err != nil {
			s.logger.Warn("buffered audio flush interrupted",
				"flushed", i, "buffered", len(frames), "error", err)
			return
		}
	}
	if len(frames) > 0 {
		s.logger.Debug("flushed buffered audio", "frames", len(frames))
	}
}

func (s *Stream) clearHandle() {
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
}

// forward copies transcripts from handle to the stable channels until the
// underlying session ends. Returns false when the stream itself is closing
// and true when the session dropped and a reconnect should run.
func (s *Stream) forward(handle asr.SessionHandle) bool {
	partials := handle.Partials()
	finals := handle.Finals()
	ends := handle.UtteranceEnds()

	for partials != nil || finals != nil || ends != nil {
		select {
		case <-s.done:
			return false
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			select {
			case s.partials <- t:
			case <-s.done:
				return false
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			select {
			case s.finals <- t:
			case <-s.done:
				return false
			}
		case _, ok := <-ends:
			if !ok {
				ends = nil
				continue
			}
			select {
			case s.utteranceEnds <- struct{}{}:
			case <-s.done:
				return false
			default:
				// Advisory signal; never stall the forward loop on it.
			}
		}
	}

	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// giveUp marks the stream exhausted. Audio keeps being accepted and
// discarded so the rest of the call is unaffected.
func (s *Stream) giveUp(err error) {
	select {
	case <-s.done:
		// Closing normally; the connect loop was cut short, not exhausted.
		return
	default:
	}

	s.mu.Lock()
	s.exhausted = true
	s.buffer.Drain()
	s.mu.Unlock()

	s.logger.Error("speech recognition unavailable for the rest of the call", "error", err)
}
