// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service (Deepgram, a
// compatible gateway, or a local whisper.cpp fallback) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw telephony audio frames and emits transcript
// streams. Low-latency partials drive barge-in detection; authoritative
// finals drive generation and the conversation history.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package asr

import (
	"context"
	"errors"

	"github.com/callways/trunkline/pkg/types"
)

// ErrSessionClosed is returned by SendAudio once the session has been
// closed. Callers race audio delivery against teardown, so they test for
// it with errors.Is and stop sending.
var ErrSessionClosed = errors.New("asr: session closed")

// StreamConfig describes the audio format and recognition tuning for a new
// ASR session. The gateway fills it from the media format the PBX advertises
// on `start` and from the agent's language setting.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 8000 on the primary
	// telephony profile, 44100 on the secondary PBX profile.
	SampleRate int

	// Channels is the number of audio channels, always 1 for telephony.
	Channels int

	// Encoding is the wire encoding of SendAudio chunks:
	// [types.EncodingLinear16] or [types.EncodingMulaw].
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g. "en-IN",
	// "hi"). An empty string lets the provider auto-detect, if supported.
	Language string

	// Model selects the vendor model. Empty uses the provider default.
	Model string

	// InterimResults requests low-latency partial transcripts. The dialogue
	// controller needs them for barge-in, so the gateway always sets this.
	InterimResults bool

	// SmartFormat requests vendor-side formatting of numbers, currency and
	// the like in final transcripts.
	SmartFormat bool

	// Punctuate requests punctuation in transcripts. Sentence-terminal
	// punctuation also feeds the response chunker downstream.
	Punctuate bool

	// EndpointingMS is the silence window in milliseconds after which the
	// vendor commits a final. Zero uses the provider default (300 ms).
	EndpointingMS int
}

// SessionHandle represents an open ASR streaming session. It is an interface
// so that test code can provide mock implementations without a live vendor
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so leaks goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of raw audio bytes for transcription.
	// The chunk must match the SampleRate, Channels, and Encoding agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting low-latency interim
	// transcripts. They exist for barge-in detection only and must never be
	// committed to the conversation history.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel emitting authoritative transcripts
	// once the vendor commits a recognition result. These are the values
	// committed to history and handed to the LLM.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// UtteranceEnds returns a read-only channel that signals when the vendor
	// detects the end of a spoken utterance. Consumers use it to finalize a
	// buffered partial that never received a final.
	// The channel is closed when the session ends.
	UtteranceEnds() <-chan struct{}

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the transcript channels
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any ASR backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per active call.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
