// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g. ElevenLabs, Sarvam,
// or a local engine) and presents a uniform streaming interface. The entry
// point is Synthesize, which starts one synthesis for a complete utterance
// chunk and returns a channel of raw PCM audio bytes as they become
// available. The dialogue layer calls Synthesize once per speakable chunk,
// so audio for the beginning of a reply plays while later chunks are still
// being synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/callways/trunkline/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use: several utterance chunks
// may be in synthesis at once while playback stays strictly ordered upstream.
type Provider interface {
	// Synthesize starts one synthesis for text and returns a channel that
	// emits raw PCM-16 little-endian mono audio at SampleRate() as it is
	// produced. The channel is closed when synthesis completes, when ctx is
	// cancelled, or when the vendor fails mid-stream; in the failure case
	// audio already emitted remains valid and playable. The caller must
	// drain the channel to avoid blocking the provider's internal
	// goroutines.
	//
	// voice selects the voice profile. Providers return an error if the
	// profile is unusable (e.g. missing voice ID).
	//
	// A non-nil error is returned only when the stream cannot be started at
	// all; callers distinguish cancellation from vendor failure via
	// ctx.Err().
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error)

	// SampleRate reports the sample rate, in Hz, of PCM emitted on channels
	// returned by Synthesize. Callers use it to decide whether the audio
	// needs resampling before egress.
	SampleRate() int
}
