package resilience

import (
	"context"

	"github.com/callways/trunkline/pkg/provider/tts"
	"github.com/callways/trunkline/pkg/types"
)

// TTSBreaker implements [tts.Provider] by guarding a single backend with a
// circuit breaker. There is no fallback chain: an agent's voice is bound to
// one vendor, and swapping mid-call would change the caller-audible voice.
// The breaker exists so that once the vendor is down, each utterance fails in
// microseconds instead of burning its dial timeout, and the dialogue keeps
// turning text into history even when no audio comes out.
type TTSBreaker struct {
	provider tts.Provider
	breaker  *CircuitBreaker
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSBreaker)(nil)

// NewTTSBreaker wraps provider with a breaker named after the vendor.
func NewTTSBreaker(provider tts.Provider, name string, cfg CircuitBreakerConfig) *TTSBreaker {
	cfg.Name = name
	return &TTSBreaker{
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	}
}

// Synthesize starts a synthesis stream if the breaker allows it. Only stream
// setup feeds the breaker; a stream that starts and later closes early counts
// as a success here, because partial audio was still delivered.
func (b *TTSBreaker) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	var out <-chan []byte
	err := b.breaker.Execute(func() error {
		var innerErr error
		out, innerErr = b.provider.Synthesize(ctx, text, voice)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SampleRate reports the wrapped provider's output rate.
func (b *TTSBreaker) SampleRate() int {
	return b.provider.SampleRate()
}

// State exposes the breaker state for readiness checks.
func (b *TTSBreaker) State() State {
	return b.breaker.State()
}
