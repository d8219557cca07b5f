package resilience

import (
	"context"

	"github.com/callways/trunkline/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple ASR backends. Each backend has its own circuit breaker. The usual
// deployment pairs a cloud primary with the local whisper provider so calls
// keep transcribing (finals only, no barge-in) through a vendor outage.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

// Compile-time interface assertion.
var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional ASR provider as a fallback.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy provider. Only session setup participates in failover; once a
// session is handed out, mid-stream recovery belongs to the session
// reconnector.
func (f *ASRFallback) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) (asr.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
