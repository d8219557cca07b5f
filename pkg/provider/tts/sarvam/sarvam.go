// Package sarvam provides a Sarvam-backed TTS provider targeting the Sarvam
// batch synthesis REST API. It implements the tts.Provider interface.
//
// The Sarvam endpoint operates in batch mode: each POST /text-to-speech call
// carries up to three text inputs and returns one base64-encoded WAV per
// input in the `audios` array. Because utterance chunks arriving from the
// dialogue layer are short, most Synthesize calls resolve in a single
// request; longer text (greetings, recovered partials) is split on sentence
// boundaries and the per-batch requests run concurrently while emission
// stays in input order.
//
// Audio is requested at 8 kHz by default, which matches the telephony frame
// contract directly and skips the downsampling stage.
//
// Typical usage:
//
//	p, err := sarvam.New("sk_sarvam_...",
//	    sarvam.WithLanguage("en-IN"),
//	    sarvam.WithTimeout(15*time.Second),
//	)
//	audio, err := p.Synthesize(ctx, "Hello, how can I help?", voiceProfile)
package sarvam

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/callways/trunkline/pkg/audio"
	"github.com/callways/trunkline/pkg/provider/tts"
	"github.com/callways/trunkline/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultEndpoint   = "https://api.sarvam.ai"
	ttsPath           = "/text-to-speech"
	defaultLanguage   = "en-IN"
	defaultModel      = "bulbul:v2"
	defaultSampleRate = 8000
	defaultTimeout    = 30 * time.Second

	// maxInputChars is the vendor limit on a single text input.
	maxInputChars = 500

	// maxInputsPerRequest is the vendor limit on inputs per POST.
	maxInputsPerRequest = 3

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// ---- options ----

// Option is a functional option for configuring a Sarvam Provider.
type Option func(*Provider)

// WithEndpoint overrides the API base URL. Used by tests and self-hosted
// gateways.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(url, "/")
	}
}

// WithLanguage sets the default target language code (e.g. "en-IN", "hi-IN")
// used when the voice profile does not carry one.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithModel sets the synthesis model (e.g. "bulbul:v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the requested output sample rate. The vendor supports
// 8000, 16000, and 22050 Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by the Sarvam batch REST API.
// It is safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	apiKey     string
	endpoint   string
	language   string
	model      string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Sarvam Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		language:   defaultLanguage,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate reports the sample rate requested from the vendor.
func (p *Provider) SampleRate() int {
	return p.sampleRate
}

// ---- request/response types ----

// ttsRequest is the JSON body sent to POST /text-to-speech.
type ttsRequest struct {
	Inputs              []string `json:"inputs"`
	TargetLanguageCode  string   `json:"target_language_code"`
	Speaker             string   `json:"speaker"`
	SpeechSampleRate    int      `json:"speech_sample_rate"`
	Model               string   `json:"model"`
	EnablePreprocessing bool     `json:"enable_preprocessing"`
	Pitch               *float64 `json:"pitch,omitempty"`
	Pace                *float64 `json:"pace,omitempty"`
	Loudness            *float64 `json:"loudness,omitempty"`
}

// ttsResponse is the JSON body returned by POST /text-to-speech. Each
// element of Audios is a base64-encoded WAV, one per request input, in
// input order.
type ttsResponse struct {
	RequestID string   `json:"request_id"`
	Audios    []string `json:"audios"`
}

// audioResult carries the PCM for one request batch or an error from its
// worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// ---- Synthesize ----

// Synthesize splits text into vendor-sized inputs, issues one POST per batch
// of inputs, strips the WAV container from each returned audio, and emits
// raw PCM on the returned channel in input order.
//
// Batches are requested concurrently so later audio is ready by the time
// earlier audio finishes playing. The returned channel is closed when all
// batches have been emitted, when ctx is cancelled, or on the first vendor
// failure; audio already emitted stays playable.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("sarvam: voice.ID must not be empty")
	}
	inputs := splitInputs(text, maxInputChars)
	if len(inputs) == 0 {
		return nil, errors.New("sarvam: text must not be empty")
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		// One ordered result slot per batch; workers fill them concurrently
		// and the collector drains them in order.
		var results []chan audioResult
		for start := 0; start < len(inputs); start += maxInputsPerRequest {
			end := min(start+maxInputsPerRequest, len(inputs))
			ch := make(chan audioResult, 1)
			results = append(results, ch)
			go func(batch []string, out chan<- audioResult) {
				pcm, err := p.synthesizeBatch(ctx, batch, voice)
				out <- audioResult{pcm: pcm, err: err}
			}(inputs[start:end], ch)
		}

		for _, ch := range results {
			var result audioResult
			select {
			case result = <-ch:
			case <-ctx.Done():
				return
			}
			if result.err != nil {
				// First failure ends the stream. Earlier batches already
				// emitted remain playable.
				return
			}
			pcm := result.pcm
			for len(pcm) > 0 {
				n := min(pcmChunkSize, len(pcm))
				select {
				case audioCh <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return audioCh, nil
}

// synthesizeBatch performs a single POST /text-to-speech call for up to
// maxInputsPerRequest inputs and returns the concatenated PCM with WAV
// containers stripped.
func (p *Provider) synthesizeBatch(ctx context.Context, inputs []string, voice types.VoiceProfile) ([]byte, error) {
	body := ttsRequest{
		Inputs:              inputs,
		TargetLanguageCode:  p.languageFor(voice),
		Speaker:             voice.ID,
		SpeechSampleRate:    p.sampleRate,
		Model:               p.model,
		EnablePreprocessing: true,
	}
	if v, ok := voice.Settings["pitch"]; ok {
		body.Pitch = &v
	}
	if v, ok := voice.Settings["pace"]; ok {
		body.Pace = &v
	}
	if v, ok := voice.Settings["loudness"]; ok {
		body.Loudness = &v
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("sarvam: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+ttsPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("sarvam: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-subscription-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sarvam: POST %s: %w", ttsPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sarvam: POST %s returned status %d", ttsPath, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sarvam: read tts response: %w", err)
	}

	return decodeAudios(raw, len(inputs))
}

// languageFor resolves the target language code, preferring the voice
// profile over the provider default.
func (p *Provider) languageFor(voice types.VoiceProfile) string {
	if voice.Language != "" {
		return voice.Language
	}
	return p.language
}

// ---- response decoding ----

// decodeAudios parses a /text-to-speech response body, base64-decodes each
// audio, strips WAV containers, and concatenates the PCM in input order.
// wantInputs is the number of inputs sent; a short audios array is a
// contract violation and fails the batch.
func decodeAudios(raw []byte, wantInputs int) ([]byte, error) {
	var tr ttsResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("sarvam: decode tts response: %w", err)
	}
	if len(tr.Audios) < wantInputs {
		return nil, fmt.Errorf("sarvam: got %d audios for %d inputs", len(tr.Audios), wantInputs)
	}

	var out []byte
	for i, b64 := range tr.Audios {
		wav, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("sarvam: decode audio %d: %w", i, err)
		}
		pcm, _, err := audio.StripWAV(wav)
		if errors.Is(err, audio.ErrNotWAV) {
			// Headerless payload: treat as raw PCM.
			pcm = wav
		} else if err != nil {
			return nil, fmt.Errorf("sarvam: strip WAV %d: %w", i, err)
		}
		out = append(out, pcm...)
	}
	return out, nil
}

// ---- text splitting ----

// splitInputs breaks text into pieces no longer than maxLen bytes, cutting
// at sentence boundaries where possible and at word boundaries otherwise.
// Whitespace-only pieces are dropped.
func splitInputs(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var inputs []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			inputs = append(inputs, text)
			break
		}
		cut := findCut(text, maxLen)
		piece := strings.TrimSpace(text[:cut])
		if piece != "" {
			inputs = append(inputs, piece)
		}
		text = strings.TrimSpace(text[cut:])
	}
	return inputs
}

// findCut returns the byte index to cut text at so the left piece stays
// within maxLen: the last sentence boundary if one exists, otherwise the
// last whitespace, otherwise maxLen.
func findCut(text string, maxLen int) int {
	window := text[:maxLen]
	if idx := lastSentenceBoundary(window); idx >= 0 {
		return idx + 1
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return maxLen
}

// lastSentenceBoundary returns the index of the last sentence-ending
// character ('.', '!', '?') in s that is either at the end of s or
// immediately followed by whitespace. Returns -1 if none exists.
//
// Requiring trailing whitespace keeps abbreviations like "Dr." and decimal
// numbers like "3.14" from being treated as sentence ends.
func lastSentenceBoundary(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
