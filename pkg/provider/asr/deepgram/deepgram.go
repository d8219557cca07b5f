// Package deepgram provides a Deepgram-backed ASR provider using the
// Deepgram streaming WebSocket API. It implements the asr.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/callways/trunkline/pkg/provider/asr"
	"github.com/callways/trunkline/pkg/types"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-2-phonecall"
	defaultLanguage  = "en"

	// defaultEndpointing is the silence window after which Deepgram commits
	// a final. 300 ms keeps turn-taking snappy on telephony audio.
	defaultEndpointing = 300

	// utteranceEndMS is the gap after the last word that triggers an
	// UtteranceEnd event. Deepgram requires at least 1000.
	utteranceEndMS = 1000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g. "nova-2-phonecall", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used for self-hosted
// Deepgram deployments and for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
}

var _ asr.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:          conn,
		partials:      make(chan types.Transcript, 64),
		finals:        make(chan types.Transcript, 64),
		utteranceEnds: make(chan struct{}, 8),
		audio:         make(chan []byte, 256),
		done:          make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = types.EncodingLinear16
	}
	endpointing := cfg.EndpointingMS
	if endpointing == 0 {
		endpointing = defaultEndpointing
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("endpointing", strconv.Itoa(endpointing))
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMS))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure Deepgram sends for Results and
// UtteranceEnd events. Metadata events share the Type field and are skipped.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements asr.SessionHandle.
type session struct {
	conn          *websocket.Conn
	partials      chan types.Transcript
	finals        chan types.Transcript
	utteranceEnds chan struct{}
	audio         chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ asr.SessionHandle = (*session)(nil)

// SendAudio queues one audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return asr.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return asr.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// UtteranceEnds returns the channel of utterance-end signals.
func (s *session) UtteranceEnds() <-chan struct{} { return s.utteranceEnds }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before the socket drops.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// transcript channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.utteranceEnds)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		t, kind := parseResponse(msg)
		switch kind {
		case eventUtteranceEnd:
			select {
			case s.utteranceEnds <- struct{}{}:
			case <-s.done:
			default:
				// A slow consumer must not stall the read loop; the signal
				// is advisory and safe to drop.
			}
		case eventFinal:
			select {
			case s.finals <- t:
			case <-s.done:
			}
		case eventPartial:
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

type eventKind int

const (
	eventSkip eventKind = iota
	eventPartial
	eventFinal
	eventUtteranceEnd
)

// parseResponse parses a raw Deepgram WebSocket message. Metadata, empty
// alternatives, and malformed JSON all come back as eventSkip.
func parseResponse(data []byte) (types.Transcript, eventKind) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, eventSkip
	}

	switch resp.Type {
	case "UtteranceEnd":
		return types.Transcript{}, eventUtteranceEnd
	case "Results":
	default:
		return types.Transcript{}, eventSkip
	}

	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, eventSkip
	}

	alt := resp.Channel.Alternatives[0]
	t := types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      len(alt.Words),
		Timestamp:  time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}
	if resp.IsFinal {
		return t, eventFinal
	}
	return t, eventPartial
}
