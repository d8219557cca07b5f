package sarvam

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callways/trunkline/pkg/audio"
	"github.com/callways/trunkline/pkg/types"
)

// ---- test helpers ----

// wavBase64 wraps pcm in a RIFF/WAVE container and base64-encodes it the way
// the vendor returns audio.
func wavBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(audio.WrapWAV(pcm, 8000))
}

// drainAudio reads all []byte chunks from the audio channel until it is
// closed and returns the concatenated PCM data.
func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, apiKey string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(apiKey, opts...)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "key")
		if p.endpoint != defaultEndpoint {
			t.Errorf("endpoint = %q, want %q", p.endpoint, defaultEndpoint)
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.model != defaultModel {
			t.Errorf("model = %q, want %q", p.model, defaultModel)
		}
		if p.SampleRate() != defaultSampleRate {
			t.Errorf("SampleRate() = %d, want %d", p.SampleRate(), defaultSampleRate)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("empty key returns error", func(t *testing.T) {
		_, err := New("")
		if err == nil {
			t.Fatal("expected error for empty API key, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		p := mustNew(t, "key",
			WithEndpoint("http://localhost:9000/"),
			WithLanguage("hi-IN"),
			WithModel("bulbul:v1"),
			WithSampleRate(16000),
			WithTimeout(5*time.Second),
		)
		if p.endpoint != "http://localhost:9000" {
			t.Errorf("endpoint = %q, want trailing slash stripped", p.endpoint)
		}
		if p.language != "hi-IN" {
			t.Errorf("language = %q, want %q", p.language, "hi-IN")
		}
		if p.model != "bulbul:v1" {
			t.Errorf("model = %q, want %q", p.model, "bulbul:v1")
		}
		if p.SampleRate() != 16000 {
			t.Errorf("SampleRate() = %d, want 16000", p.SampleRate())
		}
		if p.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, 5*time.Second)
		}
	})
}

// ---- Synthesize ----

func TestSynthesize_EmptyVoiceID(t *testing.T) {
	p := mustNew(t, "key")
	_, err := p.Synthesize(t.Context(), "Hello.", types.VoiceProfile{})
	if err == nil {
		t.Fatal("expected error for empty voice ID, got nil")
	}
	if !strings.Contains(err.Error(), "sarvam:") {
		t.Errorf("error %q does not have 'sarvam:' prefix", err.Error())
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p := mustNew(t, "key")
	_, err := p.Synthesize(t.Context(), "   ", types.VoiceProfile{ID: "meera"})
	if err == nil {
		t.Fatal("expected error for blank text, got nil")
	}
}

func TestSynthesize_MockServer(t *testing.T) {
	wantPCM := bytes.Repeat([]byte{0x42}, 100)

	var (
		reqMu   sync.Mutex
		gotKeys []string
		gotReqs []ttsRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ttsPath {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		reqMu.Lock()
		gotKeys = append(gotKeys, r.Header.Get("api-subscription-key"))
		gotReqs = append(gotReqs, req)
		reqMu.Unlock()

		audios := make([]string, len(req.Inputs))
		for i := range req.Inputs {
			audios[i] = wavBase64(wantPCM)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ttsResponse{RequestID: "req-1", Audios: audios})
	}))
	defer srv.Close()

	p := mustNew(t, "secret-key", WithEndpoint(srv.URL))
	voice := types.VoiceProfile{ID: "meera", Provider: "sarvam"}

	audioCh, err := p.Synthesize(t.Context(), "Hello, how can I help you today?", voice)
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	pcm := drainAudio(audioCh)
	if !bytes.Equal(pcm, wantPCM) {
		t.Errorf("PCM bytes = %d, want %d with WAV header stripped", len(pcm), len(wantPCM))
	}

	if len(gotReqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(gotReqs))
	}
	if gotKeys[0] != "secret-key" {
		t.Errorf("api-subscription-key = %q, want %q", gotKeys[0], "secret-key")
	}
	req := gotReqs[0]
	if len(req.Inputs) != 1 || req.Inputs[0] != "Hello, how can I help you today?" {
		t.Errorf("inputs = %v, want the utterance text", req.Inputs)
	}
	if req.Speaker != "meera" {
		t.Errorf("speaker = %q, want %q", req.Speaker, "meera")
	}
	if req.TargetLanguageCode != defaultLanguage {
		t.Errorf("target_language_code = %q, want %q", req.TargetLanguageCode, defaultLanguage)
	}
	if req.SpeechSampleRate != 8000 {
		t.Errorf("speech_sample_rate = %d, want 8000", req.SpeechSampleRate)
	}
	if req.Model != defaultModel {
		t.Errorf("model = %q, want %q", req.Model, defaultModel)
	}
	if !req.EnablePreprocessing {
		t.Error("enable_preprocessing = false, want true")
	}
}

func TestSynthesize_VoiceLanguageOverride(t *testing.T) {
	var (
		reqMu sync.Mutex
		langs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reqMu.Lock()
		langs = append(langs, req.TargetLanguageCode)
		reqMu.Unlock()
		_ = json.NewEncoder(w).Encode(ttsResponse{Audios: []string{wavBase64([]byte{0x01, 0x02})}})
	}))
	defer srv.Close()

	p := mustNew(t, "key", WithEndpoint(srv.URL))
	voice := types.VoiceProfile{ID: "anushka", Language: "hi-IN"}

	audioCh, err := p.Synthesize(t.Context(), "Namaste.", voice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(audioCh)

	if len(langs) != 1 || langs[0] != "hi-IN" {
		t.Errorf("target_language_code = %v, want [hi-IN]", langs)
	}
}

func TestSynthesize_SettingsMapped(t *testing.T) {
	var (
		reqMu sync.Mutex
		raws  []map[string]json.RawMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		reqMu.Lock()
		raws = append(raws, raw)
		reqMu.Unlock()
		_ = json.NewEncoder(w).Encode(ttsResponse{Audios: []string{wavBase64([]byte{0x01, 0x02})}})
	}))
	defer srv.Close()

	p := mustNew(t, "key", WithEndpoint(srv.URL))

	// Without settings: tuning fields must be absent so vendor defaults apply.
	ch, err := p.Synthesize(t.Context(), "One.", types.VoiceProfile{ID: "meera"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(ch)

	// With settings: tuning fields must be present.
	ch, err = p.Synthesize(t.Context(), "Two.", types.VoiceProfile{
		ID:       "meera",
		Settings: map[string]float64{"pitch": 0.2, "pace": 1.1, "loudness": 1.5},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(ch)

	if len(raws) != 2 {
		t.Fatalf("server received %d requests, want 2", len(raws))
	}
	for _, field := range []string{"pitch", "pace", "loudness"} {
		if _, ok := raws[0][field]; ok {
			t.Errorf("request without settings carries %q", field)
		}
		if _, ok := raws[1][field]; !ok {
			t.Errorf("request with settings missing %q", field)
		}
	}
}

// TestSynthesize_MultiBatchOrdering forces several request batches and
// verifies PCM is emitted in input order even when an earlier batch resolves
// slower than a later one.
func TestSynthesize_MultiBatchOrdering(t *testing.T) {
	// Five ~400-char sentences: one per input, three inputs per request,
	// so two requests. Each sentence starts with a distinct marker byte.
	var sb strings.Builder
	markers := []byte{'A', 'B', 'C', 'D', 'E'}
	for _, m := range markers {
		sb.WriteByte(m)
		sb.WriteString(strings.Repeat("x", 396))
		sb.WriteString(". ")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		// Stall the first batch so the second finishes first.
		if len(req.Inputs) > 0 && req.Inputs[0][0] == 'A' {
			time.Sleep(100 * time.Millisecond)
		}
		audios := make([]string, len(req.Inputs))
		for i, in := range req.Inputs {
			audios[i] = wavBase64(bytes.Repeat([]byte{in[0]}, 10))
		}
		_ = json.NewEncoder(w).Encode(ttsResponse{Audios: audios})
	}))
	defer srv.Close()

	p := mustNew(t, "key", WithEndpoint(srv.URL))
	audioCh, err := p.Synthesize(t.Context(), sb.String(), types.VoiceProfile{ID: "meera"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	pcm := drainAudio(audioCh)
	var want []byte
	for _, m := range markers {
		want = append(want, bytes.Repeat([]byte{m}, 10)...)
	}
	if !bytes.Equal(pcm, want) {
		t.Errorf("PCM order = %q, want %q", pcm, want)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, "key", WithEndpoint(srv.URL))
	audioCh, err := p.Synthesize(t.Context(), "A sentence.", types.VoiceProfile{ID: "meera"})
	if err != nil {
		t.Fatalf("Synthesize start unexpected error: %v", err)
	}

	pcm := drainAudio(audioCh)
	if len(pcm) != 0 {
		t.Errorf("expected empty audio on server error, got %d bytes", len(pcm))
	}
}

func TestSynthesize_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(ttsResponse{Audios: []string{wavBase64([]byte{0x01, 0x02})}})
	}))
	defer srv.Close()

	p := mustNew(t, "key", WithEndpoint(srv.URL))

	ctx, cancel := context.WithCancel(t.Context())
	cancel() // pre-cancel

	audioCh, err := p.Synthesize(ctx, "This sentence should not be synthesised.", types.VoiceProfile{ID: "meera"})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		drainAudio(audioCh)
		close(done)
	}()

	select {
	case <-done:
		// Good: channel closed promptly.
	case <-time.After(2 * time.Second):
		t.Error("audio channel did not close within 2 s after context cancellation")
	}
}

// ---- decodeAudios ----

func TestDecodeAudios(t *testing.T) {
	t.Run("single audio", func(t *testing.T) {
		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		raw, _ := json.Marshal(ttsResponse{Audios: []string{wavBase64(pcm)}})
		got, err := decodeAudios(raw, 1)
		if err != nil {
			t.Fatalf("decodeAudios: %v", err)
		}
		if !bytes.Equal(got, pcm) {
			t.Errorf("pcm = %v, want %v", got, pcm)
		}
	})

	t.Run("concatenates in order", func(t *testing.T) {
		raw, _ := json.Marshal(ttsResponse{Audios: []string{
			wavBase64([]byte{0xAA, 0xAA}),
			wavBase64([]byte{0xBB, 0xBB}),
		}})
		got, err := decodeAudios(raw, 2)
		if err != nil {
			t.Fatalf("decodeAudios: %v", err)
		}
		want := []byte{0xAA, 0xAA, 0xBB, 0xBB}
		if !bytes.Equal(got, want) {
			t.Errorf("pcm = %v, want %v", got, want)
		}
	})

	t.Run("short audios array", func(t *testing.T) {
		raw, _ := json.Marshal(ttsResponse{Audios: []string{wavBase64([]byte{0x01})}})
		_, err := decodeAudios(raw, 2)
		if err == nil {
			t.Fatal("expected error for short audios array")
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		raw := []byte(`{"audios":["%%%not-base64%%%"]}`)
		_, err := decodeAudios(raw, 1)
		if err == nil {
			t.Fatal("expected error for invalid base64")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := decodeAudios([]byte(`{invalid`), 1)
		if err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("headerless payload passes through", func(t *testing.T) {
		pcm := []byte{0x10, 0x20, 0x30, 0x40}
		raw, _ := json.Marshal(ttsResponse{Audios: []string{
			base64.StdEncoding.EncodeToString(pcm),
		}})
		got, err := decodeAudios(raw, 1)
		if err != nil {
			t.Fatalf("decodeAudios: %v", err)
		}
		if !bytes.Equal(got, pcm) {
			t.Errorf("pcm = %v, want raw bytes %v", got, pcm)
		}
	})
}

// ---- text splitting ----

func TestSplitInputs(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"empty", "", 50, nil},
		{"whitespace only", "   ", 50, nil},
		{"short text single input", "Hello world.", 50, []string{"Hello world."}},
		{
			"splits at sentence boundary",
			"First sentence here. Second sentence goes on.",
			30,
			[]string{"First sentence here.", "Second sentence goes on."},
		},
		{
			"falls back to word boundary",
			"no sentence punctuation in this long run of words",
			20,
			[]string{"no sentence", "punctuation in this", "long run of words"},
		},
		{
			"hard cut without spaces",
			strings.Repeat("a", 25),
			10,
			[]string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitInputs(tt.text, tt.maxLen)
			if len(got) != len(tt.want) {
				t.Fatalf("splitInputs(%q, %d) = %v, want %v", tt.text, tt.maxLen, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("piece %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			for i, piece := range got {
				if len(piece) > tt.maxLen {
					t.Errorf("piece %d length %d exceeds max %d", i, len(piece), tt.maxLen)
				}
			}
		})
	}
}

func TestLastSentenceBoundary(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"period at end", "Hello.", 5},
		{"picks last boundary", "First. Second.", 13},
		{"period mid", "Hello. World", 5},
		{"exclamation", "Hello!", 5},
		{"question", "Hello?", 5},
		{"no boundary", "Hello", -1},
		// '.' in "3.14" is followed by '1', not whitespace — not a boundary.
		{"decimal", "3.14 is pi", -1},
		{"empty", "", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lastSentenceBoundary(tt.input)
			if got != tt.want {
				t.Errorf("lastSentenceBoundary(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
