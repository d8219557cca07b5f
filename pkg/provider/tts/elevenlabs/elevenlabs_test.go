package elevenlabs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/callways/trunkline/pkg/types"
)

// ---- WebSocket message construction ----

func TestBuildWSMessage_WithVoiceSettings(t *testing.T) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	data, err := buildWSMessage("Hello there", vs)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Hello there" {
		t.Errorf("expected text 'Hello there', got %q", msg.Text)
	}
	if msg.VoiceSettings == nil {
		t.Fatal("expected non-nil voice settings")
	}
	if msg.VoiceSettings.Stability != 0.5 {
		t.Errorf("expected stability 0.5, got %f", msg.VoiceSettings.Stability)
	}
	if msg.VoiceSettings.SimilarityBoost != 0.75 {
		t.Errorf("expected similarity_boost 0.75, got %f", msg.VoiceSettings.SimilarityBoost)
	}
}

func TestBuildWSMessage_WithoutVoiceSettings(t *testing.T) {
	data, err := buildWSMessage("Flush", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Flush" {
		t.Errorf("expected text 'Flush', got %q", msg.Text)
	}
	if msg.VoiceSettings != nil {
		t.Error("expected nil voice_settings when omitempty")
	}
}

func TestBuildWSMessage_FlushCommand(t *testing.T) {
	// ElevenLabs flush = {"text":""} with no other fields.
	data, err := buildWSMessage("", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal flush: %v", err)
	}
	textVal, ok := raw["text"]
	if !ok {
		t.Fatal("expected 'text' field in flush message")
	}
	if string(textVal) != `""` {
		t.Errorf("expected empty string for text, got %s", textVal)
	}
	if _, exists := raw["voice_settings"]; exists {
		t.Error("flush message should not contain voice_settings")
	}
}

func TestBOIMessage_CarriesGenerationConfig(t *testing.T) {
	boi := boiMessage{
		Text:             " ",
		GenerationConfig: &generationConfig{ChunkLengthSchedule: []int{120, 160, 250, 290}},
		XiAPIKey:         "key",
	}
	data, err := json.Marshal(boi)
	if err != nil {
		t.Fatalf("marshal BOI: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal BOI: %v", err)
	}
	if _, ok := raw["generation_config"]; !ok {
		t.Error("expected generation_config field in BOI message")
	}
	if _, ok := raw["xi_api_key"]; !ok {
		t.Error("expected xi_api_key field in BOI message")
	}
}

// ---- URL construction ----

func TestBuildURLForVoice(t *testing.T) {
	url := buildURLForVoice("voice-abc123", "eleven_flash_v2_5", "pcm_16000")
	if !strings.Contains(url, "voice-abc123") {
		t.Errorf("URL should contain voice ID, got: %s", url)
	}
	if !strings.Contains(url, "eleven_flash_v2_5") {
		t.Errorf("URL should contain model ID, got: %s", url)
	}
	if !strings.Contains(url, "output_format=pcm_16000") {
		t.Errorf("URL should contain output format, got: %s", url)
	}
	if !strings.HasPrefix(url, "wss://") {
		t.Errorf("URL should be a WebSocket URL, got: %s", url)
	}
}

// ---- Output format parsing ----

func TestParseOutputRate(t *testing.T) {
	tests := []struct {
		format string
		want   int
	}{
		{"pcm_16000", 16000},
		{"pcm_24000", 24000},
		{"pcm_8000", 8000},
		{"mp3_44100_128", 16000}, // unsupported container falls back
		{"", 16000},
	}
	for _, tt := range tests {
		if got := parseOutputRate(tt.format); got != tt.want {
			t.Errorf("parseOutputRate(%q) = %d, want %d", tt.format, got, tt.want)
		}
	}
}

// ---- Voice settings mapping ----

func TestSettingsFor_Defaults(t *testing.T) {
	vs := settingsFor(types.VoiceProfile{ID: "v1"})
	if vs.Stability != 0.5 {
		t.Errorf("expected default stability 0.5, got %f", vs.Stability)
	}
	if vs.SimilarityBoost != 0.75 {
		t.Errorf("expected default similarity_boost 0.75, got %f", vs.SimilarityBoost)
	}
}

func TestSettingsFor_ProfileOverrides(t *testing.T) {
	vs := settingsFor(types.VoiceProfile{
		ID: "v1",
		Settings: map[string]float64{
			"stability":        0.9,
			"similarity_boost": 0.3,
		},
	})
	if vs.Stability != 0.9 {
		t.Errorf("expected stability 0.9, got %f", vs.Stability)
	}
	if vs.SimilarityBoost != 0.3 {
		t.Errorf("expected similarity_boost 0.3, got %f", vs.SimilarityBoost)
	}
}

// ---- Voice list response parsing ----

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "language": "en"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.Language != "en" {
		t.Errorf("expected Language 'en', got %q", rachel.Language)
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
	if adam.Language != "" {
		t.Errorf("expected empty Language without label, got %q", adam.Language)
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	raw := []byte(`{"voices":[]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestListVoices_ParsesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("xi-api-key = %q, want 'key'", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"abc123","name":"Rachel","labels":{"language":"en"}}]}`))
	}))
	defer srv.Close()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.voicesURL = srv.URL

	profiles, err := p.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	if profiles[0].ID != "abc123" || profiles[0].Provider != "elevenlabs" || profiles[0].Language != "en" {
		t.Errorf("unexpected profile: %+v", profiles[0])
	}
}

func TestListVoices_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{invalid`))
	}))
	defer srv.Close()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.voicesURL = srv.URL

	if _, err := p.ListVoices(t.Context()); err == nil {
		t.Error("expected error for malformed voices response")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
	if p.SampleRate() != 16000 {
		t.Errorf("expected sample rate 16000, got %d", p.SampleRate())
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
	if p.SampleRate() != 24000 {
		t.Errorf("expected sample rate 24000, got %d", p.SampleRate())
	}
}

// ---- Synthesize argument validation ----

func TestSynthesize_EmptyVoiceID(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Synthesize(t.Context(), "Hello", types.VoiceProfile{})
	if err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Synthesize(t.Context(), "   ", types.VoiceProfile{ID: "v1"})
	if err == nil {
		t.Error("expected error for blank text")
	}
}
