package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"deepgram", "whisper", "whisper-native"},
	"llm":        {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"},
	"tts":        {"elevenlabs", "sarvam"},
	"embeddings": {"openai", "ollama"},
}

// envRef matches ${VAR} references expanded by the loader. Bare $VAR is left
// alone so shell-looking strings survive in prompts and URLs.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := envRef.ReplaceAllStringFunc(string(raw), func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the package defaults so
// downstream components never re-check for unset knobs.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = DefaultOpsAddr
	}
	if cfg.Server.MediaPath == "" {
		cfg.Server.MediaPath = DefaultMediaPath
	}
	if cfg.PBX.Encoding == "" {
		cfg.PBX.Encoding = DefaultPBXEncoding
	}
	if cfg.PBX.SampleRate == 0 {
		cfg.PBX.SampleRate = DefaultPBXSampleRate
	}
	if cfg.PBX.FrameMS == 0 {
		cfg.PBX.FrameMS = DefaultPBXFrameMS
	}

	p := &cfg.Pipeline
	if p.FrameIntervalMS == 0 {
		p.FrameIntervalMS = DefaultFrameIntervalMS
	}
	if p.PriorityFrameIntervalMS == 0 {
		p.PriorityFrameIntervalMS = DefaultPriorityFrameIntervalMS
	}
	if p.UtteranceGapMS == 0 {
		p.UtteranceGapMS = DefaultUtteranceGapMS
	}
	if p.SentenceCompletionMS == 0 {
		p.SentenceCompletionMS = DefaultSentenceCompletionMS
	}
	if p.BargeInMinWords == 0 {
		p.BargeInMinWords = DefaultBargeInMinWords
	}
	if p.BargeInMinConfidence == 0 {
		p.BargeInMinConfidence = DefaultBargeInMinConfidence
	}
	if p.HistoryWindow == 0 {
		p.HistoryWindow = DefaultHistoryWindow
	}
	if p.MaxResponseTokens == 0 {
		p.MaxResponseTokens = DefaultMaxResponseTokens
	}

	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Billing.SecondsPerCredit == 0 {
		cfg.Billing.SecondsPerCredit = DefaultSecondsPerCredit
	}
	if cfg.Analysis.MaxConcurrent == 0 {
		cfg.Analysis.MaxConcurrent = DefaultAnalysisConcurrency
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// PBX profile
	switch cfg.PBX.Encoding {
	case "linear16", "mulaw":
	default:
		errs = append(errs, fmt.Errorf("pbx.encoding %q is invalid; valid values: linear16, mulaw", cfg.PBX.Encoding))
	}
	if cfg.PBX.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pbx.sample_rate %d must be positive", cfg.PBX.SampleRate))
	}
	// The playback grid is fixed; the knob exists so a future profile can
	// widen it without a schema change.
	if cfg.PBX.FrameMS != DefaultPBXFrameMS {
		errs = append(errs, fmt.Errorf("pbx.frame_ms %d is unsupported; media frames are %d ms", cfg.PBX.FrameMS, DefaultPBXFrameMS))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.ASRFallback != nil {
		validateProviderName("asr", cfg.Providers.ASRFallback.Name)
	}
	if cfg.Providers.LLMFallback != nil {
		validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	}

	// Provider availability warnings
	if cfg.Providers.ASR.Name == "" {
		slog.Warn("no ASR provider configured; callers will not be transcribed")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the gateway cannot generate replies")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; the gateway cannot speak")
	}
	if cfg.Providers.Embeddings.Name == "" && cfg.Database.PostgresDSN != "" {
		slog.Warn("providers.embeddings is not configured; similar-call search will be unavailable")
	}

	// Pipeline ranges
	p := cfg.Pipeline
	if p.BargeInMinConfidence < 0 || p.BargeInMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("pipeline.barge_in_min_confidence %.2f is out of range (0, 1]", p.BargeInMinConfidence))
	}
	if p.BargeInMinWords < 0 {
		errs = append(errs, fmt.Errorf("pipeline.barge_in_min_words %d must be positive", p.BargeInMinWords))
	}
	if p.HistoryWindow < 0 || p.HistoryWindow > 32 {
		errs = append(errs, fmt.Errorf("pipeline.history_window %d is out of range [1, 32]", p.HistoryWindow))
	}
	if p.FrameIntervalMS < 0 || p.PriorityFrameIntervalMS < 0 || p.UtteranceGapMS < 0 || p.SentenceCompletionMS < 0 {
		errs = append(errs, errors.New("pipeline pacing intervals must be positive"))
	}
	if p.MaxResponseTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_response_tokens %d must be positive", p.MaxResponseTokens))
	}

	// Agent directory needs at least one source.
	if cfg.Database.PostgresDSN == "" && cfg.AgentsFile == "" {
		errs = append(errs, errors.New("either database.postgres_dsn or agents_file must be set; the gateway has no agent directory otherwise"))
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; call logs and billing are disabled")
	}
	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must be positive", cfg.Database.EmbeddingDimensions))
	}

	// Billing
	if cfg.Billing.SecondsPerCredit < 0 {
		errs = append(errs, fmt.Errorf("billing.seconds_per_credit %d must be positive", cfg.Billing.SecondsPerCredit))
	}
	if cfg.Billing.LowBalanceThreshold < 0 {
		errs = append(errs, fmt.Errorf("billing.low_balance_threshold %.2f must not be negative", cfg.Billing.LowBalanceThreshold))
	}

	// Analysis
	if cfg.Analysis.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_concurrent %d must be positive", cfg.Analysis.MaxConcurrent))
	}

	// Notifications
	if d := cfg.Notifications.Discord; d != nil {
		if d.Token == "" {
			errs = append(errs, errors.New("notifications.discord.token is required when discord is configured"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("notifications.discord.channel_id is required when discord is configured"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
