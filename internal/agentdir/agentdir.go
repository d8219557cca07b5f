// Package agentdir provides the agent directory: the mapping from phone
// numbers to agent configurations. An [Agent] is the full declarative setup
// for one voice agent — prompt, greeting, voice, vendor selection, messaging
// and disposition taxonomy — keyed by the calling numbers it serves.
//
// Two directory implementations exist: [PostgresStore] persists agents in a
// single agents table (JSONB for structured sub-fields), and [FileDirectory]
// reads a YAML file and reloads it when the file changes, for standalone
// deployments without a database. [Chain] tries directories in order.
//
// Lookup resolves the agent for a call by matching the numbers the PBX
// reported: an exact match on the dialed number wins, then an exact match on
// the caller, then a last-10-digits match on either. No match fails the call
// before any vendor session is opened.
package agentdir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callways/trunkline/pkg/types"
)

// ErrNoMatchingAgent is returned by Lookup when no agent serves either the
// dialed or the caller number.
var ErrNoMatchingAgent = errors.New("agentdir: no agent matches the dialed or caller number")

// Agent is the full declarative configuration for one voice agent.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `yaml:"id" json:"id"`

	// ClientID identifies the billing account that owns this agent.
	ClientID string `yaml:"client_id" json:"client_id"`

	// Name is the agent's display name, used in logs and notifications.
	Name string `yaml:"name" json:"name"`

	// CallingNumbers lists the phone numbers this agent serves. Lookup
	// matches the PBX-reported dialed and caller numbers against this list.
	CallingNumbers []string `yaml:"calling_numbers" json:"calling_numbers"`

	// SystemPrompt is the persona and task instruction for the LLM.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// FirstMessage is the greeting spoken when the call starts. The
	// placeholder {name} is replaced with the caller's name when the PBX
	// supplies one.
	FirstMessage string `yaml:"first_message" json:"first_message"`

	// Language is the BCP-47 language tag for ASR, prompts, and the closing
	// question. Empty defaults to "en".
	Language string `yaml:"language" json:"language"`

	// VoiceID is the TTS vendor's voice identifier. Empty uses the vendor
	// default voice.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// ASRProvider, LLMProvider, and TTSProvider override the globally
	// configured vendor for this agent. Empty means use the global one.
	ASRProvider string `yaml:"asr_provider" json:"asr_provider"`
	LLMProvider string `yaml:"llm_provider" json:"llm_provider"`
	TTSProvider string `yaml:"tts_provider" json:"tts_provider"`

	// MessagingEnabled allows the post-call analyzer to send the info
	// message for this agent.
	MessagingEnabled bool `yaml:"messaging_enabled" json:"messaging_enabled"`

	// MessagingURL is the webhook that delivers the info message.
	MessagingURL string `yaml:"messaging_url" json:"messaging_url"`

	// MessagingLink is the content link included in the info message.
	MessagingLink string `yaml:"messaging_link" json:"messaging_link"`

	// Dispositions is the per-agent outcome taxonomy the analyzer classifies
	// against. Empty disables disposition classification.
	Dispositions []types.Disposition `yaml:"dispositions" json:"dispositions"`

	// CreatedAt is the time the agent was first persisted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is the time the agent was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the Agent for logical consistency. It returns a joined
// error describing every violation found, or nil if the agent is valid.
func (a *Agent) Validate() error {
	var errs []error

	if a.Name == "" {
		errs = append(errs, fmt.Errorf("agentdir: name must not be empty"))
	}
	if len(a.CallingNumbers) == 0 {
		errs = append(errs, fmt.Errorf("agentdir: agent %q has no calling_numbers", a.Name))
	}
	for _, n := range a.CallingNumbers {
		if n == "" {
			errs = append(errs, fmt.Errorf("agentdir: agent %q has an empty calling number", a.Name))
		}
	}
	if a.MessagingEnabled && a.MessagingURL == "" {
		errs = append(errs, fmt.Errorf("agentdir: agent %q has messaging enabled but no messaging_url", a.Name))
	}

	return errors.Join(errs...)
}

// LanguageOrDefault returns the agent's language tag, defaulting to "en".
func (a *Agent) LanguageOrDefault() string {
	if a.Language == "" {
		return "en"
	}
	return a.Language
}

// Directory resolves the agent serving a call. Implementations must be safe
// for concurrent use.
type Directory interface {
	// Lookup returns the agent matching the dialed or caller number.
	// Returns [ErrNoMatchingAgent] (possibly wrapped) when no agent matches.
	Lookup(ctx context.Context, dialed, caller string) (*Agent, error)
}

// Chain is a [Directory] that tries each member in order, moving on only
// when a member reports [ErrNoMatchingAgent]. Any other error aborts the
// chain so a broken database does not silently fall back to stale files.
type Chain []Directory

// Compile-time interface check.
var _ Directory = (Chain)(nil)

// Lookup implements [Directory].
func (c Chain) Lookup(ctx context.Context, dialed, caller string) (*Agent, error) {
	for _, d := range c {
		agent, err := d.Lookup(ctx, dialed, caller)
		if err == nil {
			return agent, nil
		}
		if !errors.Is(err, ErrNoMatchingAgent) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: dialed %q caller %q", ErrNoMatchingAgent, dialed, caller)
}

// lastDigits returns the trailing n digits of number, ignoring any
// non-digit characters (plus signs, spaces, dashes).
func lastDigits(number string, n int) string {
	digits := make([]byte, 0, len(number))
	for i := 0; i < len(number); i++ {
		if number[i] >= '0' && number[i] <= '9' {
			digits = append(digits, number[i])
		}
	}
	if len(digits) <= n {
		return string(digits)
	}
	return string(digits[len(digits)-n:])
}

// match scans agents with the lookup priority: exact dialed, exact caller,
// last-10-digits of dialed, last-10-digits of caller. Returns nil when no
// agent matches.
func match(agents []Agent, dialed, caller string) *Agent {
	type probe struct {
		number string
		exact  bool
	}
	probes := []probe{
		{dialed, true},
		{caller, true},
		{dialed, false},
		{caller, false},
	}

	for _, p := range probes {
		if p.number == "" {
			continue
		}
		suffix := lastDigits(p.number, 10)
		for i := range agents {
			for _, n := range agents[i].CallingNumbers {
				if p.exact && n == p.number {
					return &agents[i]
				}
				if !p.exact && suffix != "" && lastDigits(n, 10) == suffix {
					return &agents[i]
				}
			}
		}
	}
	return nil
}
