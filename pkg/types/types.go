// Package types defines the shared types used across all Trunkline packages.
//
// These types form the lingua franca between the PBX session, the dialogue
// controller, the provider clients, and the persistence adapters. They are
// intentionally minimal: each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Direction indicates which side originated the call.
type Direction string

const (
	// DirectionInbound marks calls where the caller dialed into the gateway.
	DirectionInbound Direction = "inbound"

	// DirectionOutbound marks calls the gateway's PBX placed to the caller.
	DirectionOutbound Direction = "outbound"
)

// Audio encodings the gateway speaks on the PBX leg.
const (
	// EncodingLinear16 is little-endian signed 16-bit PCM.
	EncodingLinear16 = "linear16"

	// EncodingMulaw is G.711 mu-law, one byte per sample.
	EncodingMulaw = "mulaw"
)

// MediaFormat describes the audio framing the PBX advertises on `start`.
type MediaFormat struct {
	// Encoding is the PCM encoding: [EncodingLinear16] or [EncodingMulaw].
	Encoding string

	// SampleRate in Hz. 8000 on the primary telephony profile.
	SampleRate int

	// Channels: always 1 for telephony audio.
	Channels int
}

// FrameBytes returns the size in bytes of one frame of the given duration.
// Linear PCM-16 carries two bytes per sample; mu-law carries one.
func (f MediaFormat) FrameBytes(frame time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(frame) / int64(time.Second))
	if f.Encoding == EncodingMulaw {
		return samples
	}
	return samples * 2
}

// CallInfo identifies one PBX call. The PBX supplies the id triple on
// `start`; the remaining fields are resolved during session setup.
type CallInfo struct {
	// StreamID is the PBX media-stream identifier. It keys the active-call
	// registry and the billing idempotence set.
	StreamID string

	// CallID is the PBX call identifier, distinct from the stream.
	CallID string

	// ChannelID is the PBX channel the media flows over.
	ChannelID string

	// Direction indicates who originated the call.
	Direction Direction

	// Caller is the caller's number in E.164 form.
	Caller string

	// Dialed is the called number in E.164 form.
	Dialed string

	// Media is the audio format advertised by the PBX.
	Media MediaFormat

	// ExtraParams carries PBX vendor extras from `start` (caller name,
	// uniqueid, campaign tags). Values are opaque to the pipeline.
	ExtraParams map[string]string

	// StartedAt is when `start` was processed.
	StartedAt time.Time
}

// CallerName returns the caller's display name from ExtraParams, or "".
func (c CallInfo) CallerName() string {
	if c.ExtraParams == nil {
		return ""
	}
	return c.ExtraParams["name"]
}

// Transcript represents a speech-to-text result from an ASR provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words is the number of words in Text as reported by the provider, or
	// zero when the provider gives no word detail (callers fall back to
	// counting fields of Text).
	Words int

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Role identifies who produced a history entry.
type Role string

const (
	// RoleUser marks caller speech committed from an ASR final.
	RoleUser Role = "user"

	// RoleAssistant marks gateway speech committed from an LLM completion.
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one committed turn of the conversation. Entries are
// appended in commit order; timestamps are monotonically non-decreasing.
// Tagged for JSON because call logs persist transcripts as JSONB.
type HistoryEntry struct {
	// Role is who spoke.
	Role Role `json:"role"`

	// Text is the committed utterance.
	Text string `json:"text"`

	// Language is the BCP-47 tag the utterance was produced in.
	Language string `json:"language,omitempty"`

	// Timestamp is when the entry was committed.
	Timestamp time.Time `json:"timestamp"`
}

// Message represents a single message in an LLM conversation request.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag synthesis should target.
	Language string

	// Settings holds provider-specific tuning (stability, similarity, pace).
	Settings map[string]float64
}

// LeadStatus classifies the commercial outcome of a call. The set is fixed;
// analyzer output outside it is replaced by a safe default.
type LeadStatus string

const (
	LeadVVI           LeadStatus = "vvi"
	LeadMaybe         LeadStatus = "maybe"
	LeadEnrolled      LeadStatus = "enrolled"
	LeadJunk          LeadStatus = "junk_lead"
	LeadNotRequired   LeadStatus = "not_required"
	LeadEnrolledOther LeadStatus = "enrolled_other"
	LeadDecline       LeadStatus = "decline"
	LeadNotEligible   LeadStatus = "not_eligible"
	LeadWrongNumber   LeadStatus = "wrong_number"
	LeadHotFollowup   LeadStatus = "hot_followup"
	LeadColdFollowup  LeadStatus = "cold_followup"
	LeadSchedule      LeadStatus = "schedule"
	LeadNotConnected  LeadStatus = "not_connected"
)

// AllLeadStatuses lists every valid lead status, in prompt order.
var AllLeadStatuses = []LeadStatus{
	LeadVVI, LeadMaybe, LeadEnrolled, LeadJunk, LeadNotRequired,
	LeadEnrolledOther, LeadDecline, LeadNotEligible, LeadWrongNumber,
	LeadHotFollowup, LeadColdFollowup, LeadSchedule, LeadNotConnected,
}

// IsValid reports whether s is a member of the fixed lead-status set.
func (s LeadStatus) IsValid() bool {
	for _, v := range AllLeadStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Disposition is an optional per-agent outcome taxonomy entry. It carries
// yaml and json tags because agent directories load it from YAML files and
// persist it as JSONB.
type Disposition struct {
	// Title is the disposition name (e.g. "Interested").
	Title string `yaml:"title" json:"title"`

	// Subs lists the valid sub-dispositions under this title.
	Subs []string `yaml:"subs" json:"subs"`
}
