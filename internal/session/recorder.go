package session

import (
	"sync"
	"time"

	"github.com/callways/trunkline/internal/calllog"
	"github.com/callways/trunkline/pkg/types"
)

// DefaultWindow is the number of recent history entries handed to the LLM
// as conversation context.
const DefaultWindow = 8

// Recorder accumulates one call's conversation history and counters. The
// dialogue controller appends committed turns; the call-log batcher and the
// end-of-call analyzer read snapshots.
//
// History is append-only with monotonically non-decreasing timestamps.
// All methods are safe for concurrent use.
type Recorder struct {
	mu            sync.Mutex
	entries       []types.HistoryEntry
	userTurns     int
	agentTurns    int
	interruptions int
	framesIn      int
	framesOut     int
	startedAt     time.Time
}

// Stats is a point-in-time snapshot of the recorder's counters.
type Stats struct {
	UserTurns     int
	AgentTurns    int
	Interruptions int
	FramesIn      int
	FramesOut     int
	StartedAt     time.Time
	Duration      time.Duration
}

// NewRecorder creates a recorder with the call start stamped now.
func NewRecorder() *Recorder {
	return &Recorder{startedAt: time.Now()}
}

// AddUser appends a caller turn.
func (r *Recorder) AddUser(text, language string) {
	r.add(types.RoleUser, text, language)
}

// AddAssistant appends an agent turn.
func (r *Recorder) AddAssistant(text, language string) {
	r.add(types.RoleAssistant, text, language)
}

func (r *Recorder) add(role types.Role, text, language string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := time.Now()
	if n := len(r.entries); n > 0 && ts.Before(r.entries[n-1].Timestamp) {
		// Clock went backwards; keep history timestamps non-decreasing.
		ts = r.entries[n-1].Timestamp
	}

	r.entries = append(r.entries, types.HistoryEntry{
		Role:      role,
		Text:      text,
		Language:  language,
		Timestamp: ts,
	})
	switch role {
	case types.RoleUser:
		r.userTurns++
	case types.RoleAssistant:
		r.agentTurns++
	}
}

// MarkInterruption counts one barge-in.
func (r *Recorder) MarkInterruption() {
	r.mu.Lock()
	r.interruptions++
	r.mu.Unlock()
}

// AddFramesIn counts inbound PBX media frames.
func (r *Recorder) AddFramesIn(n int) {
	r.mu.Lock()
	r.framesIn += n
	r.mu.Unlock()
}

// AddFramesOut counts frames sent back to the PBX.
func (r *Recorder) AddFramesOut(n int) {
	r.mu.Lock()
	r.framesOut += n
	r.mu.Unlock()
}

// Window returns a copy of the most recent n history entries for LLM
// context. A non-positive n uses [DefaultWindow].
func (r *Recorder) Window(n int) []types.HistoryEntry {
	if n <= 0 {
		n = DefaultWindow
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := len(r.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]types.HistoryEntry, len(r.entries)-start)
	copy(out, r.entries[start:])
	return out
}

// History returns a copy of the full conversation history.
func (r *Recorder) History() []types.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.HistoryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Empty reports whether no turn was ever committed. The analyzer uses it to
// tell a silent call from a conversation.
func (r *Recorder) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		UserTurns:     r.userTurns,
		AgentTurns:    r.agentTurns,
		Interruptions: r.interruptions,
		FramesIn:      r.framesIn,
		FramesOut:     r.framesOut,
		StartedAt:     r.startedAt,
		Duration:      time.Since(r.startedAt),
	}
}

// Duration returns how long the call has been running.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.startedAt)
}

// LiveUpdate builds the batcher snapshot for the live call record.
func (r *Recorder) LiveUpdate() calllog.LiveUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	transcript := make([]types.HistoryEntry, len(r.entries))
	copy(transcript, r.entries)

	return calllog.LiveUpdate{
		Transcript:      transcript,
		DurationSeconds: int(time.Since(r.startedAt).Seconds()),
		UserTurns:       r.userTurns,
		AgentTurns:      r.agentTurns,
		Interruptions:   r.interruptions,
	}
}
