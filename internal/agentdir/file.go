package agentdir

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// agentsFile is the top-level document structure of an agents YAML file.
type agentsFile struct {
	Agents []Agent `yaml:"agents"`
}

// FileDirectory is a [Directory] backed by a YAML file on disk. The file is
// re-read lazily: every Lookup stats the file and reloads it when the
// modification time or content hash changed, so agents can be edited without
// restarting the gateway. A load error keeps the previously loaded set.
type FileDirectory struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	agents  []Agent
	modTime time.Time
	sum     [sha256.Size]byte
	loaded  bool
}

// Compile-time interface check.
var _ Directory = (*FileDirectory)(nil)

// FileOption configures a [FileDirectory].
type FileOption func(*FileDirectory)

// WithLogger sets the logger used for reload and diff messages. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) FileOption {
	return func(d *FileDirectory) {
		d.logger = logger
	}
}

// NewFileDirectory creates a directory reading agents from the YAML file at
// path. The file is loaded eagerly so configuration mistakes surface at
// startup rather than on the first call.
func NewFileDirectory(path string, opts ...FileOption) (*FileDirectory, error) {
	d := &FileDirectory{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Lookup implements [Directory]. It refreshes the agent set from disk when
// the file changed, then matches in priority order: exact dialed, exact
// caller, last-10-digits dialed, last-10-digits caller.
func (d *FileDirectory) Lookup(ctx context.Context, dialed, caller string) (*Agent, error) {
	agents := d.snapshot()
	if agent := match(agents, dialed, caller); agent != nil {
		cp := *agent
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: dialed %q caller %q", ErrNoMatchingAgent, dialed, caller)
}

// All returns a copy of the currently loaded agent set, refreshing from disk
// first. Used by the ops surface to list configured agents.
func (d *FileDirectory) All() []Agent {
	agents := d.snapshot()
	out := make([]Agent, len(agents))
	copy(out, agents)
	return out
}

// snapshot refreshes the agent set if the file changed and returns the
// current slice. Callers must not mutate the returned slice.
func (d *FileDirectory) snapshot() []Agent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.reloadLocked(); err != nil {
		// Keep serving the last good set. Startup already validated the
		// file once, so agents is non-nil here.
		d.logger.Error("agents file reload failed, keeping previous set",
			"path", d.path, "error", err)
	}
	return d.agents
}

func (d *FileDirectory) reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloadLocked()
}

func (d *FileDirectory) reloadLocked() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("agentdir: stat agents file: %w", err)
	}
	if d.loaded && info.ModTime().Equal(d.modTime) {
		return nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("agentdir: read agents file: %w", err)
	}

	sum := sha256.Sum256(data)
	if d.loaded && sum == d.sum {
		// Touched but unchanged. Remember the new mtime to skip the read
		// next time.
		d.modTime = info.ModTime()
		return nil
	}

	agents, err := parseAgents(data)
	if err != nil {
		return err
	}

	if d.loaded {
		logAgentDiff(d.logger, d.agents, agents)
	} else {
		d.logger.Info("agents file loaded", "path", d.path, "agents", len(agents))
	}

	d.agents = agents
	d.modTime = info.ModTime()
	d.sum = sum
	d.loaded = true
	return nil
}

// parseAgents decodes and validates an agents YAML document. Unknown fields
// are rejected so typos surface as errors instead of silently ignored knobs.
func parseAgents(data []byte) ([]Agent, error) {
	var doc agentsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("agentdir: parse agents file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Agents))
	for i := range doc.Agents {
		agent := &doc.Agents[i]
		if agent.ID == "" {
			agent.ID = slugify(agent.Name)
		}
		if err := agent.Validate(); err != nil {
			return nil, fmt.Errorf("agentdir: agent %q: %w", agent.ID, err)
		}
		if seen[agent.ID] {
			return nil, fmt.Errorf("agentdir: duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
	}
	return doc.Agents, nil
}

// logAgentDiff logs which agents were added, removed or changed between two
// loaded sets, keyed by agent ID.
func logAgentDiff(logger *slog.Logger, before, after []Agent) {
	old := make(map[string]Agent, len(before))
	for _, a := range before {
		old[a.ID] = a
	}
	seen := make(map[string]bool, len(after))

	var added, changed []string
	for _, a := range after {
		seen[a.ID] = true
		prev, ok := old[a.ID]
		if !ok {
			added = append(added, a.ID)
			continue
		}
		if !agentsEqual(prev, a) {
			changed = append(changed, a.ID)
		}
	}
	var removed []string
	for _, a := range before {
		if !seen[a.ID] {
			removed = append(removed, a.ID)
		}
	}

	logger.Info("agents file reloaded",
		"agents", len(after),
		"added", added,
		"removed", removed,
		"changed", changed)
}

// agentsEqual compares the configuration-relevant fields of two agents,
// ignoring timestamps.
func agentsEqual(a, b Agent) bool {
	if a.ClientID != b.ClientID || a.Name != b.Name ||
		a.SystemPrompt != b.SystemPrompt || a.FirstMessage != b.FirstMessage ||
		a.Language != b.Language || a.VoiceID != b.VoiceID ||
		a.ASRProvider != b.ASRProvider || a.LLMProvider != b.LLMProvider ||
		a.TTSProvider != b.TTSProvider ||
		a.MessagingEnabled != b.MessagingEnabled ||
		a.MessagingURL != b.MessagingURL || a.MessagingLink != b.MessagingLink {
		return false
	}
	if len(a.CallingNumbers) != len(b.CallingNumbers) {
		return false
	}
	for i := range a.CallingNumbers {
		if a.CallingNumbers[i] != b.CallingNumbers[i] {
			return false
		}
	}
	if len(a.Dispositions) != len(b.Dispositions) {
		return false
	}
	for i := range a.Dispositions {
		if a.Dispositions[i].Title != b.Dispositions[i].Title {
			return false
		}
		if len(a.Dispositions[i].Subs) != len(b.Dispositions[i].Subs) {
			return false
		}
		for j := range a.Dispositions[i].Subs {
			if a.Dispositions[i].Subs[j] != b.Dispositions[i].Subs[j] {
				return false
			}
		}
	}
	return true
}

// slugify derives a stable agent ID from a display name: lowercase with
// non-alphanumeric runs collapsed to single hyphens.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
