package analysis

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/callways/trunkline/pkg/types"
)

const (
	// dispositionWindow is how many trailing turns the disposition prompt sees.
	dispositionWindow = 10

	// fuzzyThreshold is the minimum Jaro-Winkler similarity for a near-miss
	// disposition code to be accepted as one of the taxonomy entries.
	fuzzyThreshold = 0.88

	classifyTemperature = 0.1
	classifyMaxTokens   = 64
	summaryTemperature  = 0.3
	summaryMaxTokens    = 160
)

// leadPrompt asks for the two-line classification protocol. Built once from
// the fixed status set so the prompt and the validator cannot drift apart.
var leadPrompt = fmt.Sprintf(`You review transcripts of phone calls handled by a voice agent and classify the commercial outcome.
Reply with exactly two lines and nothing else:
STATUS: one code from this list: %s
SEND_INFO: yes if the caller explicitly asked to receive the details by message, otherwise no
Use vvi only when the caller shows clear, strong interest.`, statusList())

const dispositionPrompt = `You classify a finished phone call against the fixed disposition list given by the user.
Reply with exactly two lines and nothing else:
DISPOSITION: one title from the list
SUB_DISPOSITION: one sub-disposition under that title, or none
Pick only entries that appear in the list.`

const summaryPrompt = `Summarise this phone call in two to three sentences.
State what the caller wanted and how the call ended. Plain text only, no preamble.`

func statusList() string {
	codes := make([]string, len(types.AllLeadStatuses))
	for i, s := range types.AllLeadStatuses {
		codes[i] = string(s)
	}
	return strings.Join(codes, ", ")
}

// formatTranscript renders history entries one per line for an LLM prompt.
func formatTranscript(entries []types.HistoryEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s]: %s\n", e.Role, e.Text)
	}
	return sb.String()
}

// lastTurns returns at most n trailing entries.
func lastTurns(entries []types.HistoryEntry, n int) []types.HistoryEntry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// hasUserTurn reports whether the caller ever said anything. A call with
// agent-only history counts as not connected.
func hasUserTurn(entries []types.HistoryEntry) bool {
	for _, e := range entries {
		if e.Role == types.RoleUser {
			return true
		}
	}
	return false
}

// renderTaxonomy lists the agent's dispositions for the classification prompt.
func renderTaxonomy(taxonomy []types.Disposition) string {
	var sb strings.Builder
	sb.WriteString("Dispositions:\n")
	for _, d := range taxonomy {
		sb.WriteString("- " + d.Title)
		if len(d.Subs) > 0 {
			sb.WriteString(" (sub-dispositions: " + strings.Join(d.Subs, ", ") + ")")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// lineValue returns the value of a "KEY: value" line, matching the key
// case-insensitively. List markers and markdown emphasis around the key are
// tolerated.
func lineValue(line, key string) (string, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(line), "-*# ")
	idx := strings.Index(trimmed, ":")
	if idx < 0 {
		return "", false
	}
	if !strings.EqualFold(strings.Trim(trimmed[:idx], "*_ \t"), key) {
		return "", false
	}
	return strings.TrimSpace(trimmed[idx+1:]), true
}

// normalizeStatus maps a model-reported code onto the enumeration's shape:
// lowercased, surrounding quotes and punctuation stripped, spaces and hyphens
// folded to underscores.
func normalizeStatus(raw string) types.LeadStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, "\"'`.,;: ")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return types.LeadStatus(s)
}

// statusFromText extracts a valid status code from free-form text: the
// normalized whole string first, then its first word, since models like to
// append an explanation after the code.
func statusFromText(s string) (types.LeadStatus, bool) {
	if st := normalizeStatus(s); st.IsValid() {
		return st, true
	}
	if f := strings.Fields(s); len(f) > 0 {
		if st := normalizeStatus(f[0]); st.IsValid() {
			return st, true
		}
	}
	return "", false
}

// parseLeadReply extracts the status code and the send-info flag from a
// classification reply. It accepts the two-line protocol as well as a bare
// code. ok is false when no valid code could be recovered; callers then apply
// the fallback status and must not trust sendInfo.
func parseLeadReply(reply string) (status types.LeadStatus, sendInfo, ok bool) {
	var statusLine string
	var haveStatusLine bool
	for _, line := range strings.Split(reply, "\n") {
		if v, lineOK := lineValue(line, "STATUS"); lineOK {
			statusLine, haveStatusLine = v, true
		} else if v, lineOK := lineValue(line, "SEND_INFO"); lineOK {
			v = strings.ToLower(v)
			sendInfo = v == "yes" || v == "true"
		}
	}
	if haveStatusLine {
		status, ok = statusFromText(statusLine)
	}
	if !ok {
		status, ok = statusFromText(reply)
	}
	if !ok {
		return "", false, false
	}
	return status, sendInfo, true
}

// parseDispositionReply extracts the DISPOSITION and SUB_DISPOSITION lines.
// Missing lines come back empty; validation against the taxonomy is separate.
func parseDispositionReply(reply string) (title, sub string) {
	for _, line := range strings.Split(reply, "\n") {
		if v, ok := lineValue(line, "DISPOSITION"); ok {
			title = v
		} else if v, ok := lineValue(line, "SUB_DISPOSITION"); ok {
			sub = v
		}
	}
	return title, sub
}

// isNullish reports whether the model declined to pick a value.
func isNullish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "null", "n/a", "na", "-":
		return true
	}
	return false
}

// matchDisposition validates a reported title against the taxonomy:
// case-insensitive equality first, then Jaro-Winkler similarity for near-miss
// spellings. The canonical taxonomy entry is returned, never the model's text.
func matchDisposition(reported string, taxonomy []types.Disposition) (types.Disposition, bool) {
	if isNullish(reported) {
		return types.Disposition{}, false
	}
	low := strings.ToLower(strings.TrimSpace(reported))
	for _, d := range taxonomy {
		if strings.ToLower(d.Title) == low {
			return d, true
		}
	}
	var best types.Disposition
	bestScore := 0.0
	for _, d := range taxonomy {
		if s := matchr.JaroWinkler(low, strings.ToLower(d.Title), false); s > bestScore {
			best, bestScore = d, s
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return types.Disposition{}, false
}

// matchSub validates a reported sub-disposition against the matched title's
// subs with the same fuzzy tolerance as matchDisposition.
func matchSub(reported string, subs []string) (string, bool) {
	if isNullish(reported) {
		return "", false
	}
	low := strings.ToLower(strings.TrimSpace(reported))
	for _, s := range subs {
		if strings.ToLower(s) == low {
			return s, true
		}
	}
	best := ""
	bestScore := 0.0
	for _, s := range subs {
		if score := matchr.JaroWinkler(low, strings.ToLower(s), false); score > bestScore {
			best, bestScore = s, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return "", false
}

// snippet shortens a model reply for log lines.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
