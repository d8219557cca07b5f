// Package analysis runs the end-of-call pipeline. When a call tears down,
// the analyzer classifies the finished conversation into a lead status and
// the agent's disposition taxonomy, writes a short summary, dispatches the
// info message when the caller qualifies, bills the call, and finalizes the
// call record.
//
// Every model-facing step is bounded by a timeout and degrades to a safe
// default on failure; nothing in this package may keep a call record from
// being finalized. A weighted semaphore caps how many calls are analyzed at
// once so a burst of hangups cannot flood the LLM backend.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/billing"
	"github.com/callways/trunkline/internal/calllog"
	"github.com/callways/trunkline/internal/dispatch"
	"github.com/callways/trunkline/internal/observe"
	"github.com/callways/trunkline/pkg/provider/embeddings"
	"github.com/callways/trunkline/pkg/provider/llm"
	"github.com/callways/trunkline/pkg/types"
)

const (
	defaultMaxConcurrent = 4
	defaultStepTimeout   = 15 * time.Second

	// messagingCredits is the flat charge for one dispatched info message.
	messagingCredits = 1
)

// CallStore persists the analyzer's outcome. *calllog.Store satisfies it.
type CallStore interface {
	Finalize(ctx context.Context, streamID string, fin calllog.Final) (string, bool, error)
	SetSummaryEmbedding(ctx context.Context, id string, embedding []float32) error
}

// CreditLedger charges call time and messaging credits. *billing.Ledger
// satisfies it.
type CreditLedger interface {
	CallCredits(duration time.Duration) float64
	BillCall(ctx context.Context, clientID, streamID string, duration time.Duration, meta map[string]any) (billing.Charge, error)
	UseCredits(ctx context.Context, clientID, streamID string, amount float64, reason string, meta map[string]any) (billing.Charge, error)
}

// Messenger delivers the post-call info message. *dispatch.Client satisfies it.
type Messenger interface {
	Send(ctx context.Context, endpoint, to, link string) (*dispatch.Receipt, error)
}

var (
	_ CallStore    = (*calllog.Store)(nil)
	_ CreditLedger = (*billing.Ledger)(nil)
	_ Messenger    = (*dispatch.Client)(nil)
)

// Deps are the analyzer's collaborators. LLM, Calls and Ledger are required.
// Messenger and Embedder are optional; when nil their steps are skipped.
type Deps struct {
	// LLM runs the classification and summary completions.
	LLM llm.Provider

	// Calls finalizes the call record and stores the summary embedding.
	Calls CallStore

	// Ledger charges the call time and the messaging credit.
	Ledger CreditLedger

	// Messenger posts the info link to the agent's messaging endpoint.
	Messenger Messenger

	// Embedder indexes call summaries for similar-call search.
	Embedder embeddings.Provider

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Config tunes the analyzer.
type Config struct {
	// DisableSummary skips the call summary and its embedding.
	DisableSummary bool

	// MaxConcurrent caps simultaneous analyses. Default 4.
	MaxConcurrent int

	// StepTimeout bounds each provider call so a stuck backend degrades that
	// step instead of delaying the record. Default 15s.
	StepTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
}

// Request is the teardown snapshot of one finished call.
type Request struct {
	// Call identifies the stream and carries the caller's number and the
	// call start time.
	Call types.CallInfo

	// Agent is the configuration the call ran under.
	Agent *agentdir.Agent

	// Transcript is the committed conversation history.
	Transcript []types.HistoryEntry

	// Interruptions is the barge-in count, recorded in billing metadata.
	Interruptions int

	// EndedAt is when teardown was triggered. Zero means now.
	EndedAt time.Time
}

// Result is what the analyzer decided and persisted for one call.
type Result struct {
	// RecordID is the finalized call-log row id. Empty when the record had
	// already been finalized by an earlier pass.
	RecordID string

	LeadStatus     types.LeadStatus
	Disposition    string
	SubDisposition string
	Summary        string

	// MessageSent reports a delivered info message; MessageTo is the
	// normalized recipient it went to.
	MessageSent bool
	MessageTo   string

	// Duration is wall time from call start to teardown.
	Duration time.Duration

	// CreditsUsed is the computed cost of the call, including the messaging
	// credit when one was sent. The ledger is authoritative for deductions.
	CreditsUsed float64

	// Billed is true when this analysis deducted the call charge. Balance
	// then carries the post-charge account balance for low-balance alerts.
	Billed  bool
	Balance float64
}

// Analyzer classifies finished calls and persists their outcome. Safe for
// concurrent use.
type Analyzer struct {
	llm    llm.Provider
	calls  CallStore
	ledger CreditLedger
	msg    Messenger
	embed  embeddings.Provider

	metrics *observe.Metrics
	logger  *slog.Logger
	cfg     Config
	sem     *semaphore.Weighted
}

// New builds an Analyzer.
func New(deps Deps, cfg Config) (*Analyzer, error) {
	switch {
	case deps.LLM == nil:
		return nil, fmt.Errorf("analysis: nil LLM provider")
	case deps.Calls == nil:
		return nil, fmt.Errorf("analysis: nil call store")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("analysis: nil ledger")
	}
	cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Analyzer{
		llm:     deps.LLM,
		calls:   deps.Calls,
		ledger:  deps.Ledger,
		msg:     deps.Messenger,
		embed:   deps.Embedder,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// Analyze runs the end-of-call pipeline for one call and returns what it
// persisted. Classification, summary, messaging and embedding degrade
// individually on failure; an error is returned only when the request is
// unusable, the concurrency slot cannot be acquired, or the finalize write
// fails. Callers run it from the teardown path with a context generous
// enough to outlive the classification budget.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("analysis: nil agent")
	}
	if req.Call.StreamID == "" {
		return nil, fmt.Errorf("analysis: empty stream id")
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("analysis: acquire slot: %w", err)
	}
	defer a.sem.Release(1)

	ctx, span := observe.StartAnalysisSpan(ctx, req.Call.StreamID)
	defer span.End()

	log := a.logger.With("stream_id", req.Call.StreamID, "agent_id", req.Agent.ID)

	endedAt := req.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	var duration time.Duration
	if !req.Call.StartedAt.IsZero() {
		duration = endedAt.Sub(req.Call.StartedAt)
		if duration < 0 {
			duration = 0
		}
	}

	res := &Result{Duration: duration}
	sendInfo := false

	if hasUserTurn(req.Transcript) {
		res.LeadStatus, sendInfo = a.classifyLead(ctx, req.Transcript, log)
		res.Disposition, res.SubDisposition = a.classifyDisposition(ctx, req.Agent, req.Transcript, log)
		if !a.cfg.DisableSummary {
			res.Summary = a.summarize(ctx, req.Transcript, log)
		}
	} else {
		// Nobody spoke; the model has nothing to classify.
		res.LeadStatus = types.LeadNotConnected
	}

	if a.msg != nil && req.Agent.MessagingEnabled && req.Agent.MessagingURL != "" &&
		(res.LeadStatus == types.LeadVVI || sendInfo) {
		res.MessageSent, res.MessageTo = a.deliverMessage(ctx, req, log)
	}

	res.CreditsUsed = a.ledger.CallCredits(duration)
	if res.MessageSent {
		res.CreditsUsed += messagingCredits
	}
	a.billCall(ctx, req, duration, res, log)

	fin := calllog.Final{
		EndedAt:         endedAt,
		DurationSeconds: int(duration.Round(time.Second).Seconds()),
		Transcript:      req.Transcript,
		LeadStatus:      res.LeadStatus,
		Disposition:     res.Disposition,
		SubDisposition:  res.SubDisposition,
		Summary:         res.Summary,
		MessageSent:     res.MessageSent,
		MessageTo:       res.MessageTo,
		CreditsUsed:     res.CreditsUsed,
	}
	id, applied, err := a.calls.Finalize(ctx, req.Call.StreamID, fin)
	if err != nil {
		a.metrics.RecordPipelineError(ctx, "analysis")
		return res, fmt.Errorf("analysis: finalize %q: %w", req.Call.StreamID, err)
	}
	if !applied {
		log.Warn("call record was already finalized")
		return res, nil
	}
	res.RecordID = id

	a.embedSummary(ctx, id, res.Summary, log)

	log.Info("call analyzed",
		"lead_status", res.LeadStatus,
		"disposition", res.Disposition,
		"duration", duration.Round(time.Second),
		"credits", res.CreditsUsed,
		"message_sent", res.MessageSent,
	)
	return res, nil
}

// classifyLead asks the model for the lead status and whether the caller
// asked to receive the details by message. Any failure falls back to
// [types.LeadMaybe] with no send request.
func (a *Analyzer) classifyLead(ctx context.Context, transcript []types.HistoryEntry, log *slog.Logger) (types.LeadStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: leadPrompt,
		Messages:     []types.Message{{Role: "user", Content: formatTranscript(transcript)}},
		Temperature:  classifyTemperature,
		MaxTokens:    classifyMaxTokens,
	})
	if err != nil || resp == nil {
		log.Warn("lead classification failed, using fallback", "error", err)
		a.metrics.RecordPipelineError(ctx, "analysis")
		return types.LeadMaybe, false
	}
	status, sendInfo, ok := parseLeadReply(resp.Content)
	if !ok {
		log.Warn("lead classification returned no usable code", "reply", snippet(resp.Content))
		return types.LeadMaybe, false
	}
	return status, sendInfo
}

// classifyDisposition maps the call onto the agent's taxonomy. Returns empty
// strings when the agent has no taxonomy or the model's pick does not
// validate against it.
func (a *Analyzer) classifyDisposition(ctx context.Context, agent *agentdir.Agent, transcript []types.HistoryEntry, log *slog.Logger) (string, string) {
	if len(agent.Dispositions) == 0 {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	content := renderTaxonomy(agent.Dispositions) + "\nConversation:\n" +
		formatTranscript(lastTurns(transcript, dispositionWindow))

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: dispositionPrompt,
		Messages:     []types.Message{{Role: "user", Content: content}},
		Temperature:  classifyTemperature,
		MaxTokens:    classifyMaxTokens,
	})
	if err != nil || resp == nil {
		log.Warn("disposition classification failed", "error", err)
		a.metrics.RecordPipelineError(ctx, "analysis")
		return "", ""
	}

	title, sub := parseDispositionReply(resp.Content)
	matched, ok := matchDisposition(title, agent.Dispositions)
	if !ok {
		if !isNullish(title) {
			log.Warn("disposition not in taxonomy", "reported", title)
		}
		return "", ""
	}
	canonSub, ok := matchSub(sub, matched.Subs)
	if !ok && !isNullish(sub) {
		log.Warn("sub-disposition not in taxonomy", "reported", sub, "disposition", matched.Title)
	}
	return matched.Title, canonSub
}

// summarize produces the short call summary, or "" on failure.
func (a *Analyzer) summarize(ctx context.Context, transcript []types.HistoryEntry, log *slog.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []types.Message{{Role: "user", Content: formatTranscript(transcript)}},
		Temperature:  summaryTemperature,
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil || resp == nil {
		log.Warn("call summary failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// deliverMessage posts the info link to the caller. Exactly one attempt is
// made; only a delivered message charges the messaging credit.
func (a *Analyzer) deliverMessage(ctx context.Context, req Request, log *slog.Logger) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	receipt, err := a.msg.Send(ctx, req.Agent.MessagingURL, req.Call.Caller, req.Agent.MessagingLink)
	if err != nil {
		log.Warn("messaging dispatch failed", "error", err)
		a.metrics.RecordMessageDispatched(ctx, "failed")
		a.metrics.RecordPipelineError(ctx, "dispatch")
		return false, ""
	}
	a.metrics.RecordMessageDispatched(ctx, "sent")

	charge, err := a.ledger.UseCredits(ctx, req.Agent.ClientID, req.Call.StreamID,
		messagingCredits, billing.ReasonMessaging, map[string]any{
			"call_id": req.Call.CallID,
			"to":      receipt.To,
		})
	switch {
	case err != nil:
		log.Error("messaging credit charge failed", "error", err)
	case charge.Duplicate:
		log.Warn("messaging credit was already charged")
	}
	return true, receipt.To
}

// billCall charges the call time. The ledger is idempotent per stream, so a
// second teardown path cannot double-charge; a billing failure is logged and
// the record still finalizes.
func (a *Analyzer) billCall(ctx context.Context, req Request, duration time.Duration, res *Result, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	charge, err := a.ledger.BillCall(ctx, req.Agent.ClientID, req.Call.StreamID, duration, map[string]any{
		"call_id":       req.Call.CallID,
		"agent_id":      req.Agent.ID,
		"interruptions": req.Interruptions,
	})
	switch {
	case err != nil:
		log.Error("call billing failed", "error", err)
		a.metrics.RecordPipelineError(ctx, "analysis")
	case charge.Duplicate:
		log.Warn("call was already billed")
	default:
		res.Billed = true
		res.Balance = charge.Balance
	}
}

// embedSummary indexes the summary for similar-call search. Runs after
// finalize so an embedding failure cannot lose the classification.
func (a *Analyzer) embedSummary(ctx context.Context, id, summary string, log *slog.Logger) {
	if a.embed == nil || summary == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	vec, err := a.embed.Embed(ctx, summary)
	if err != nil {
		log.Warn("summary embedding failed", "error", err)
		a.metrics.RecordPipelineError(ctx, "analysis")
		return
	}
	if len(vec) == 0 {
		return
	}
	if err := a.calls.SetSummaryEmbedding(ctx, id, vec); err != nil {
		log.Warn("summary embedding save failed", "error", err)
	}
}
