// Package notify posts ops notifications to Discord: one outcome embed per
// analyzed call, plus a low-balance alert when a call's billing drops the
// client under the configured threshold. Sends are fire-and-forget; call
// teardown never waits on the Discord API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/analysis"
	"github.com/callways/trunkline/pkg/types"
)

// Embed sidebar colors by outcome.
const (
	colorGreen  = 0x2ECC71
	colorYellow = 0xF1C40F
	colorRed    = 0xE74C3C
)

// embedSender is the slice of the Discord API the notifier uses.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ embedSender = (*discordgo.Session)(nil)

// Config identifies the Discord bot and channel and tunes the alerts.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// ChannelID is the channel that receives notifications.
	ChannelID string

	// LowBalanceThreshold triggers the alert embed when a billed call
	// leaves the client balance below it. Zero disables the alert.
	LowBalanceThreshold float64

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Notifier owns the Discord session used for ops notifications. A nil
// Notifier is valid and does nothing, so callers can wire the hook
// unconditionally.
type Notifier struct {
	sender    embedSender
	session   *discordgo.Session // nil when a sender was injected
	channelID string
	threshold float64
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New connects to Discord and returns a notifier posting to cfg.ChannelID.
func New(cfg Config) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChannelID == "" {
		return nil, errors.New("notify: discord token and channel id are required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("notify: open discord session: %w", err)
	}

	n := newWithSender(session, cfg)
	n.session = session
	return n, nil
}

func newWithSender(sender embedSender, cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:    sender,
		channelID: cfg.ChannelID,
		threshold: cfg.LowBalanceThreshold,
		logger:    logger,
	}
}

// CallAnalyzed posts the outcome embed for one finished call, followed by a
// low-balance alert when the call's charge crossed the threshold. It returns
// immediately; the sends run on their own goroutine in order.
//
// The context is intentionally unused: it belongs to the call's teardown and
// is cancelled right after the hook returns.
func (n *Notifier) CallAnalyzed(_ context.Context, call types.CallInfo, agent *agentdir.Agent, res *analysis.Result) {
	if n == nil || res == nil {
		return
	}

	embeds := []*discordgo.MessageEmbed{callEmbed(call, agent, res)}
	if n.threshold > 0 && res.Billed && res.Balance < n.threshold {
		embeds = append(embeds, lowBalanceEmbed(agent, res, n.threshold))
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, e := range embeds {
			if _, err := n.sender.ChannelMessageSendEmbed(n.channelID, e); err != nil {
				n.logger.Warn("discord notification failed", "title", e.Title, "error", err)
			}
		}
	}()
}

// Close waits for in-flight sends, bounded by ctx, and closes the Discord
// session.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("closing with notifications still in flight")
	}

	if n.session != nil {
		if err := n.session.Close(); err != nil {
			return fmt.Errorf("notify: close discord session: %w", err)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------

// callEmbed renders the outcome of one analyzed call.
func callEmbed(call types.CallInfo, agent *agentdir.Agent, res *analysis.Result) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Agent", Value: agent.Name, Inline: true},
		{Name: "Caller", Value: valueOr(call.Caller, "unknown"), Inline: true},
		{Name: "Direction", Value: string(call.Direction), Inline: true},
		{Name: "Lead", Value: string(res.LeadStatus), Inline: true},
		{Name: "Disposition", Value: dispositionValue(res), Inline: true},
		{Name: "Duration", Value: formatDuration(res.Duration), Inline: true},
		{Name: "Credits", Value: fmt.Sprintf("%.2f", res.CreditsUsed), Inline: true},
	}
	if res.MessageSent {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Info message",
			Value:  "sent to " + res.MessageTo,
			Inline: true,
		})
	}

	return &discordgo.MessageEmbed{
		Title:       "Call analyzed",
		Description: res.Summary,
		Color:       leadColor(res.LeadStatus),
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "stream " + call.StreamID},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// lowBalanceEmbed renders the alert for a client whose balance dropped
// under the threshold.
func lowBalanceEmbed(agent *agentdir.Agent, res *analysis.Result, threshold float64) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Low credit balance",
		Description: fmt.Sprintf("Client %s dropped below the alert threshold.", agent.ClientID),
		Color:       colorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Client", Value: agent.ClientID, Inline: true},
			{Name: "Balance", Value: fmt.Sprintf("%.2f", res.Balance), Inline: true},
			{Name: "Threshold", Value: fmt.Sprintf("%.2f", threshold), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// leadColor picks the embed sidebar color for a lead status: green for
// outcomes worth following up, red for calls that never connected, yellow
// otherwise.
func leadColor(s types.LeadStatus) int {
	switch s {
	case types.LeadVVI, types.LeadEnrolled, types.LeadEnrolledOther,
		types.LeadHotFollowup, types.LeadSchedule:
		return colorGreen
	case types.LeadNotConnected:
		return colorRed
	default:
		return colorYellow
	}
}

func dispositionValue(res *analysis.Result) string {
	switch {
	case res.Disposition == "":
		return "none"
	case res.SubDisposition == "":
		return res.Disposition
	default:
		return res.Disposition + " / " + res.SubDisposition
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// formatDuration renders a duration as "Xh Ym Zs", dropping leading zero
// units.
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
