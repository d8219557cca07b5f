// Package dispatch posts follow-up messages to an agent's messaging
// endpoint. The analyzer invokes it after a call when messaging intent was
// detected; exactly one attempt is made per call so a slow endpoint can
// never double-send.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// ErrBadNumber is returned when a recipient number cannot be normalized to
// the 12-digit 91-prefixed form the messaging endpoint expects.
var ErrBadNumber = errors.New("dispatch: unusable recipient number")

// Message is the JSON body posted to the messaging endpoint.
type Message struct {
	To   string `json:"to"`
	Link string `json:"link"`
}

// Receipt records one dispatch attempt.
type Receipt struct {
	ID         string    // request id, sent as X-Request-ID
	To         string    // normalized recipient
	StatusCode int       // endpoint response status, 0 if the request never completed
	SentAt     time.Time
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// Client sends messages to per-agent messaging endpoints. Safe for
// concurrent use across calls.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a messaging client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send posts {to, link} to the endpoint and returns a receipt. The recipient
// is normalized first; any 2xx response counts as delivered. Exactly one
// attempt is made: a failure returns an error and the caller must not retry
// into a possible double-send.
func (c *Client) Send(ctx context.Context, endpoint, to, link string) (*Receipt, error) {
	if endpoint == "" {
		return nil, errors.New("dispatch: endpoint must not be empty")
	}
	recipient, err := NormalizeNumber(to)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(Message{To: recipient, Link: link})
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal message: %w", err)
	}

	receipt := &Receipt{
		ID:     uuid.NewString(),
		To:     recipient,
		SentAt: time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", receipt.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	receipt.StatusCode = resp.StatusCode
	if resp.StatusCode/100 != 2 {
		return receipt, fmt.Errorf("dispatch: POST %s returned status %d", endpoint, resp.StatusCode)
	}
	return receipt, nil
}

// NormalizeNumber converts a caller number to the 12-digit 91-prefixed form.
// Ten-digit subscriber numbers get the 91 country prefix; numbers already in
// the 12-digit 91 form pass through. Formatting characters and a leading +
// are stripped first.
func NormalizeNumber(number string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)

	switch {
	case len(digits) == 10:
		return "91" + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadNumber, number)
	}
}
