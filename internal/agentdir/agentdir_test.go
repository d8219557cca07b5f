package agentdir

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Validate tests
// ---------------------------------------------------------------------------

func TestAgent_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		agent   Agent
		wantErr []string // substrings that must appear in the error
	}{
		{
			name: "valid minimal",
			agent: Agent{
				Name:           "Clinic Desk",
				CallingNumbers: []string{"+15550100"},
			},
		},
		{
			name: "valid full",
			agent: Agent{
				ID:               "clinic-desk",
				ClientID:         "client-1",
				Name:             "Clinic Desk",
				CallingNumbers:   []string{"+15550100", "+15550101"},
				SystemPrompt:     "You are a receptionist.",
				FirstMessage:     "Hello {name}!",
				Language:         "en-IN",
				VoiceID:          "voice-1",
				MessagingEnabled: true,
				MessagingURL:     "https://hooks.example.com/send",
				MessagingLink:    "https://clinic.example.com/brochure",
			},
		},
		{
			name:    "empty name",
			agent:   Agent{CallingNumbers: []string{"+15550100"}},
			wantErr: []string{"name must not be empty"},
		},
		{
			name:    "no calling numbers",
			agent:   Agent{Name: "Agent"},
			wantErr: []string{"has no calling_numbers"},
		},
		{
			name: "empty calling number entry",
			agent: Agent{
				Name:           "Agent",
				CallingNumbers: []string{"+15550100", ""},
			},
			wantErr: []string{"empty calling number"},
		},
		{
			name: "messaging enabled without url",
			agent: Agent{
				Name:             "Agent",
				CallingNumbers:   []string{"+15550100"},
				MessagingEnabled: true,
			},
			wantErr: []string{"messaging enabled but no messaging_url"},
		},
		{
			name:  "multiple errors",
			agent: Agent{MessagingEnabled: true},
			wantErr: []string{
				"name must not be empty",
				"has no calling_numbers",
				"messaging enabled but no messaging_url",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.agent.Validate()

			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}

			errStr := err.Error()
			for _, want := range tt.wantErr {
				if !strings.Contains(errStr, want) {
					t.Errorf("Validate() error = %q, want substring %q", errStr, want)
				}
			}
		})
	}
}

func TestLanguageOrDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		language string
		want     string
	}{
		{"", "en"},
		{"en", "en"},
		{"hi-IN", "hi-IN"},
	}
	for _, tt := range tests {
		agent := Agent{Language: tt.language}
		if got := agent.LanguageOrDefault(); got != tt.want {
			t.Errorf("LanguageOrDefault() with %q = %q, want %q", tt.language, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Number matching
// ---------------------------------------------------------------------------

func TestLastDigits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		number string
		n      int
		want   string
	}{
		{"+919876543210", 10, "9876543210"},
		{"919876543210", 10, "9876543210"},
		{"9876543210", 10, "9876543210"},
		{"+91 98765 43210", 10, "9876543210"},
		{"98765-43210", 10, "9876543210"},
		{"+1 (555) 010-0199", 10, "5550100199"},
		{"12345", 10, "12345"},
		{"", 10, ""},
		{"ext-none", 10, ""},
	}
	for _, tt := range tests {
		if got := lastDigits(tt.number, tt.n); got != tt.want {
			t.Errorf("lastDigits(%q, %d) = %q, want %q", tt.number, tt.n, got, tt.want)
		}
	}
}

func TestMatch_Priority(t *testing.T) {
	t.Parallel()

	agents := []Agent{
		{ID: "exact-dialed", CallingNumbers: []string{"+15550100"}},
		{ID: "exact-caller", CallingNumbers: []string{"+15550200"}},
		{ID: "suffix-dialed", CallingNumbers: []string{"91 98765 43210"}},
		{ID: "suffix-caller", CallingNumbers: []string{"91 91234 56789"}},
	}

	tests := []struct {
		name   string
		dialed string
		caller string
		want   string // agent ID, "" for no match
	}{
		{
			name:   "exact dialed wins over exact caller",
			dialed: "+15550100",
			caller: "+15550200",
			want:   "exact-dialed",
		},
		{
			name:   "exact caller when dialed unknown",
			dialed: "+15559999",
			caller: "+15550200",
			want:   "exact-caller",
		},
		{
			name:   "exact caller beats suffix dialed",
			dialed: "+919876543210",
			caller: "+15550200",
			want:   "exact-caller",
		},
		{
			name:   "suffix match on dialed ignores formatting",
			dialed: "+919876543210",
			caller: "",
			want:   "suffix-dialed",
		},
		{
			name:   "suffix match on caller as last resort",
			dialed: "+15559999",
			caller: "919123456789",
			want:   "suffix-caller",
		},
		{
			name:   "no match",
			dialed: "+15559999",
			caller: "+15558888",
			want:   "",
		},
		{
			name:   "both empty",
			dialed: "",
			caller: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := match(agents, tt.dialed, tt.caller)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("match() = %q, want nil", got.ID)
				}
				return
			}
			if got == nil {
				t.Fatalf("match() = nil, want %q", tt.want)
			}
			if got.ID != tt.want {
				t.Errorf("match() = %q, want %q", got.ID, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

// staticDirectory is a Directory stub returning a fixed result.
type staticDirectory struct {
	agent *Agent
	err   error
	calls int
}

func (d *staticDirectory) Lookup(_ context.Context, _, _ string) (*Agent, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.agent, nil
}

func TestChain_Lookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("first member hit short-circuits", func(t *testing.T) {
		t.Parallel()

		first := &staticDirectory{agent: &Agent{ID: "from-db"}}
		second := &staticDirectory{agent: &Agent{ID: "from-file"}}
		chain := Chain{first, second}

		agent, err := chain.Lookup(ctx, "+15550100", "")
		if err != nil {
			t.Fatalf("Lookup() unexpected error: %v", err)
		}
		if agent.ID != "from-db" {
			t.Errorf("Lookup() = %q, want 'from-db'", agent.ID)
		}
		if second.calls != 0 {
			t.Errorf("second directory called %d times, want 0", second.calls)
		}
	})

	t.Run("falls through on no match", func(t *testing.T) {
		t.Parallel()

		first := &staticDirectory{err: ErrNoMatchingAgent}
		second := &staticDirectory{agent: &Agent{ID: "from-file"}}
		chain := Chain{first, second}

		agent, err := chain.Lookup(ctx, "+15550100", "")
		if err != nil {
			t.Fatalf("Lookup() unexpected error: %v", err)
		}
		if agent.ID != "from-file" {
			t.Errorf("Lookup() = %q, want 'from-file'", agent.ID)
		}
	})

	t.Run("real error aborts the chain", func(t *testing.T) {
		t.Parallel()

		dbErr := errors.New("connection refused")
		first := &staticDirectory{err: dbErr}
		second := &staticDirectory{agent: &Agent{ID: "from-file"}}
		chain := Chain{first, second}

		_, err := chain.Lookup(ctx, "+15550100", "")
		if !errors.Is(err, dbErr) {
			t.Fatalf("Lookup() error = %v, want %v", err, dbErr)
		}
		if second.calls != 0 {
			t.Errorf("second directory called %d times after error, want 0", second.calls)
		}
	})

	t.Run("all members miss", func(t *testing.T) {
		t.Parallel()

		chain := Chain{
			&staticDirectory{err: ErrNoMatchingAgent},
			&staticDirectory{err: ErrNoMatchingAgent},
		}

		_, err := chain.Lookup(ctx, "+15550100", "+15550200")
		if !errors.Is(err, ErrNoMatchingAgent) {
			t.Fatalf("Lookup() error = %v, want ErrNoMatchingAgent", err)
		}
		if !strings.Contains(err.Error(), "+15550100") {
			t.Errorf("error %q should mention the dialed number", err.Error())
		}
	})

	t.Run("empty chain", func(t *testing.T) {
		t.Parallel()

		_, err := Chain{}.Lookup(ctx, "+15550100", "")
		if !errors.Is(err, ErrNoMatchingAgent) {
			t.Fatalf("Lookup() error = %v, want ErrNoMatchingAgent", err)
		}
	})
}
