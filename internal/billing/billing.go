// Package billing maintains per-client credit accounts for call time and
// messaging. Calls are charged at teardown (duration seconds divided by the
// configured seconds-per-credit, as a decimal), messages at one credit per
// send. A positive balance gates call start.
//
// Charges are idempotent per stream and reason: an in-process set
// short-circuits the common duplicate (the PBX stop event and the socket
// close both reaching teardown), and a partial unique index on
// (stream_id, reason) makes retries safe across processes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ReasonCall and ReasonMessaging label ledger transactions.
const (
	ReasonCall      = "call"
	ReasonMessaging = "messaging"
)

// ErrInsufficientCredits is returned by EnsureBalance when the client's
// balance is not positive. Callers should reject the call before opening any
// vendor session.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// Schema is the SQL DDL for the billing tables. Execute it via
// [Ledger.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
    client_id  TEXT PRIMARY KEY,
    balance    NUMERIC(12,2) NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS credit_transactions (
    id         BIGSERIAL PRIMARY KEY,
    client_id  TEXT NOT NULL,
    stream_id  TEXT NOT NULL DEFAULT '',
    amount     NUMERIC(12,2) NOT NULL,
    reason     TEXT NOT NULL,
    meta       JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_stream
    ON credit_transactions(stream_id, reason) WHERE stream_id <> '';
CREATE INDEX IF NOT EXISTS idx_credit_tx_client ON credit_transactions(client_id);
`

// chargeQuery inserts a transaction and applies it to the account balance in
// one statement. The ON CONFLICT clause drops duplicate charges for the same
// stream and reason; the update then matches no rows, which callers observe
// as pgx.ErrNoRows.
const chargeQuery = `
WITH tx AS (
    INSERT INTO credit_transactions (client_id, stream_id, amount, reason, meta)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (stream_id, reason) WHERE stream_id <> '' DO NOTHING
    RETURNING client_id, amount
)
UPDATE credit_accounts a
SET balance = a.balance + tx.amount, updated_at = now()
FROM tx
WHERE a.client_id = tx.client_id
RETURNING a.balance`

// DB is the database interface used by [Ledger]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Account is one client's credit account.
type Account struct {
	ClientID  string    `json:"client_id"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Charge reports the outcome of a ledger charge.
type Charge struct {
	// Credits is the number of credits deducted by this charge.
	Credits float64

	// Balance is the account balance after the charge. Zero when Duplicate.
	Balance float64

	// Duplicate is true when the stream was already billed for this reason
	// and no deduction happened.
	Duplicate bool
}

// Ledger is a Postgres-backed credit ledger.
type Ledger struct {
	db               DB
	secondsPerCredit int

	mu     sync.Mutex
	billed map[string]bool // streamID+"/"+reason -> charged in this process
}

// Option configures a [Ledger].
type Option func(*Ledger)

// WithSecondsPerCredit sets how many call seconds one credit buys.
// Defaults to 30.
func WithSecondsPerCredit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.secondsPerCredit = n
		}
	}
}

// NewLedger creates a ledger using the given database connection or pool.
func NewLedger(db DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:               db,
		secondsPerCredit: 30,
		billed:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Migrate executes the [Schema] DDL against the database.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("billing: migrate: %w", err)
	}
	return nil
}

// GetOrCreate returns the client's account, creating an empty one if none
// exists yet.
func (l *Ledger) GetOrCreate(ctx context.Context, clientID string) (*Account, error) {
	const query = `
		INSERT INTO credit_accounts (client_id) VALUES ($1)
		ON CONFLICT (client_id) DO UPDATE SET client_id = EXCLUDED.client_id
		RETURNING client_id, balance, created_at, updated_at`

	var acc Account
	err := l.db.QueryRow(ctx, query, clientID).Scan(
		&acc.ClientID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("billing: get or create account %q: %w", clientID, err)
	}
	return &acc, nil
}

// Balance returns the client's current balance. A missing account reads as
// zero.
func (l *Ledger) Balance(ctx context.Context, clientID string) (float64, error) {
	const query = `SELECT balance FROM credit_accounts WHERE client_id = $1`

	var balance float64
	err := l.db.QueryRow(ctx, query, clientID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("billing: balance %q: %w", clientID, err)
	}
	return balance, nil
}

// EnsureBalance checks that the client can start a call. It returns
// [ErrInsufficientCredits] when the balance is not positive or the account
// does not exist.
func (l *Ledger) EnsureBalance(ctx context.Context, clientID string) error {
	balance, err := l.Balance(ctx, clientID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return fmt.Errorf("%w: client %q balance %.2f", ErrInsufficientCredits, clientID, balance)
	}
	return nil
}

// AddCredits tops up the client's account and records a transaction. The
// account is created if it does not exist. Returns the new balance.
func (l *Ledger) AddCredits(ctx context.Context, clientID string, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("billing: top-up amount must be positive, got %.2f", amount)
	}
	if _, err := l.GetOrCreate(ctx, clientID); err != nil {
		return 0, err
	}

	var balance float64
	err := l.db.QueryRow(ctx, chargeQuery, clientID, "", amount, reason, []byte(`{}`)).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("billing: add credits %q: %w", clientID, err)
	}
	return balance, nil
}

// ensureAccount creates the account row if missing, so chargeQuery's update
// always has a row to hit and ErrNoRows unambiguously means a duplicate.
func (l *Ledger) ensureAccount(ctx context.Context, clientID string) error {
	const query = `
		INSERT INTO credit_accounts (client_id) VALUES ($1)
		ON CONFLICT (client_id) DO NOTHING`
	if _, err := l.db.Exec(ctx, query, clientID); err != nil {
		return fmt.Errorf("billing: ensure account %q: %w", clientID, err)
	}
	return nil
}

// CallCredits converts a call duration into credits: whole seconds divided
// by seconds-per-credit, rounded to two decimals.
func (l *Ledger) CallCredits(duration time.Duration) float64 {
	seconds := int(duration.Round(time.Second).Seconds())
	if seconds <= 0 {
		return 0
	}
	credits := float64(seconds) / float64(l.secondsPerCredit)
	return math.Round(credits*100) / 100
}

// BillCall charges the client for a finished call. Safe to call more than
// once per stream; only the first call deducts.
func (l *Ledger) BillCall(ctx context.Context, clientID, streamID string, duration time.Duration, meta map[string]any) (Charge, error) {
	return l.charge(ctx, clientID, streamID, l.CallCredits(duration), ReasonCall, meta)
}

// UseCredits deducts a fixed credit amount (for example one credit per
// dispatched message). Idempotent per stream and reason when streamID is
// non-empty.
func (l *Ledger) UseCredits(ctx context.Context, clientID, streamID string, amount float64, reason string, meta map[string]any) (Charge, error) {
	return l.charge(ctx, clientID, streamID, amount, reason, meta)
}

// Forget clears the in-process billed marks for a stream. Call after the
// stream is fully torn down; the database index still prevents rebilling.
func (l *Ledger) Forget(streamID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.billed, streamID+"/"+ReasonCall)
	delete(l.billed, streamID+"/"+ReasonMessaging)
}

func (l *Ledger) charge(ctx context.Context, clientID, streamID string, credits float64, reason string, meta map[string]any) (Charge, error) {
	key := streamID + "/" + reason
	if streamID != "" {
		l.mu.Lock()
		already := l.billed[key]
		if !already {
			l.billed[key] = true
		}
		l.mu.Unlock()
		if already {
			return Charge{Duplicate: true}, nil
		}
	}

	charge, err := l.chargeDB(ctx, clientID, streamID, credits, reason, meta)
	if err != nil && streamID != "" {
		// The deduction did not happen; allow the other teardown path to
		// retry it.
		l.mu.Lock()
		delete(l.billed, key)
		l.mu.Unlock()
	}
	return charge, err
}

func (l *Ledger) chargeDB(ctx context.Context, clientID, streamID string, credits float64, reason string, meta map[string]any) (Charge, error) {
	if err := l.ensureAccount(ctx, clientID); err != nil {
		return Charge{}, err
	}

	if credits <= 0 {
		balance, err := l.Balance(ctx, clientID)
		if err != nil {
			return Charge{}, err
		}
		return Charge{Credits: 0, Balance: balance}, nil
	}

	metaJSON, err := json.Marshal(emptyMap(meta))
	if err != nil {
		return Charge{}, fmt.Errorf("billing: marshal meta: %w", err)
	}

	var balance float64
	err = l.db.QueryRow(ctx, chargeQuery, clientID, streamID, -credits, reason, metaJSON).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another process already recorded this charge.
			return Charge{Duplicate: true}, nil
		}
		return Charge{}, fmt.Errorf("billing: charge %q %s: %w", clientID, reason, err)
	}
	return Charge{Credits: credits, Balance: balance}, nil
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
