// Package calllog persists call records: one row per PBX stream, created at
// call start, updated live while the call runs, and finalized exactly once at
// teardown with the analyzer's classification. Finalized summaries are
// embedded and indexed with pgvector so operators can pull up similar past
// calls for QA.
//
// Live updates go through [Batcher], which coalesces per-stream snapshots and
// flushes on a count or time threshold so a chatty call does not turn every
// committed turn into a database write.
package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/callways/trunkline/pkg/types"
)

// ErrNotFound is returned by lookups when no call record matches.
var ErrNotFound = errors.New("calllog: call not found")

// Schema returns the SQL DDL for the call_logs table. The embedding dimension
// is baked into the column type at schema creation time and must match the
// configured embedding model.
func Schema(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS call_logs (
    id                TEXT PRIMARY KEY,
    stream_id         TEXT NOT NULL UNIQUE,
    call_id           TEXT NOT NULL DEFAULT '',
    client_id         TEXT NOT NULL DEFAULT '',
    agent_id          TEXT NOT NULL DEFAULT '',
    agent_name        TEXT NOT NULL DEFAULT '',
    mobile            TEXT NOT NULL DEFAULT '',
    direction         TEXT NOT NULL DEFAULT 'inbound',
    started_at        TIMESTAMPTZ NOT NULL,
    transcript        JSONB NOT NULL DEFAULT '[]',
    duration_seconds  INTEGER NOT NULL DEFAULT 0,
    user_turns        INTEGER NOT NULL DEFAULT 0,
    agent_turns       INTEGER NOT NULL DEFAULT 0,
    interruptions     INTEGER NOT NULL DEFAULT 0,
    ended_at          TIMESTAMPTZ,
    lead_status       TEXT NOT NULL DEFAULT '',
    disposition       TEXT NOT NULL DEFAULT '',
    sub_disposition   TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    message_sent      BOOLEAN NOT NULL DEFAULT false,
    message_to        TEXT NOT NULL DEFAULT '',
    credits_used      NUMERIC(12,2) NOT NULL DEFAULT 0,
    finalized         BOOLEAN NOT NULL DEFAULT false,
    summary_embedding vector(%d),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_logs_client ON call_logs (client_id);
CREATE INDEX IF NOT EXISTS idx_call_logs_agent ON call_logs (agent_id);
CREATE INDEX IF NOT EXISTS idx_call_logs_started ON call_logs (started_at);
CREATE INDEX IF NOT EXISTS idx_call_logs_embedding
    ON call_logs USING hnsw (summary_embedding vector_cosine_ops);
`, embeddingDimensions)
}

// recordColumns is the SELECT column list shared by every read query.
const recordColumns = `id, stream_id, call_id, client_id, agent_id, agent_name,
       mobile, direction, started_at, transcript, duration_seconds,
       user_turns, agent_turns, interruptions, ended_at, lead_status,
       disposition, sub_disposition, summary, message_sent, message_to,
       credits_used, finalized, created_at, updated_at`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Record is one call's log row.
type Record struct {
	ID        string          `json:"id"`
	StreamID  string          `json:"stream_id"`
	CallID    string          `json:"call_id"`
	ClientID  string          `json:"client_id"`
	AgentID   string          `json:"agent_id"`
	AgentName string          `json:"agent_name"`
	Mobile    string          `json:"mobile"`
	Direction types.Direction `json:"direction"`
	StartedAt time.Time       `json:"started_at"`

	Transcript      []types.HistoryEntry `json:"transcript"`
	DurationSeconds int                  `json:"duration_seconds"`
	UserTurns       int                  `json:"user_turns"`
	AgentTurns      int                  `json:"agent_turns"`
	Interruptions   int                  `json:"interruptions"`

	EndedAt        time.Time        `json:"ended_at,omitzero"`
	LeadStatus     types.LeadStatus `json:"lead_status"`
	Disposition    string           `json:"disposition"`
	SubDisposition string           `json:"sub_disposition"`
	Summary        string           `json:"summary"`
	MessageSent    bool             `json:"message_sent"`
	MessageTo      string           `json:"message_to"`
	CreditsUsed    float64          `json:"credits_used"`
	Finalized      bool             `json:"finalized"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LiveUpdate is a mid-call snapshot written by the batcher. The transcript
// replaces the stored one; counters are absolute, not deltas.
type LiveUpdate struct {
	Transcript      []types.HistoryEntry
	DurationSeconds int
	UserTurns       int
	AgentTurns      int
	Interruptions   int
}

// Final carries the teardown snapshot plus the analyzer's classification.
type Final struct {
	EndedAt         time.Time
	DurationSeconds int
	Transcript      []types.HistoryEntry
	LeadStatus      types.LeadStatus
	Disposition     string
	SubDisposition  string
	Summary         string
	MessageSent     bool
	MessageTo       string
	CreditsUsed     float64
}

// Similar is one result of a similar-calls search.
type Similar struct {
	ID         string           `json:"id"`
	AgentID    string           `json:"agent_id"`
	Summary    string           `json:"summary"`
	LeadStatus types.LeadStatus `json:"lead_status"`
	StartedAt  time.Time        `json:"started_at"`
	Distance   float64          `json:"distance"`
}

// Store persists call records in PostgreSQL.
type Store struct {
	db DB
}

// NewStore creates a store using the given database connection or pool. The
// pool must have pgvector types registered (pgxvec.RegisterTypes in
// AfterConnect) for embedding columns to scan.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the schema DDL against the database.
func (s *Store) Migrate(ctx context.Context, embeddingDimensions int) error {
	_, err := s.db.Exec(ctx, Schema(embeddingDimensions))
	if err != nil {
		return fmt.Errorf("calllog: migrate: %w", err)
	}
	return nil
}

// CreateInitial inserts the call record at call start. A generated UUID is
// assigned when rec.ID is empty. Creating the same stream twice is a no-op;
// the first insert wins.
func (s *Store) CreateInitial(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StreamID == "" {
		return fmt.Errorf("calllog: create: stream id must not be empty")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	const query = `
		INSERT INTO call_logs (
			id, stream_id, call_id, client_id, agent_id, agent_name,
			mobile, direction, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (stream_id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.StreamID, rec.CallID, rec.ClientID, rec.AgentID, rec.AgentName,
		rec.Mobile, string(rec.Direction), rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("calllog: create %q: %w", rec.StreamID, err)
	}
	return nil
}

// UpdateLive writes a mid-call snapshot. Updates after finalize are dropped
// silently; the final record always wins over a late batch.
func (s *Store) UpdateLive(ctx context.Context, streamID string, up LiveUpdate) error {
	transcriptJSON, err := marshalTranscript(up.Transcript)
	if err != nil {
		return err
	}

	const query = `
		UPDATE call_logs SET
			transcript = $2,
			duration_seconds = $3,
			user_turns = $4,
			agent_turns = $5,
			interruptions = $6,
			updated_at = now()
		WHERE stream_id = $1 AND NOT finalized`

	_, err = s.db.Exec(ctx, query,
		streamID, transcriptJSON, up.DurationSeconds,
		up.UserTurns, up.AgentTurns, up.Interruptions,
	)
	if err != nil {
		return fmt.Errorf("calllog: update %q: %w", streamID, err)
	}
	return nil
}

// Finalize writes the teardown snapshot and marks the record finalized.
// Exactly one finalize applies per stream: the first call returns the record
// ID and true, later calls return false with no change.
func (s *Store) Finalize(ctx context.Context, streamID string, fin Final) (string, bool, error) {
	transcriptJSON, err := marshalTranscript(fin.Transcript)
	if err != nil {
		return "", false, err
	}

	const query = `
		UPDATE call_logs SET
			ended_at = $2,
			duration_seconds = $3,
			transcript = $4,
			lead_status = $5,
			disposition = $6,
			sub_disposition = $7,
			summary = $8,
			message_sent = $9,
			message_to = $10,
			credits_used = $11,
			finalized = true,
			updated_at = now()
		WHERE stream_id = $1 AND NOT finalized
		RETURNING id`

	var id string
	err = s.db.QueryRow(ctx, query,
		streamID, fin.EndedAt, fin.DurationSeconds, transcriptJSON,
		string(fin.LeadStatus), fin.Disposition, fin.SubDisposition, fin.Summary,
		fin.MessageSent, fin.MessageTo, fin.CreditsUsed,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("calllog: finalize %q: %w", streamID, err)
	}
	return id, true, nil
}

// SetSummaryEmbedding stores the summary embedding for similar-call search.
// Kept separate from Finalize so an embedding failure cannot lose the
// classification.
func (s *Store) SetSummaryEmbedding(ctx context.Context, id string, embedding []float32) error {
	const query = `UPDATE call_logs SET summary_embedding = $2, updated_at = now() WHERE id = $1`

	_, err := s.db.Exec(ctx, query, id, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("calllog: set embedding %q: %w", id, err)
	}
	return nil
}

// Get retrieves a call record by ID. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM call_logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("calllog: get %q: %w", id, err)
	}
	return rec, nil
}

// GetByStream retrieves a call record by its PBX stream ID.
func (s *Store) GetByStream(ctx context.Context, streamID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM call_logs WHERE stream_id = $1`, streamID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("calllog: get stream %q: %w", streamID, err)
	}
	return rec, nil
}

// SimilarCalls finds the k finalized calls whose summary embeddings are
// closest (cosine distance) to the given call's. Returns [ErrNotFound] when
// the call does not exist and an empty slice when it has no embedding yet.
func (s *Store) SimilarCalls(ctx context.Context, id string, k int) ([]Similar, error) {
	var target *pgvector.Vector
	err := s.db.QueryRow(ctx, `SELECT summary_embedding FROM call_logs WHERE id = $1`, id).Scan(&target)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("calllog: similar %q: %w", id, err)
	}
	if target == nil {
		return []Similar{}, nil
	}

	const query = `
		SELECT id, agent_id, summary, lead_status, started_at,
		       summary_embedding <=> $1 AS distance
		FROM call_logs
		WHERE id <> $2 AND finalized AND summary_embedding IS NOT NULL
		ORDER BY distance
		LIMIT $3`

	rows, err := s.db.Query(ctx, query, *target, id, k)
	if err != nil {
		return nil, fmt.Errorf("calllog: similar %q: %w", id, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Similar, error) {
		var sim Similar
		var status string
		if err := row.Scan(&sim.ID, &sim.AgentID, &sim.Summary, &status, &sim.StartedAt, &sim.Distance); err != nil {
			return Similar{}, err
		}
		sim.LeadStatus = types.LeadStatus(status)
		return sim, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: similar %q: scan: %w", id, err)
	}
	if results == nil {
		results = []Similar{}
	}
	return results, nil
}

// scanRecord reads one call_logs row.
func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var direction, leadStatus string
	var transcriptJSON []byte
	var endedAt *time.Time

	err := row.Scan(
		&rec.ID, &rec.StreamID, &rec.CallID, &rec.ClientID, &rec.AgentID, &rec.AgentName,
		&rec.Mobile, &direction, &rec.StartedAt, &transcriptJSON, &rec.DurationSeconds,
		&rec.UserTurns, &rec.AgentTurns, &rec.Interruptions, &endedAt, &leadStatus,
		&rec.Disposition, &rec.SubDisposition, &rec.Summary, &rec.MessageSent, &rec.MessageTo,
		&rec.CreditsUsed, &rec.Finalized, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Direction = types.Direction(direction)
	rec.LeadStatus = types.LeadStatus(leadStatus)
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	if err := json.Unmarshal(transcriptJSON, &rec.Transcript); err != nil {
		return nil, fmt.Errorf("calllog: unmarshal transcript: %w", err)
	}
	return &rec, nil
}

// marshalTranscript serialises history entries for the JSONB column,
// producing "[]" rather than "null" for empty transcripts.
func marshalTranscript(entries []types.HistoryEntry) ([]byte, error) {
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("calllog: marshal transcript: %w", err)
	}
	return data, nil
}
