package agentdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/callways/trunkline/pkg/types"
)

// Schema is the SQL DDL for the agents table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                TEXT PRIMARY KEY,
    client_id         TEXT NOT NULL DEFAULT '',
    name              TEXT NOT NULL,
    calling_numbers   JSONB NOT NULL DEFAULT '[]',
    system_prompt     TEXT NOT NULL DEFAULT '',
    first_message     TEXT NOT NULL DEFAULT '',
    language          TEXT NOT NULL DEFAULT 'en',
    voice_id          TEXT NOT NULL DEFAULT '',
    asr_provider      TEXT NOT NULL DEFAULT '',
    llm_provider      TEXT NOT NULL DEFAULT '',
    tts_provider      TEXT NOT NULL DEFAULT '',
    messaging_enabled BOOLEAN NOT NULL DEFAULT false,
    messaging_url     TEXT NOT NULL DEFAULT '',
    messaging_link    TEXT NOT NULL DEFAULT '',
    dispositions      JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agents_client ON agents(client_id);
CREATE INDEX IF NOT EXISTS idx_agents_numbers ON agents USING GIN (calling_numbers);
`

// agentColumns is the SELECT column list shared by every read query.
const agentColumns = `id, client_id, name, calling_numbers, system_prompt,
       first_message, language, voice_id, asr_provider, llm_provider,
       tts_provider, messaging_enabled, messaging_url, messaging_link,
       dispositions, created_at, updated_at`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Directory] backed by a PostgreSQL database.
// It serialises calling numbers and the disposition taxonomy as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Directory = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling [PostgresStore.Migrate]
// to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// agents table and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("agentdir: migrate: %w", err)
	}
	return nil
}

// Lookup implements [Directory]. It probes in priority order: exact match on
// the dialed number, exact match on the caller, then last-10-digits matches.
func (s *PostgresStore) Lookup(ctx context.Context, dialed, caller string) (*Agent, error) {
	const exactCond = `calling_numbers @> to_jsonb($1::text)`
	const suffixCond = `EXISTS (
		SELECT 1 FROM jsonb_array_elements_text(calling_numbers) AS n
		WHERE right(regexp_replace(n, '\D', '', 'g'), 10) = $1
	)`

	type probe struct {
		cond string
		arg  string
	}
	probes := []probe{
		{exactCond, dialed},
		{exactCond, caller},
		{suffixCond, lastDigits(dialed, 10)},
		{suffixCond, lastDigits(caller, 10)},
	}

	for _, p := range probes {
		if p.arg == "" {
			continue
		}
		agent, err := s.findOne(ctx, p.cond, p.arg)
		if err != nil {
			return nil, err
		}
		if agent != nil {
			return agent, nil
		}
	}
	return nil, fmt.Errorf("%w: dialed %q caller %q", ErrNoMatchingAgent, dialed, caller)
}

// findOne runs a single-row lookup with the given WHERE condition. Returns
// (nil, nil) when no row matches.
func (s *PostgresStore) findOne(ctx context.Context, cond, arg string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + cond + ` ORDER BY id LIMIT 1`

	agent, err := scanAgent(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentdir: lookup: %w", err)
	}
	return agent, nil
}

// Get retrieves an agent by ID. It returns (nil, nil) if no agent with the
// given ID exists.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	agent, err := scanAgent(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentdir: get %q: %w", id, err)
	}
	return agent, nil
}

// Create inserts a new agent. It validates the agent and returns an error if
// an agent with the same ID already exists.
func (s *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	numbersJSON, dispJSON, err := marshalFields(agent)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO agents (
			id, client_id, name, calling_numbers, system_prompt,
			first_message, language, voice_id, asr_provider, llm_provider,
			tts_provider, messaging_enabled, messaging_url, messaging_link,
			dispositions
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		agent.ID, agent.ClientID, agent.Name, numbersJSON, agent.SystemPrompt,
		agent.FirstMessage, agent.LanguageOrDefault(), agent.VoiceID, agent.ASRProvider, agent.LLMProvider,
		agent.TTSProvider, agent.MessagingEnabled, agent.MessagingURL, agent.MessagingLink,
		dispJSON,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("agentdir: agent with id %q already exists", agent.ID)
		}
		return fmt.Errorf("agentdir: create: %w", err)
	}
	return nil
}

// Upsert creates or replaces an agent. This is useful for importing agents
// from YAML files. The agent is validated before persistence.
func (s *PostgresStore) Upsert(ctx context.Context, agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	numbersJSON, dispJSON, err := marshalFields(agent)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO agents (
			id, client_id, name, calling_numbers, system_prompt,
			first_message, language, voice_id, asr_provider, llm_provider,
			tts_provider, messaging_enabled, messaging_url, messaging_link,
			dispositions
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			name = EXCLUDED.name,
			calling_numbers = EXCLUDED.calling_numbers,
			system_prompt = EXCLUDED.system_prompt,
			first_message = EXCLUDED.first_message,
			language = EXCLUDED.language,
			voice_id = EXCLUDED.voice_id,
			asr_provider = EXCLUDED.asr_provider,
			llm_provider = EXCLUDED.llm_provider,
			tts_provider = EXCLUDED.tts_provider,
			messaging_enabled = EXCLUDED.messaging_enabled,
			messaging_url = EXCLUDED.messaging_url,
			messaging_link = EXCLUDED.messaging_link,
			dispositions = EXCLUDED.dispositions,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		agent.ID, agent.ClientID, agent.Name, numbersJSON, agent.SystemPrompt,
		agent.FirstMessage, agent.LanguageOrDefault(), agent.VoiceID, agent.ASRProvider, agent.LLMProvider,
		agent.TTSProvider, agent.MessagingEnabled, agent.MessagingURL, agent.MessagingLink,
		dispJSON,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agentdir: upsert: %w", err)
	}
	return nil
}

// Delete removes an agent by ID. Deleting a non-existent agent is not an
// error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM agents WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("agentdir: delete %q: %w", id, err)
	}
	return nil
}

// List returns all agents, optionally filtered by client ID. An empty
// clientID returns all agents.
func (s *PostgresStore) List(ctx context.Context, clientID string) ([]Agent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if clientID == "" {
		rows, err = s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE client_id = $1 ORDER BY name`, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("agentdir: list: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("agentdir: list scan: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentdir: list: %w", err)
	}
	return agents, nil
}

// scanAgent reads one agent row, deserialising the JSONB columns.
func scanAgent(row pgx.Row) (*Agent, error) {
	var agent Agent
	var numbersJSON, dispJSON []byte

	err := row.Scan(
		&agent.ID, &agent.ClientID, &agent.Name, &numbersJSON, &agent.SystemPrompt,
		&agent.FirstMessage, &agent.Language, &agent.VoiceID, &agent.ASRProvider, &agent.LLMProvider,
		&agent.TTSProvider, &agent.MessagingEnabled, &agent.MessagingURL, &agent.MessagingLink,
		&dispJSON, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(numbersJSON, &agent.CallingNumbers); err != nil {
		return nil, fmt.Errorf("agentdir: unmarshal calling_numbers: %w", err)
	}
	if err := json.Unmarshal(dispJSON, &agent.Dispositions); err != nil {
		return nil, fmt.Errorf("agentdir: unmarshal dispositions: %w", err)
	}
	return &agent, nil
}

// marshalFields serialises the JSONB columns of agent.
func marshalFields(agent *Agent) (numbersJSON, dispJSON []byte, err error) {
	numbersJSON, err = json.Marshal(emptySlice(agent.CallingNumbers))
	if err != nil {
		return nil, nil, fmt.Errorf("agentdir: marshal calling_numbers: %w", err)
	}
	dispJSON, err = json.Marshal(emptyDispositions(agent.Dispositions))
	if err != nil {
		return nil, nil, fmt.Errorf("agentdir: marshal dispositions: %w", err)
	}
	return numbersJSON, dispJSON, nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// emptyDispositions mirrors emptySlice for the taxonomy column.
func emptyDispositions(d []types.Disposition) []types.Disposition {
	if d == nil {
		return []types.Disposition{}
	}
	return d
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
