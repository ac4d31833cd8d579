package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
)

const dbTimeout = 5 * time.Second

// PostgresSchema creates the attempt tables. Responses live in their own
// table so that the (attempt_id, item_id) uniqueness is enforced by the
// database as well as by the state machine.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS cat_attempts (
  id                 UUID PRIMARY KEY,
  subject_id         TEXT NOT NULL,
  item_pool_id       TEXT NOT NULL,
  status             TEXT NOT NULL,
  config             JSONB NOT NULL,
  current_estimate   JSONB NOT NULL,
  current_item_id    TEXT,
  termination_reason TEXT,
  result             JSONB,
  version            INTEGER NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL,
  started_at         TIMESTAMPTZ,
  completed_at       TIMESTAMPTZ,
  expires_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_cat_attempts_subject ON cat_attempts (subject_id, created_at);

CREATE TABLE IF NOT EXISTS cat_responses (
  attempt_id   UUID NOT NULL REFERENCES cat_attempts(id) ON DELETE CASCADE,
  seq          INTEGER NOT NULL,
  item_id      TEXT NOT NULL,
  correct      BOOLEAN NOT NULL,
  params       JSONB NOT NULL,
  item_version TEXT,
  category     TEXT,
  answered_at  TIMESTAMPTZ NOT NULL,
  duration_ms  BIGINT,
  PRIMARY KEY (attempt_id, seq),
  UNIQUE (attempt_id, item_id)
);

CREATE TABLE IF NOT EXISTS cat_events (
  id          BIGSERIAL PRIMARY KEY,
  attempt_id  UUID NOT NULL REFERENCES cat_attempts(id) ON DELETE CASCADE,
  subject_id  TEXT NOT NULL,
  event_type  TEXT NOT NULL,
  data        JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed attempt store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the attempt tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate attempt schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, a *Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if a.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	row, err := encodeRow(a)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO cat_attempts (id, subject_id, item_pool_id, status, config, current_estimate,
		   current_item_id, termination_reason, result, version, created_at, started_at, completed_at, expires_at)
		 VALUES ($1::uuid, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9::jsonb, 1, $10, $11, $12, $13)`,
		a.ID, a.SubjectID, a.ItemPoolID, string(a.Status), row.config, row.estimate,
		nullIfEmpty(a.CurrentItemID), nullIfEmpty(string(a.TerminationReason)), row.result,
		a.CreatedAt, a.StartedAt, a.CompletedAt, a.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return conflictError(fmt.Sprintf("attempt %s already exists", a.ID))
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := insertResponsesPg(ctx, tx, a.ID, a.Responses, 0); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	a, err := scanAttemptPg(s.pool.QueryRow(ctx, selectAttemptPg+` WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if err := s.loadResponses(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) Save(ctx context.Context, a *Attempt, expectedVersion int) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row, err := encodeRow(a)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		version int
		status  string
	)
	err = tx.QueryRow(ctx,
		`SELECT version, status FROM cat_attempts WHERE id = $1::uuid FOR UPDATE`, a.ID,
	).Scan(&version, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != expectedVersion {
		return conflictError(fmt.Sprintf("attempt %s: stored version %d, expected %d", a.ID, version, expectedVersion))
	}
	if !CanTransition(Status(status), a.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, status, a.Status)
	}

	cmd, err := tx.Exec(ctx,
		`UPDATE cat_attempts
		 SET status = $3, current_estimate = $4::jsonb, current_item_id = $5,
		     termination_reason = $6, result = $7::jsonb, version = version + 1,
		     started_at = $8, completed_at = $9, expires_at = $10
		 WHERE id = $1::uuid AND version = $2`,
		a.ID, expectedVersion, string(a.Status), row.estimate, nullIfEmpty(a.CurrentItemID),
		nullIfEmpty(string(a.TerminationReason)), row.result, a.StartedAt, a.CompletedAt, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return conflictError(fmt.Sprintf("attempt %s: version %d changed during save", a.ID, expectedVersion))
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM cat_responses WHERE attempt_id = $1::uuid`, a.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count responses: %w", err)
	}
	if len(a.Responses) < stored {
		return fmt.Errorf("%w: responses are append-only", ErrInvalidState)
	}
	if err := insertResponsesPg(ctx, tx, a.ID, a.Responses, stored); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if filter.ItemPoolID != "" {
		args = append(args, filter.ItemPoolID)
		where = append(where, fmt.Sprintf("item_pool_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := selectAttemptPg
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	var out []*Attempt
	for rows.Next() {
		a, err := scanAttemptPg(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	for _, a := range out {
		if err := s.loadResponses(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadResponses(ctx context.Context, a *Attempt) error {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, correct, params, item_version, category, answered_at, duration_ms
		 FROM cat_responses
		 WHERE attempt_id = $1::uuid
		 ORDER BY seq ASC`,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	a.Responses = []irt.Response{}
	for rows.Next() {
		var (
			r           irt.Response
			params      []byte
			itemVersion *string
			category    *string
			durationMs  *int64
		)
		if err := rows.Scan(&r.ItemID, &r.Correct, &params, &itemVersion, &category, &r.AnsweredAt, &durationMs); err != nil {
			return fmt.Errorf("scan response: %w", err)
		}
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return fmt.Errorf("decode response params: %w", err)
		}
		if itemVersion != nil {
			r.ItemVersion = *itemVersion
		}
		if category != nil {
			r.Category = *category
		}
		if durationMs != nil {
			r.DurationMs = *durationMs
		}
		a.Responses = append(a.Responses, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate responses: %w", err)
	}
	return nil
}

const selectAttemptPg = `SELECT id::text, subject_id, item_pool_id, status, config, current_estimate,
  current_item_id, termination_reason, result, version, created_at, started_at, completed_at, expires_at
  FROM cat_attempts`

func scanAttemptPg(row pgx.Row) (*Attempt, error) {
	var (
		a                           Attempt
		status                      string
		config, estimate, result    []byte
		currentItemID, termination  *string
		startedAt, completedAt, exp *time.Time
	)
	if err := row.Scan(&a.ID, &a.SubjectID, &a.ItemPoolID, &status, &config, &estimate,
		&currentItemID, &termination, &result, &a.Version, &a.CreatedAt, &startedAt, &completedAt, &exp); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.StartedAt, a.CompletedAt, a.ExpiresAt = startedAt, completedAt, exp
	if currentItemID != nil {
		a.CurrentItemID = *currentItemID
	}
	if termination != nil {
		a.TerminationReason = cat.TerminationReason(*termination)
	}
	if err := decodeRow(&a, config, estimate, result); err != nil {
		return nil, err
	}
	return &a, nil
}

func insertResponsesPg(ctx context.Context, tx pgx.Tx, attemptID string, responses []irt.Response, from int) error {
	for i := from; i < len(responses); i++ {
		r := responses[i]
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("encode response params: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO cat_responses (attempt_id, seq, item_id, correct, params, item_version, category, answered_at, duration_ms)
			 VALUES ($1::uuid, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
			attemptID, i, r.ItemID, r.Correct, string(params), nullIfEmpty(r.ItemVersion),
			nullIfEmpty(r.Category), r.AnsweredAt, nullIfZero(r.DurationMs),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateItem, r.ItemID)
			}
			return fmt.Errorf("insert response: %w", err)
		}
	}
	return nil
}

// encodedRow holds the JSON columns shared by the SQL stores.
type encodedRow struct {
	config   string
	estimate string
	result   any // nil or JSON string
}

func encodeRow(a *Attempt) (encodedRow, error) {
	config, err := json.Marshal(a.Config)
	if err != nil {
		return encodedRow{}, fmt.Errorf("encode config: %w", err)
	}
	estimate, err := json.Marshal(a.CurrentEstimate)
	if err != nil {
		return encodedRow{}, fmt.Errorf("encode estimate: %w", err)
	}
	row := encodedRow{config: string(config), estimate: string(estimate)}
	if a.Result != nil {
		result, err := json.Marshal(a.Result)
		if err != nil {
			return encodedRow{}, fmt.Errorf("encode result: %w", err)
		}
		row.result = string(result)
	}
	return row, nil
}

func decodeRow(a *Attempt, config, estimate, result []byte) error {
	if err := json.Unmarshal(config, &a.Config); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(estimate, &a.CurrentEstimate); err != nil {
		return fmt.Errorf("decode estimate: %w", err)
	}
	if len(result) > 0 {
		var r cat.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		a.Result = &r
	}
	return nil
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
