package attempt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cat_attempts (
  id                 TEXT PRIMARY KEY,
  subject_id         TEXT NOT NULL,
  item_pool_id       TEXT NOT NULL,
  status             TEXT NOT NULL,
  config             TEXT NOT NULL,
  current_estimate   TEXT NOT NULL,
  current_item_id    TEXT NOT NULL DEFAULT '',
  termination_reason TEXT NOT NULL DEFAULT '',
  result             TEXT,
  version            INTEGER NOT NULL,
  created_at         INTEGER NOT NULL,
  started_at         INTEGER,
  completed_at       INTEGER,
  expires_at         INTEGER
);

CREATE INDEX IF NOT EXISTS idx_cat_attempts_subject ON cat_attempts (subject_id, created_at);

CREATE TABLE IF NOT EXISTS cat_responses (
  attempt_id   TEXT NOT NULL REFERENCES cat_attempts(id) ON DELETE CASCADE,
  seq          INTEGER NOT NULL,
  item_id      TEXT NOT NULL,
  correct      INTEGER NOT NULL,
  params       TEXT NOT NULL,
  item_version TEXT NOT NULL DEFAULT '',
  category     TEXT NOT NULL DEFAULT '',
  answered_at  INTEGER NOT NULL,
  duration_ms  INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (attempt_id, seq),
  UNIQUE (attempt_id, item_id)
);
`

// SQLiteStore is a single-file Store for local runs and the catctl tool.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and ensures the schema
// exists. An empty dsn opens a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps in-memory databases alive and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	row, err := encodeRow(a)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cat_attempts WHERE id = ?`, a.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check attempt: %w", err)
	}
	if exists > 0 {
		return conflictError(fmt.Sprintf("attempt %s already exists", a.ID))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cat_attempts (id, subject_id, item_pool_id, status, config, current_estimate,
		   current_item_id, termination_reason, result, version, created_at, started_at, completed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, a.ItemPoolID, string(a.Status), row.config, row.estimate,
		a.CurrentItemID, string(a.TerminationReason), row.result,
		a.CreatedAt.UnixNano(), unixNano(a.StartedAt), unixNano(a.CompletedAt), unixNano(a.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := insertResponsesSQLite(ctx, tx, a.ID, a.Responses, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version = 1
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Attempt, error) {
	a, err := scanAttemptSQLite(s.db.QueryRowContext(ctx, selectAttemptSQLite+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if err := s.loadResponses(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) Save(ctx context.Context, a *Attempt, expectedVersion int) error {
	row, err := encodeRow(a)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		version int
		status  string
	)
	err = tx.QueryRowContext(ctx, `SELECT version, status FROM cat_attempts WHERE id = ?`, a.ID).Scan(&version, &status)
	if errors.Is(err, sql.ErrNoRows) {
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

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cat_responses WHERE attempt_id = ?`, a.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count responses: %w", err)
	}
	if len(a.Responses) < stored {
		return fmt.Errorf("%w: responses are append-only", ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cat_attempts
		 SET status = ?, current_estimate = ?, current_item_id = ?, termination_reason = ?,
		     result = ?, version = version + 1, started_at = ?, completed_at = ?, expires_at = ?
		 WHERE id = ? AND version = ?`,
		string(a.Status), row.estimate, a.CurrentItemID, string(a.TerminationReason), row.result,
		unixNano(a.StartedAt), unixNano(a.CompletedAt), unixNano(a.ExpiresAt), a.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if err := insertResponsesSQLite(ctx, tx, a.ID, a.Responses, stored); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version = expectedVersion + 1
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Attempt, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.ItemPoolID != "" {
		where = append(where, "item_pool_id = ?")
		args = append(args, filter.ItemPoolID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := selectAttemptSQLite
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	var out []*Attempt
	for rows.Next() {
		a, err := scanAttemptSQLite(rows)
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

func (s *SQLiteStore) loadResponses(ctx context.Context, a *Attempt) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, correct, params, item_version, category, answered_at, duration_ms
		 FROM cat_responses WHERE attempt_id = ? ORDER BY seq ASC`, a.ID)
	if err != nil {
		return fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	a.Responses = []irt.Response{}
	for rows.Next() {
		var (
			r          irt.Response
			correct    int
			params     string
			answeredAt int64
		)
		if err := rows.Scan(&r.ItemID, &correct, &params, &r.ItemVersion, &r.Category, &answeredAt, &r.DurationMs); err != nil {
			return fmt.Errorf("scan response: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return fmt.Errorf("decode response params: %w", err)
		}
		r.Correct = correct != 0
		r.AnsweredAt = time.Unix(0, answeredAt).UTC()
		a.Responses = append(a.Responses, r)
	}
	return rows.Err()
}

const selectAttemptSQLite = `SELECT id, subject_id, item_pool_id, status, config, current_estimate,
  current_item_id, termination_reason, result, version, created_at, started_at, completed_at, expires_at
  FROM cat_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttemptSQLite(row rowScanner) (*Attempt, error) {
	var (
		a                           Attempt
		status, config, estimate    string
		termination                 string
		result                      sql.NullString
		createdAt                   int64
		startedAt, completedAt, exp sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.SubjectID, &a.ItemPoolID, &status, &config, &estimate,
		&a.CurrentItemID, &termination, &result, &a.Version, &createdAt, &startedAt, &completedAt, &exp); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.TerminationReason = cat.TerminationReason(termination)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.StartedAt = fromUnixNano(startedAt)
	a.CompletedAt = fromUnixNano(completedAt)
	a.ExpiresAt = fromUnixNano(exp)

	var resultJSON []byte
	if result.Valid {
		resultJSON = []byte(result.String)
	}
	if err := decodeRow(&a, []byte(config), []byte(estimate), resultJSON); err != nil {
		return nil, err
	}
	return &a, nil
}

func insertResponsesSQLite(ctx context.Context, tx *sql.Tx, attemptID string, responses []irt.Response, from int) error {
	for i := from; i < len(responses); i++ {
		r := responses[i]
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("encode response params: %w", err)
		}
		correct := 0
		if r.Correct {
			correct = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cat_responses (attempt_id, seq, item_id, correct, params, item_version, category, answered_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attemptID, i, r.ItemID, correct, string(params), r.ItemVersion, r.Category,
			r.AnsweredAt.UnixNano(), r.DurationMs,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("%w: %s", ErrDuplicateItem, r.ItemID)
			}
			return fmt.Errorf("insert response: %w", err)
		}
	}
	return nil
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
