// Package persistence provides SQLite-based session storage: the current
// state of every session, an append-only checkpoint log, and speaker lore.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/taleweaver/internal/narrative"
)

// DB wraps a SQLite connection for session persistence.
type DB struct {
	conn *sqlx.DB
	now  func() time.Time
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer at a time.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		scenario TEXT NOT NULL,
		seq INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		failure_kind TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		phase TEXT NOT NULL,
		state_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lore (
		speaker_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(archived, phase);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveSession upserts the session row and appends a checkpoint in one
// transaction.
func (db *DB) SaveSession(ctx context.Context, s *narrative.SessionState) error {
	stateJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	var failureKind sql.NullString
	if s.Failure != nil {
		failureKind = sql.NullString{String: string(s.Failure.Kind), Valid: true}
	}
	now := db.now().UTC()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions
		(id, phase, scenario, seq, state_json, failure_kind, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			seq = excluded.seq,
			state_json = excluded.state_json,
			failure_kind = excluded.failure_kind,
			updated_at = excluded.updated_at`,
		s.ID, string(s.Phase), s.Scenario, s.Seq, string(stateJSON), failureKind, s.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO checkpoints (session_id, seq, phase, state_json, created_at) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.Seq, string(s.Phase), string(stateJSON), now,
	)
	if err != nil {
		return fmt.Errorf("append checkpoint %s/%d: %w", s.ID, s.Seq, err)
	}

	return tx.Commit()
}

// LoadSession returns the latest state of a session.
func (db *DB) LoadSession(ctx context.Context, id string) (*narrative.SessionState, error) {
	var stateJSON string
	err := db.conn.GetContext(ctx, &stateJSON, "SELECT state_json FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, narrative.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeState(stateJSON)
}

// ArchiveSession marks a delivered session as archived.
func (db *DB) ArchiveSession(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE sessions SET archived = 1, updated_at = ? WHERE id = ?", db.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive session %s: %w", id, narrative.ErrNotFound)
	}
	return nil
}

// SessionRow is the listing view of a session.
type SessionRow struct {
	ID          string         `db:"id" json:"id"`
	Phase       string         `db:"phase" json:"phase"`
	Scenario    string         `db:"scenario" json:"scenario"`
	Seq         int            `db:"seq" json:"seq"`
	FailureKind sql.NullString `db:"failure_kind" json:"-"`
	Archived    bool           `db:"archived" json:"archived"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// ListResumable returns sessions that are neither archived, DONE, nor
// failed, oldest first.
func (db *DB) ListResumable(ctx context.Context) ([]SessionRow, error) {
	var rows []SessionRow
	err := db.conn.SelectContext(ctx, &rows, `SELECT id, phase, scenario, seq, failure_kind, archived, created_at, updated_at
		FROM sessions
		WHERE archived = 0 AND phase != ? AND failure_kind IS NULL
		ORDER BY created_at, id`, string(narrative.PhaseDone))
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	return rows, nil
}

// CountSessions returns the number of sessions per phase.
func (db *DB) CountSessions(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Phase string `db:"phase"`
		N     int    `db:"n"`
	}
	if err := db.conn.SelectContext(ctx, &rows, "SELECT phase, COUNT(*) AS n FROM sessions GROUP BY phase"); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Phase] = r.N
	}
	return counts, nil
}

// Checkpoint is one entry of the append-only checkpoint log.
type Checkpoint struct {
	Seq       int                     `json:"seq"`
	Phase     narrative.Phase         `json:"phase"`
	State     *narrative.SessionState `json:"state"`
	CreatedAt time.Time               `json:"created_at"`
}

// Checkpoints returns every checkpoint of a session in write order.
func (db *DB) Checkpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	var rows []struct {
		Seq       int       `db:"seq"`
		Phase     string    `db:"phase"`
		StateJSON string    `db:"state_json"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT seq, phase, state_json, created_at FROM checkpoints WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoints %s: %w", sessionID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("checkpoints %s: %w", sessionID, narrative.ErrNotFound)
	}

	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		s, err := decodeState(r.StateJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, Checkpoint{Seq: r.Seq, Phase: narrative.Phase(r.Phase), State: s, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// SaveLore stores background text for a speaker.
func (db *DB) SaveLore(ctx context.Context, id narrative.SpeakerID, text string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO lore (speaker_id, text, updated_at) VALUES (?, ?, ?)",
		string(id), text, db.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save lore %s: %w", id, err)
	}
	slog.Info("lore saved", "speaker", id, "bytes", len(text))
	return nil
}

// LookupLore returns the stored lore for a speaker.
func (db *DB) LookupLore(ctx context.Context, id narrative.SpeakerID) (string, error) {
	var text string
	err := db.conn.GetContext(ctx, &text, "SELECT text FROM lore WHERE speaker_id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lore %s: %w", id, narrative.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup lore %s: %w", id, err)
	}
	return text, nil
}

func decodeState(stateJSON string) (*narrative.SessionState, error) {
	var s narrative.SessionState
	if err := json.Unmarshal([]byte(stateJSON), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
