package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"lead-notifier/pkg/lead"
)

var schema = []struct {
	name string
	sql  string
}{
	{"sessions", `CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, score INTEGER NOT NULL, tier TEXT NOT NULL, last_activity INTEGER NOT NULL, stored_at INTEGER NOT NULL, expires_at INTEGER NOT NULL, data TEXT NOT NULL)`},
	{"alerts", `CREATE TABLE IF NOT EXISTS alerts (id INTEGER PRIMARY KEY AUTOINCREMENT, session_id TEXT NOT NULL, level TEXT NOT NULL, score INTEGER NOT NULL, timestamp INTEGER NOT NULL, factors TEXT)`},
	{"qualified_leads", `CREATE TABLE IF NOT EXISTS qualified_leads (session_id TEXT PRIMARY KEY, score INTEGER NOT NULL, status TEXT NOT NULL DEFAULT 'new', notes TEXT NOT NULL DEFAULT '[]', visitor TEXT, qualified_at INTEGER NOT NULL, updated_at INTEGER NOT NULL)`},
	{"analytics_snapshots", `CREATE TABLE IF NOT EXISTS analytics_snapshots (id INTEGER PRIMARY KEY AUTOINCREMENT, type TEXT NOT NULL, created_at INTEGER NOT NULL, data TEXT NOT NULL)`},
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_sessions_score ON sessions(score DESC)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity DESC)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_stored_at ON sessions(stored_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)",
	"CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp DESC)",
	"CREATE INDEX IF NOT EXISTS idx_alerts_session_id ON alerts(session_id)",
	"CREATE INDEX IF NOT EXISTS idx_alerts_level ON alerts(level)",
	"CREATE INDEX IF NOT EXISTS idx_leads_score ON qualified_leads(score DESC)",
	"CREATE INDEX IF NOT EXISTS idx_leads_status ON qualified_leads(status)",
	"CREATE INDEX IF NOT EXISTS idx_leads_qualified_at ON qualified_leads(qualified_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON analytics_snapshots(created_at DESC, type)",
}

// SQLite is the durable store backed by a local SQLite database.
type SQLite struct {
	db        *sql.DB
	logger    *slog.Logger
	now       func() time.Time
	threshold int
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, threshold int, logger *slog.Logger, now func() time.Time) (*SQLite, error) {
	if threshold <= 0 {
		threshold = DefaultQualifiedThreshold
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLite{db: db, logger: logger, now: now, threshold: threshold}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("SQLite store ready", "path", path)
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, t := range schema {
		if _, err := s.db.ExecContext(ctx, t.sql); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Mode returns "sqlite".
func (s *SQLite) Mode() string {
	return "sqlite"
}

// SaveSession upserts the session row and, above the threshold, the qualified lead, in one transaction.
func (s *SQLite) SaveSession(ctx context.Context, sess *lead.Session) (*lead.Session, error) {
	now := s.now()
	stored := stamp(sess, now)

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (id, score, tier, last_activity, stored_at, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET score = excluded.score, tier = excluded.tier, last_activity = excluded.last_activity,
			stored_at = excluded.stored_at, expires_at = excluded.expires_at, data = excluded.data`,
		stored.ID, stored.Score, string(stored.Tier), stored.LastActivity.UnixMilli(),
		stored.StoredAt.UnixMilli(), stored.ExpiresAt.UnixMilli(), string(data))
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	if stored.Score >= s.threshold {
		visitor, err := json.Marshal(stored.Visitor)
		if err != nil {
			return nil, fmt.Errorf("marshal visitor: %w", err)
		}
		// Status, notes and qualified_at belong to the lead lifecycle and survive re-stores.
		_, err = tx.ExecContext(ctx, `INSERT INTO qualified_leads (session_id, score, status, notes, visitor, qualified_at, updated_at)
			VALUES (?, ?, ?, '[]', ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET score = MAX(qualified_leads.score, excluded.score), updated_at = excluded.updated_at`,
			stored.ID, stored.Score, statusNew, string(visitor), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("upsert qualified lead: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return stored, nil
}

// Session loads one unexpired session.
func (s *SQLite) Session(ctx context.Context, id string) (*lead.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ? AND expires_at > ?`,
		id, s.now().UnixMilli()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	var sess lead.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// QualifiedLeads returns all qualified leads, highest score first.
func (s *SQLite) QualifiedLeads(ctx context.Context) ([]lead.QualifiedLead, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, score, status, notes, visitor, qualified_at, updated_at
		FROM qualified_leads ORDER BY score DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("query qualified leads: %w", err)
	}
	defer rows.Close()

	var out []lead.QualifiedLead
	for rows.Next() {
		var (
			q                   lead.QualifiedLead
			notes               string
			visitor             sql.NullString
			qualified, modified int64
		)
		if err := rows.Scan(&q.SessionID, &q.Score, &q.Status, &notes, &visitor, &qualified, &modified); err != nil {
			return nil, fmt.Errorf("scan qualified lead: %w", err)
		}
		if err := json.Unmarshal([]byte(notes), &q.Notes); err != nil {
			s.logger.Warn("Invalid notes on qualified lead", "session_id", q.SessionID, "error", err)
		}
		if visitor.Valid {
			if err := json.Unmarshal([]byte(visitor.String), &q.Visitor); err != nil {
				s.logger.Warn("Invalid visitor on qualified lead", "session_id", q.SessionID, "error", err)
			}
		}
		q.QualifiedAt = time.UnixMilli(qualified).UTC()
		q.UpdatedAt = time.UnixMilli(modified).UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}

// SaveAlert inserts a.
func (s *SQLite) SaveAlert(ctx context.Context, a lead.Alert) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alerts (session_id, level, score, timestamp, factors) VALUES (?, ?, ?, ?, ?)`,
		a.SessionID, string(a.Level), a.Score, a.Timestamp.UnixMilli(), string(factors))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// SessionsSince returns unexpired sessions stored after since, oldest first.
func (s *SQLite) SessionsSince(ctx context.Context, since time.Time) ([]*lead.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions WHERE stored_at > ? AND expires_at > ? ORDER BY stored_at`,
		since.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*lead.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess lead.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			s.logger.Warn("Skipping undecodable session row", "error", err)
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// AlertsSince returns alerts recorded after since, oldest first.
func (s *SQLite) AlertsSince(ctx context.Context, since time.Time) ([]lead.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, level, score, timestamp, factors FROM alerts WHERE timestamp > ? ORDER BY timestamp`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []lead.Alert
	for rows.Next() {
		var (
			a       lead.Alert
			level   string
			ts      int64
			factors sql.NullString
		)
		if err := rows.Scan(&a.SessionID, &level, &a.Score, &ts, &factors); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Level = lead.Tier(level)
		a.Timestamp = time.UnixMilli(ts).UTC()
		if factors.Valid {
			_ = json.Unmarshal([]byte(factors.String), &a.Factors)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveSnapshot inserts an hourly analytics snapshot.
func (s *SQLite) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO analytics_snapshots (type, created_at, data) VALUES (?, ?, ?)`,
		"hourly", snap.GeneratedAt.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions past their retention.
func (s *SQLite) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
