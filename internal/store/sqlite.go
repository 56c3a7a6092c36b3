package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentpilot/internal/history"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists contexts and messages in one database file. Message ids
// come from AUTOINCREMENT so deleted ids are never handed out again.
type SQLite struct {
	path string
	db   *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{path: path, db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS contexts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_id INTEGER REFERENCES contexts(id),
			branch_msg_id INTEGER,
			kind TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_parent ON contexts(parent_id, id);`,
		`CREATE TABLE IF NOT EXISTS contexts_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id INTEGER NOT NULL REFERENCES contexts(id),
			role TEXT NOT NULL,
			msg TEXT NOT NULL,
			member_id TEXT NOT NULL DEFAULT '',
			log TEXT NOT NULL DEFAULT '',
			alt_turn INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_context ON contexts_messages(context_id, id);`,
		`CREATE TABLE IF NOT EXISTS leaves (
			root_id INTEGER PRIMARY KEY REFERENCES contexts(id),
			leaf_id INTEGER NOT NULL REFERENCES contexts(id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) InsertMessage(ctx context.Context, m history.Message) (int64, error) {
	logJSON := ""
	if len(m.Log) > 0 {
		b, err := json.Marshal(m.Log)
		if err != nil {
			return 0, fmt.Errorf("marshal message log: %w", err)
		}
		logJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts_messages (context_id, role, msg, member_id, log, alt_turn, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ContextID, m.Role, m.Content, m.MemberID, logJSON, m.AltTurn, unixMillis(m.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) SelectChain(ctx context.Context, chain []history.ChainLink) ([]history.Message, error) {
	var out []history.Message
	for _, link := range chain {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, context_id, role, msg, member_id, log, alt_turn, created_at
			FROM contexts_messages
			WHERE context_id = ? AND (? = 0 OR id < ?)
			ORDER BY id`,
			link.ContextID, link.BeforeID, link.BeforeID,
		)
		if err != nil {
			return nil, err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func scanMessages(rows *sql.Rows) ([]history.Message, error) {
	defer rows.Close()
	var out []history.Message
	for rows.Next() {
		var (
			m       history.Message
			logJSON string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ContextID, &m.Role, &m.Content, &m.MemberID, &logJSON, &m.AltTurn, &created); err != nil {
			return nil, err
		}
		if strings.TrimSpace(logJSON) != "" {
			if err := json.Unmarshal([]byte(logJSON), &m.Log); err != nil {
				return nil, fmt.Errorf("decode log of message %d: %w", m.ID, err)
			}
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertContext(ctx context.Context, c history.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (parent_id, branch_msg_id, kind, config, created_at) VALUES (?, ?, ?, ?, ?)`,
		nullID(c.ParentID), nullID(c.BranchMsgID), c.Kind, c.Config, unixMillis(c.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) UpdateLeaf(ctx context.Context, rootID, leafID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leaves (root_id, leaf_id) VALUES (?, ?)
		ON CONFLICT(root_id) DO UPDATE SET leaf_id = excluded.leaf_id`,
		rootID, leafID,
	)
	return err
}

func (s *SQLite) DeleteMessagesSince(ctx context.Context, contextID, msgID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contexts_messages WHERE context_id = ? AND id >= ?`, contextID, msgID)
	return err
}

const contextColumns = `id, parent_id, branch_msg_id, kind, config, created_at`

func (s *SQLite) GetContext(ctx context.Context, id int64) (history.Context, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM contexts WHERE id = ?`, id)
	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Context{}, history.ErrNotFound
	}
	return c, err
}

func (s *SQLite) ChildContexts(ctx context.Context, parentID int64) ([]history.Context, error) {
	return s.queryContexts(ctx, `SELECT `+contextColumns+` FROM contexts WHERE parent_id = ? ORDER BY id`, parentID)
}

func (s *SQLite) RootContexts(ctx context.Context) ([]history.Context, error) {
	return s.queryContexts(ctx, `SELECT `+contextColumns+` FROM contexts WHERE parent_id IS NULL ORDER BY id`)
}

func (s *SQLite) Leaf(ctx context.Context, rootID int64) (int64, error) {
	var leaf int64
	err := s.db.QueryRowContext(ctx, `SELECT leaf_id FROM leaves WHERE root_id = ?`, rootID).Scan(&leaf)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, history.ErrNotFound
	}
	return leaf, err
}

func (s *SQLite) queryContexts(ctx context.Context, query string, args ...any) ([]history.Context, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []history.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (history.Context, error) {
	var (
		c       history.Context
		parent  sql.NullInt64
		branch  sql.NullInt64
		created int64
	)
	if err := row.Scan(&c.ID, &parent, &branch, &c.Kind, &c.Config, &created); err != nil {
		return history.Context{}, err
	}
	c.ParentID = parent.Int64
	c.BranchMsgID = branch.Int64
	c.CreatedAt = time.UnixMilli(created).UTC()
	return c, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}
