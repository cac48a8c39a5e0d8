// Package store persists window records and per-chat current pointers in a
// SQLite database shared by the bot daemon and the CLI subcommands.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a window record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS windows (
	window_id         TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	pane_id           TEXT NOT NULL DEFAULT '',
	work_dir          TEXT NOT NULL DEFAULT '',
	claude_session_id TEXT NOT NULL DEFAULT '',
	transcript_path   TEXT NOT NULL DEFAULT '',
	read_offset       INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_current (
	chat_id    INTEGER PRIMARY KEY,
	window_id  TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_current_window ON chat_current(window_id);
`

// Window is the persisted view of one assistant window.
type Window struct {
	WindowID        string
	Name            string
	PaneID          string
	WorkDir         string
	ClaudeSessionID string
	TranscriptPath  string
	Offset          int64
	CreatedAt       time.Time
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// one writer at a time; the CLI and daemon coordinate through busy_timeout
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertWindow inserts or updates the tmux-derived fields of a window.
// Transcript binding and offset are preserved on update.
func (s *Store) UpsertWindow(ctx context.Context, w Window) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO windows (window_id, name, pane_id, work_dir, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(window_id) DO UPDATE SET
			name = excluded.name,
			pane_id = CASE WHEN excluded.pane_id != '' THEN excluded.pane_id ELSE windows.pane_id END,
			work_dir = CASE WHEN excluded.work_dir != '' THEN excluded.work_dir ELSE windows.work_dir END`,
		w.WindowID, w.Name, w.PaneID, w.WorkDir, w.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert window %s: %w", w.WindowID, err)
	}
	return nil
}

// ReplaceWindow stores a freshly created window, discarding any record and
// chat pointers left under the same id. tmux reuses window ids after a server
// restart, so a new window must never inherit an old binding. It returns the
// chats whose pointer was dropped.
func (s *Store) ReplaceWindow(ctx context.Context, w Window) ([]int64, error) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	chats, err := queryChats(ctx, tx, w.WindowID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_current WHERE window_id = ?`, w.WindowID); err != nil {
		return nil, fmt.Errorf("clear chat pointers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO windows (window_id, name, pane_id, work_dir, claude_session_id, transcript_path, read_offset, created_at)
		VALUES (?, ?, ?, ?, '', '', 0, ?)`,
		w.WindowID, w.Name, w.PaneID, w.WorkDir, w.CreatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("replace window %s: %w", w.WindowID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}
	return chats, nil
}

// GetWindow returns one window record.
func (s *Store) GetWindow(ctx context.Context, windowID string) (Window, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT window_id, name, pane_id, work_dir, claude_session_id, transcript_path, read_offset, created_at
		FROM windows WHERE window_id = ?`, windowID)
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, fmt.Errorf("%w: window %s", ErrNotFound, windowID)
	}
	return w, err
}

// ListWindows returns every window record ordered by creation.
func (s *Store) ListWindows(ctx context.Context) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, name, pane_id, work_dir, claude_session_id, transcript_path, read_offset, created_at
		FROM windows ORDER BY created_at, window_id`)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWindow removes a window record and every chat pointer to it.
// It returns the chats whose current window was cleared.
func (s *Store) DeleteWindow(ctx context.Context, windowID string) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	chats, err := queryChats(ctx, tx, windowID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_current WHERE window_id = ?`, windowID); err != nil {
		return nil, fmt.Errorf("clear chat pointers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM windows WHERE window_id = ?`, windowID); err != nil {
		return nil, fmt.Errorf("delete window %s: %w", windowID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return chats, nil
}

// BindTranscript records the assistant session running in a window and the
// byte offset reading should start from.
func (s *Store) BindTranscript(ctx context.Context, windowID, claudeSessionID, path string, offset int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE windows SET claude_session_id = ?, transcript_path = ?, read_offset = ?
		WHERE window_id = ?`, claudeSessionID, path, offset, windowID)
	if err != nil {
		return fmt.Errorf("bind transcript for %s: %w", windowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: window %s", ErrNotFound, windowID)
	}
	return nil
}

// SetOffset stores how far a window's transcript has been read. The update
// only applies while transcriptPath is still the bound transcript, so a
// rebind that races with a read keeps its own starting offset.
func (s *Store) SetOffset(ctx context.Context, windowID, transcriptPath string, offset int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE windows SET read_offset = ?
		WHERE window_id = ? AND transcript_path = ?`, offset, windowID, transcriptPath); err != nil {
		return fmt.Errorf("set offset for %s: %w", windowID, err)
	}
	return nil
}

// SetCurrent points a chat at a window.
func (s *Store) SetCurrent(ctx context.Context, chatID int64, windowID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_current (chat_id, window_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET window_id = excluded.window_id, updated_at = excluded.updated_at`,
		chatID, windowID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set current for chat %d: %w", chatID, err)
	}
	return nil
}

// Current returns the chat's current window id, or "" when unset.
func (s *Store) Current(ctx context.Context, chatID int64) (string, error) {
	var windowID string
	err := s.db.QueryRowContext(ctx, `SELECT window_id FROM chat_current WHERE chat_id = ?`, chatID).Scan(&windowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current for chat %d: %w", chatID, err)
	}
	return windowID, nil
}

// ClearCurrent removes a chat's pointer.
func (s *Store) ClearCurrent(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_current WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear current for chat %d: %w", chatID, err)
	}
	return nil
}

// ChatsForWindow returns the chats whose current window is windowID.
func (s *Store) ChatsForWindow(ctx context.Context, windowID string) ([]int64, error) {
	return queryChats(ctx, s.db, windowID)
}

// BoundWindowIDs returns the set of windows that are current in any chat.
func (s *Store) BoundWindowIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT window_id FROM chat_current`)
	if err != nil {
		return nil, fmt.Errorf("bound windows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryChats(ctx context.Context, q querier, windowID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT chat_id FROM chat_current WHERE window_id = ? ORDER BY chat_id`, windowID)
	if err != nil {
		return nil, fmt.Errorf("chats for %s: %w", windowID, err)
	}
	defer rows.Close()

	var chats []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWindow(sc scanner) (Window, error) {
	var w Window
	var created int64
	if err := sc.Scan(&w.WindowID, &w.Name, &w.PaneID, &w.WorkDir, &w.ClaudeSessionID, &w.TranscriptPath, &w.Offset, &created); err != nil {
		return Window{}, err
	}
	w.CreatedAt = time.Unix(created, 0)
	return w, nil
}
