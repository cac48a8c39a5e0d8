// Package session maps assistant sessions to tmux windows and tracks the
// current session of every chat.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sjoeboo/ccbot/internal/config"
	"github.com/sjoeboo/ccbot/internal/logging"
	"github.com/sjoeboo/ccbot/internal/store"
	"github.com/sjoeboo/ccbot/internal/tmux"
	"github.com/sjoeboo/ccbot/internal/transcript"
)

var sessionLog = logging.ForComponent(logging.CompSession)

var (
	// ErrNotFound is returned when a session reference matches no window.
	ErrNotFound = errors.New("session not found")
	// ErrNoCurrent is returned when a chat has no current session.
	ErrNoCurrent = errors.New("no current session")
	// ErrInvalidDir is returned when a working directory is missing or not a directory.
	ErrInvalidDir = errors.New("invalid working directory")
)

// Multiplexer is the subset of tmux the registry drives.
type Multiplexer interface {
	EnsureSession(workDir string) error
	ListWindows() ([]tmux.Window, error)
	NewWindow(name, workDir string) (tmux.Window, error)
	KillWindow(windowID string) error
	SendText(target, text string) error
	SendKeys(target string, keys ...string) error
	CapturePane(target string) (string, error)
	WindowForPane(paneID string) (string, error)
}

// Session is one assistant window.
type Session struct {
	Name            string
	WindowID        string
	PaneID          string
	WorkDir         string
	ClaudeSessionID string
	TranscriptPath  string
	CreatedAt       time.Time
}

// Screen is a pane capture with the detected assistant state.
type Screen struct {
	Session Session
	Text    string
	State   tmux.PaneState
}

// Options configures a Registry.
type Options struct {
	// Command is typed into every new window.
	Command string
	// MainWindow is the reserved placeholder window name.
	MainWindow string
	// ClaudeConfigDir locates transcripts when a hook omits the path.
	ClaudeConfigDir string
}

// Registry is safe for concurrent use.
type Registry struct {
	mux   Multiplexer
	store *store.Store
	opts  Options

	mu sync.Mutex
}

// NewRegistry returns a registry over a multiplexer and a state store.
func NewRegistry(mux Multiplexer, st *store.Store, opts Options) *Registry {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.MainWindow == "" {
		opts.MainWindow = "__main__"
	}
	return &Registry{mux: mux, store: st, opts: opts}
}

// Create starts a new assistant window in dir. An empty name defaults to the
// directory's base name; collisions get numeric suffixes. When chatID is
// non-zero the new session becomes that chat's current session.
func (r *Registry) Create(ctx context.Context, chatID int64, dir, name string) (Session, error) {
	absDir, err := resolveDir(dir)
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.mux.EnsureSession(absDir); err != nil {
		return Session{}, fmt.Errorf("ensure tmux session: %w", err)
	}
	// drop records of windows that died while the bot was away so a reused
	// window id does not inherit them
	sessions, err := r.syncLocked(ctx)
	if err != nil {
		return Session{}, err
	}
	existing := make([]tmux.Window, 0, len(sessions)+1)
	for _, s := range sessions {
		existing = append(existing, tmux.Window{ID: s.WindowID, Name: s.Name})
	}

	if name == "" {
		name = filepath.Base(absDir)
	}
	name = sanitizeName(name)
	if name == r.opts.MainWindow {
		existing = append(existing, tmux.Window{Name: r.opts.MainWindow})
	}
	name = tmux.UniqueName(name, existing)

	w, err := r.mux.NewWindow(name, absDir)
	if err != nil {
		return Session{}, fmt.Errorf("create window: %w", err)
	}
	if err := r.mux.SendText(w.ID, r.opts.Command); err != nil {
		return Session{}, fmt.Errorf("start assistant in %s: %w", w.ID, err)
	}

	rec := store.Window{WindowID: w.ID, Name: w.Name, PaneID: w.PaneID, WorkDir: absDir, CreatedAt: time.Now()}
	stale, err := r.store.ReplaceWindow(ctx, rec)
	if err != nil {
		return Session{}, err
	}
	if len(stale) > 0 {
		sessionLog.Warn("window_id_reused",
			slog.String("window", w.ID),
			slog.Int("cleared_chats", len(stale)))
	}
	if chatID != 0 {
		if err := r.store.SetCurrent(ctx, chatID, w.ID); err != nil {
			return Session{}, err
		}
	}

	sessionLog.Info("session_created",
		slog.String("window", w.ID),
		slog.String("name", w.Name),
		slog.String("dir", absDir),
		slog.Int64("chat_id", chatID))
	return fromRecord(rec), nil
}

// Delete kills the referenced window and forgets it. It returns the deleted
// session and the chats whose current pointer was cleared.
func (r *Registry) Delete(ctx context.Context, ref string) (Session, []int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.resolveLocked(ctx, ref)
	if err != nil {
		return Session{}, nil, err
	}
	if err := r.mux.KillWindow(s.WindowID); err != nil {
		return Session{}, nil, err
	}
	cleared, err := r.store.DeleteWindow(ctx, s.WindowID)
	if err != nil {
		return Session{}, nil, err
	}
	sessionLog.Info("session_deleted",
		slog.String("window", s.WindowID),
		slog.String("name", s.Name),
		slog.Int("cleared_chats", len(cleared)))
	return s, cleared, nil
}

// Select makes an existing session current for chatID.
func (r *Registry) Select(ctx context.Context, chatID int64, ref string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.resolveLocked(ctx, ref)
	if err != nil {
		return Session{}, err
	}
	if err := r.store.SetCurrent(ctx, chatID, s.WindowID); err != nil {
		return Session{}, err
	}
	sessionLog.Debug("session_selected", slog.String("window", s.WindowID), slog.Int64("chat_id", chatID))
	return s, nil
}

// Current returns the chat's current session. A pointer to a window that no
// longer exists is cleared and reported as ErrNoCurrent.
func (r *Registry) Current(ctx context.Context, chatID int64) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked(ctx, chatID)
}

func (r *Registry) currentLocked(ctx context.Context, chatID int64) (Session, error) {
	windowID, err := r.store.Current(ctx, chatID)
	if err != nil {
		return Session{}, err
	}
	if windowID == "" {
		return Session{}, ErrNoCurrent
	}
	sessions, err := r.syncLocked(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, s := range sessions {
		if s.WindowID == windowID {
			return s, nil
		}
	}
	// syncLocked already dropped the record and its pointers; clear explicitly
	// in case the record was never stored.
	if err := r.store.ClearCurrent(ctx, chatID); err != nil {
		return Session{}, err
	}
	return Session{}, ErrNoCurrent
}

// List returns every session in tmux order, adopting windows created outside
// the bot and dropping records whose window vanished.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncLocked(ctx)
}

// Reconcile brings the store in line with tmux.
func (r *Registry) Reconcile(ctx context.Context) error {
	_, err := r.List(ctx)
	return err
}

// Resolve finds a session by window id ("@3") or by window name.
func (r *Registry) Resolve(ctx context.Context, ref string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(ctx, ref)
}

func (r *Registry) resolveLocked(ctx context.Context, ref string) (Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == r.opts.MainWindow {
		return Session{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	sessions, err := r.syncLocked(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, s := range sessions {
		if s.WindowID == ref {
			return s, nil
		}
	}
	for _, s := range sessions {
		if s.Name == ref {
			return s, nil
		}
	}
	return Session{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
}

// Send types text into the chat's current session and presses Enter.
func (r *Registry) Send(ctx context.Context, chatID int64, text string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.currentLocked(ctx, chatID)
	if err != nil {
		return Session{}, err
	}
	if err := r.mux.SendText(s.WindowID, text); err != nil {
		return Session{}, err
	}
	sessionLog.Debug("text_sent", slog.String("window", s.WindowID), slog.Int("bytes", len(text)))
	return s, nil
}

// SendKeys sends named keys to the chat's current session.
func (r *Registry) SendKeys(ctx context.Context, chatID int64, keys ...string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.currentLocked(ctx, chatID)
	if err != nil {
		return Session{}, err
	}
	if err := r.mux.SendKeys(s.WindowID, keys...); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Capture returns the visible text of the chat's current pane.
func (r *Registry) Capture(ctx context.Context, chatID int64) (Screen, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.currentLocked(ctx, chatID)
	if err != nil {
		return Screen{}, err
	}
	raw, err := r.mux.CapturePane(s.WindowID)
	if err != nil {
		return Screen{}, err
	}
	text := tmux.StripANSI(raw)
	return Screen{Session: s, Text: text, State: tmux.DetectState(text)}, nil
}

// BindTranscript links the assistant session reported from paneID to the
// window owning that pane. A new binding starts reading at the transcript's
// current end; re-reporting the same transcript keeps the stored offset.
func (r *Registry) BindTranscript(ctx context.Context, paneID, claudeSessionID, transcriptPath string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	windowID, err := r.mux.WindowForPane(paneID)
	if err != nil {
		return Session{}, err
	}
	rec, err := r.store.GetWindow(ctx, windowID)
	if errors.Is(err, store.ErrNotFound) {
		// window created outside the bot and not adopted yet
		if _, err := r.syncLocked(ctx); err != nil {
			return Session{}, err
		}
		rec, err = r.store.GetWindow(ctx, windowID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: window %s", ErrNotFound, windowID)
		}
		return Session{}, err
	}

	if transcriptPath == "" && r.opts.ClaudeConfigDir != "" && rec.WorkDir != "" && claudeSessionID != "" {
		transcriptPath = transcript.PathFor(r.opts.ClaudeConfigDir, rec.WorkDir, claudeSessionID)
	}

	offset := transcript.Size(transcriptPath)
	if rec.TranscriptPath == transcriptPath && rec.ClaudeSessionID == claudeSessionID {
		offset = rec.Offset
	}
	if err := r.store.BindTranscript(ctx, windowID, claudeSessionID, transcriptPath, offset); err != nil {
		return Session{}, err
	}

	rec.ClaudeSessionID = claudeSessionID
	rec.TranscriptPath = transcriptPath
	sessionLog.Info("transcript_bound",
		slog.String("window", windowID),
		slog.String("claude_session", claudeSessionID),
		slog.String("path", transcriptPath),
		slog.Int64("offset", offset))
	return fromRecord(rec), nil
}

// ChatsFor returns the chats whose current session is windowID.
func (r *Registry) ChatsFor(ctx context.Context, windowID string) ([]int64, error) {
	return r.store.ChatsForWindow(ctx, windowID)
}

// BoundWindows returns the windows that are current in at least one chat.
func (r *Registry) BoundWindows(ctx context.Context) (map[string]bool, error) {
	return r.store.BoundWindowIDs(ctx)
}

// syncLocked lists tmux windows, upserts each one and drops records for
// windows that no longer exist. Caller holds r.mu.
func (r *Registry) syncLocked(ctx context.Context) ([]Session, error) {
	windows, err := r.mux.ListWindows()
	if err != nil {
		return nil, err
	}
	records, err := r.store.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]store.Window, len(records))
	for _, rec := range records {
		known[rec.WindowID] = rec
	}

	live := make(map[string]bool, len(windows))
	sessions := make([]Session, 0, len(windows))
	for _, w := range windows {
		live[w.ID] = true
		rec, ok := known[w.ID]
		if !ok {
			rec = store.Window{WindowID: w.ID, CreatedAt: time.Now()}
			sessionLog.Info("window_adopted", slog.String("window", w.ID), slog.String("name", w.Name))
		}
		rec.Name = w.Name
		if w.PaneID != "" {
			rec.PaneID = w.PaneID
		}
		if rec.WorkDir == "" {
			rec.WorkDir = w.Path
		}
		if !ok || known[w.ID].Name != w.Name || known[w.ID].PaneID != rec.PaneID {
			if err := r.store.UpsertWindow(ctx, rec); err != nil {
				return nil, err
			}
		}
		sessions = append(sessions, fromRecord(rec))
	}

	for _, rec := range records {
		if live[rec.WindowID] {
			continue
		}
		cleared, err := r.store.DeleteWindow(ctx, rec.WindowID)
		if err != nil {
			return nil, err
		}
		sessionLog.Info("window_pruned",
			slog.String("window", rec.WindowID),
			slog.String("name", rec.Name),
			slog.Int("cleared_chats", len(cleared)))
	}
	return sessions, nil
}

func fromRecord(rec store.Window) Session {
	return Session{
		Name:            rec.Name,
		WindowID:        rec.WindowID,
		PaneID:          rec.PaneID,
		WorkDir:         rec.WorkDir,
		ClaudeSessionID: rec.ClaudeSessionID,
		TranscriptPath:  rec.TranscriptPath,
		CreatedAt:       rec.CreatedAt,
	}
}

// resolveDir expands ~ and makes dir absolute, requiring an existing directory.
func resolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidDir)
	}
	abs, err := filepath.Abs(config.ExpandPath(dir))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s does not exist", ErrInvalidDir, abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidDir, abs)
	}
	return abs, nil
}

// sanitizeName strips characters tmux treats as target separators.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer(":", "-", ".", "-").Replace(name)
	if name == "" {
		return "session"
	}
	return name
}
