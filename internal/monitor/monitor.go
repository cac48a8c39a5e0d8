// Package monitor tails the transcripts of bound windows and emits the
// assistant's new replies.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/sjoeboo/ccbot/internal/logging"
	"github.com/sjoeboo/ccbot/internal/store"
	"github.com/sjoeboo/ccbot/internal/transcript"
)

var monitorLog = logging.ForComponent(logging.CompMonitor)

// Source lists bound windows and records read progress. *store.Store satisfies it.
type Source interface {
	ListWindows(ctx context.Context) ([]store.Window, error)
	SetOffset(ctx context.Context, windowID, transcriptPath string, offset int64) error
}

// Message is one assistant reply read from a transcript.
type Message struct {
	WindowID   string
	WindowName string
	Text       string
}

// Options tunes a Monitor.
type Options struct {
	// PollInterval is the fallback scan period (default 2s).
	PollInterval time.Duration
	// EventInterval is the minimum gap between scans triggered by file
	// events on the same transcript (default 250ms).
	EventInterval time.Duration
	// Buffer is the capacity of the message channel (default 64).
	Buffer int
}

// Monitor reads transcripts on file events, on a poll ticker, and on Poke.
type Monitor struct {
	src  Source
	opts Options
	out  chan Message
	poke chan struct{}

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	watched  map[string]bool
	watcher  *fsnotify.Watcher
}

// New creates a monitor over src.
func New(src Source, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.EventInterval <= 0 {
		opts.EventInterval = 250 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Monitor{
		src:      src,
		opts:     opts,
		out:      make(chan Message, opts.Buffer),
		poke:     make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
		watched:  make(map[string]bool),
	}
}

// Messages is closed when Run returns.
func (m *Monitor) Messages() <-chan Message {
	return m.out
}

// Poke requests an immediate scan. It never blocks.
func (m *Monitor) Poke() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// Run scans until ctx is cancelled. Without fsnotify it falls back to
// polling alone.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.out)

	var events chan fsnotify.Event
	var errs chan error
	w, err := fsnotify.NewWatcher()
	if err != nil {
		monitorLog.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
	} else {
		m.mu.Lock()
		m.watcher = w
		m.mu.Unlock()
		defer w.Close()
		events, errs = w.Events, w.Errors
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.scan(ctx, "")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.scan(ctx, "")
		case <-m.poke:
			m.scan(ctx, "")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			// dropped events are picked up by the next poll
			if m.limiter(ev.Name).Allow() {
				m.scan(ctx, ev.Name)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			monitorLog.Warn("fsnotify_error", slog.String("error", err.Error()))
		}
	}
}

// scan reads every bound transcript, or only the one at path when set.
func (m *Monitor) scan(ctx context.Context, path string) {
	windows, err := m.src.ListWindows(ctx)
	if err != nil {
		if ctx.Err() == nil {
			monitorLog.Warn("list_windows_failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, w := range windows {
		if w.TranscriptPath == "" || (path != "" && w.TranscriptPath != path) {
			continue
		}
		if err := m.readWindow(ctx, w); err != nil {
			if ctx.Err() != nil {
				return
			}
			monitorLog.Warn("transcript_read_failed",
				slog.String("window", w.WindowID),
				slog.String("path", w.TranscriptPath),
				slog.String("error", err.Error()))
		}
	}
}

func (m *Monitor) readWindow(ctx context.Context, w store.Window) error {
	m.watchDir(filepath.Dir(w.TranscriptPath))

	entries, offset, err := transcript.ReadFrom(w.TranscriptPath, w.Offset)
	if errors.Is(err, fs.ErrNotExist) {
		// the assistant creates the file on its first write
		return nil
	}
	if err != nil {
		return err
	}

	texts := transcript.AssistantTexts(entries)
	for _, text := range texts {
		select {
		case m.out <- Message{WindowID: w.WindowID, WindowName: w.Name, Text: text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if offset != w.Offset {
		if err := m.src.SetOffset(ctx, w.WindowID, w.TranscriptPath, offset); err != nil {
			return err
		}
	}
	if len(texts) > 0 {
		monitorLog.Debug("transcript_read",
			slog.String("window", w.WindowID),
			slog.Int("messages", len(texts)),
			slog.Int64("offset", offset))
	}
	return nil
}

func (m *Monitor) watchDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil || m.watched[dir] {
		return
	}
	if err := m.watcher.Add(dir); err != nil {
		// retried on the next scan
		monitorLog.Debug("watch_dir_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}
	m.watched[dir] = true
}

func (m *Monitor) limiter(path string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[path]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.opts.EventInterval), 1)
		m.limiters[path] = l
	}
	return l
}
