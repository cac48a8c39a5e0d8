package hookserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sjoeboo/ccbot/internal/logging"
	"github.com/sjoeboo/ccbot/internal/session"
)

var httpLog = logging.ForComponent(logging.CompHTTP)

// PaneHeader carries the tmux pane id ($TMUX_PANE) of the assistant process.
const PaneHeader = "X-Ccbot-Pane"

// maxBody caps hook payloads.
const maxBody = 1 << 16

// Binder links an assistant session to the window owning a pane.
type Binder interface {
	BindTranscript(ctx context.Context, paneID, claudeSessionID, transcriptPath string) (session.Session, error)
}

// Poker asks the transcript monitor for an immediate scan.
type Poker interface {
	Poke()
}

// HookServer is an embedded HTTP server that receives Claude Code hook events.
// It binds to 127.0.0.1 only.
type HookServer struct {
	port   int
	binder Binder
	poker  Poker
	server *http.Server
}

// New creates a HookServer. port=0 is valid for tests (use ServeHTTP directly).
func New(port int, binder Binder, poker Poker) *HookServer {
	s := &HookServer{
		port:   port,
		binder: binder,
		poker:  poker,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks", s.handleHook)
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *HookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds to 127.0.0.1:{port} and serves until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *HookServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("hookserver listen :%d: %w", s.port, err)
	}
	httpLog.Info("hookserver_started", slog.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// hookPayload is the JSON body Claude Code sends for HTTP hook events.
type hookPayload struct {
	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	Source         string `json:"source,omitempty"`
}

// handleHook always answers 200 to POSTs so a misbehaving receiver never
// blocks the assistant.
func (s *HookServer) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer w.WriteHeader(http.StatusOK)

	paneID := r.Header.Get(PaneHeader)
	if paneID == "" {
		// assistant not running under tmux, or env var not forwarded
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || len(body) == 0 {
		return
	}

	var payload hookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpLog.Debug("hook_payload_invalid", slog.String("pane", paneID), slog.String("error", err.Error()))
		return
	}

	switch payload.HookEventName {
	case "SessionStart":
		if payload.SessionID == "" {
			return
		}
		sess, err := s.binder.BindTranscript(r.Context(), paneID, payload.SessionID, payload.TranscriptPath)
		if err != nil {
			httpLog.Warn("hook_bind_failed",
				slog.String("pane", paneID),
				slog.String("claude_session", payload.SessionID),
				slog.String("error", err.Error()))
			return
		}
		httpLog.Info("hook_session_start",
			slog.String("pane", paneID),
			slog.String("window", sess.WindowID),
			slog.String("source", payload.Source))
	case "Stop":
		s.poker.Poke()
	default:
		httpLog.Debug("hook_ignored", slog.String("event", payload.HookEventName))
	}
}
