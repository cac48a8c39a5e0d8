package hookserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/ccbot/internal/hookserver"
	"github.com/sjoeboo/ccbot/internal/session"
)

type bindCall struct {
	pane, sessionID, path string
}

type fakeBinder struct {
	calls []bindCall
	err   error
}

func (f *fakeBinder) BindTranscript(_ context.Context, pane, sessionID, path string) (session.Session, error) {
	f.calls = append(f.calls, bindCall{pane, sessionID, path})
	if f.err != nil {
		return session.Session{}, f.err
	}
	return session.Session{WindowID: "@3", Name: "api"}, nil
}

type fakePoker struct{ pokes int }

func (f *fakePoker) Poke() { f.pokes++ }

func post(t *testing.T, srv http.Handler, pane string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/hooks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if pane != "" {
		req.Header.Set(hookserver.PaneHeader, pane)
	}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func TestHookServer_SessionStartBinds(t *testing.T) {
	binder, poker := &fakeBinder{}, &fakePoker{}
	srv := hookserver.New(0, binder, poker)

	rr := post(t, srv, "%7", map[string]any{
		"hook_event_name": "SessionStart",
		"session_id":      "claude-sess-abc",
		"transcript_path": "/home/u/.claude/projects/-src-api/claude-sess-abc.jsonl",
		"cwd":             "/src/api",
		"source":          "startup",
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, binder.calls, 1)
	assert.Equal(t, bindCall{"%7", "claude-sess-abc", "/home/u/.claude/projects/-src-api/claude-sess-abc.jsonl"}, binder.calls[0])
	assert.Zero(t, poker.pokes)
}

func TestHookServer_StopPokes(t *testing.T) {
	binder, poker := &fakeBinder{}, &fakePoker{}
	srv := hookserver.New(0, binder, poker)

	rr := post(t, srv, "%7", map[string]any{"hook_event_name": "Stop", "session_id": "s"})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, poker.pokes)
	assert.Empty(t, binder.calls)
}

func TestHookServer_MissingPaneHeader(t *testing.T) {
	binder, poker := &fakeBinder{}, &fakePoker{}
	srv := hookserver.New(0, binder, poker)

	rr := post(t, srv, "", map[string]any{"hook_event_name": "Stop"})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, poker.pokes)
}

func TestHookServer_WrongMethod(t *testing.T) {
	srv := hookserver.New(0, &fakeBinder{}, &fakePoker{})

	req := httptest.NewRequest(http.MethodGet, "/hooks", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHookServer_UnknownEventAndBadBody(t *testing.T) {
	binder, poker := &fakeBinder{}, &fakePoker{}
	srv := hookserver.New(0, binder, poker)

	rr := post(t, srv, "%1", map[string]any{"hook_event_name": "SomeUnknownEvent"})
	assert.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader("{not json"))
	req.Header.Set(hookserver.PaneHeader, "%1")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Empty(t, binder.calls)
	assert.Zero(t, poker.pokes)
}

func TestHookServer_BindErrorStill200(t *testing.T) {
	binder := &fakeBinder{err: errors.New("tmux window not found")}
	srv := hookserver.New(0, binder, &fakePoker{})

	rr := post(t, srv, "%9", map[string]any{"hook_event_name": "SessionStart", "session_id": "x"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, binder.calls, 1)
}

func TestHookServer_StartAndShutdown(t *testing.T) {
	srv := hookserver.New(0, &fakeBinder{}, &fakePoker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Start(ctx))
}
