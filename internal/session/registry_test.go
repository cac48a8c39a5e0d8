package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/ccbot/internal/store"
	"github.com/sjoeboo/ccbot/internal/tmux"
)

// fakeMux is an in-memory tmux session.
type fakeMux struct {
	sessionUp bool
	windows   []tmux.Window
	nextID    int
	sent      map[string][]string
	keys      map[string][]string
	screens   map[string]string
	panes     map[string]string
	failKill  bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		nextID:  1,
		sent:    map[string][]string{},
		keys:    map[string][]string{},
		screens: map[string]string{},
		panes:   map[string]string{},
	}
}

func (f *fakeMux) EnsureSession(string) error {
	f.sessionUp = true
	return nil
}

func (f *fakeMux) ListWindows() ([]tmux.Window, error) {
	return append([]tmux.Window(nil), f.windows...), nil
}

func (f *fakeMux) NewWindow(name, dir string) (tmux.Window, error) {
	w := tmux.Window{
		ID:     fmt.Sprintf("@%d", f.nextID),
		Name:   name,
		PaneID: fmt.Sprintf("%%%d", f.nextID),
		Path:   dir,
	}
	f.nextID++
	f.windows = append(f.windows, w)
	f.panes[w.PaneID] = w.ID
	return w, nil
}

func (f *fakeMux) KillWindow(id string) error {
	if f.failKill {
		return fmt.Errorf("tmux kill-window failed: can't find window: %s", id)
	}
	for i, w := range f.windows {
		if w.ID == id {
			f.windows = append(f.windows[:i], f.windows[i+1:]...)
			return nil
		}
	}
	return tmux.ErrNoWindow
}

func (f *fakeMux) SendText(target, text string) error {
	f.sent[target] = append(f.sent[target], text)
	return nil
}

func (f *fakeMux) SendKeys(target string, keys ...string) error {
	f.keys[target] = append(f.keys[target], keys...)
	return nil
}

func (f *fakeMux) CapturePane(target string) (string, error) {
	return f.screens[target], nil
}

func (f *fakeMux) WindowForPane(pane string) (string, error) {
	id, ok := f.panes[pane]
	if !ok {
		return "", tmux.ErrNoWindow
	}
	return id, nil
}

// external simulates a window created by hand inside the session.
func (f *fakeMux) external(name, dir string) tmux.Window {
	w, _ := f.NewWindow(name, dir)
	return w
}

func newTestRegistry(t *testing.T) (*Registry, *fakeMux, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mux := newFakeMux()
	reg := NewRegistry(mux, st, Options{Command: "claude --continue", ClaudeConfigDir: t.TempDir()})
	return reg, mux, st
}

func mkdir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}

func TestCreateStartsAssistantAndSetsCurrent(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()
	dir := mkdir(t, "api")

	s, err := reg.Create(ctx, 42, dir, "")
	require.NoError(t, err)
	assert.Equal(t, "api", s.Name)
	assert.Equal(t, "@1", s.WindowID)
	assert.Equal(t, dir, s.WorkDir)
	assert.True(t, mux.sessionUp)
	assert.Equal(t, []string{"claude --continue"}, mux.sent["@1"])

	cur, err := reg.Current(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "@1", cur.WindowID)
}

func TestCreateDedupesNames(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	dir := mkdir(t, "api")

	first, err := reg.Create(ctx, 0, dir, "")
	require.NoError(t, err)
	second, err := reg.Create(ctx, 0, dir, "")
	require.NoError(t, err)
	third, err := reg.Create(ctx, 0, dir, "api")
	require.NoError(t, err)

	assert.Equal(t, "api", first.Name)
	assert.Equal(t, "api-2", second.Name)
	assert.Equal(t, "api-3", third.Name)
}

func TestCreateWithoutChatLeavesNoCurrent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, 0, mkdir(t, "web"), "")
	require.NoError(t, err)

	_, err = reg.Current(ctx, 42)
	assert.ErrorIs(t, err, ErrNoCurrent)
}

func TestCreateRejectsBadDir(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, 1, filepath.Join(t.TempDir(), "missing"), "")
	assert.ErrorIs(t, err, ErrInvalidDir)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = reg.Create(ctx, 1, file, "")
	assert.ErrorIs(t, err, ErrInvalidDir)

	_, err = reg.Create(ctx, 1, "  ", "")
	assert.ErrorIs(t, err, ErrInvalidDir)
	assert.Empty(t, mux.windows)
}

func TestCreateExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "proj"), 0755))

	reg, _, _ := newTestRegistry(t)
	s, err := reg.Create(context.Background(), 0, "~/proj", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "proj"), s.WorkDir)
}

func TestCreateAvoidsMainWindowName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	s, err := reg.Create(context.Background(), 0, mkdir(t, "x"), "__main__")
	require.NoError(t, err)
	assert.Equal(t, "__main__-2", s.Name)
}

func TestCreateSanitizesName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	s, err := reg.Create(context.Background(), 0, mkdir(t, "my.app"), "")
	require.NoError(t, err)
	assert.Equal(t, "my-app", s.Name)
}

func TestCreateOnReusedWindowIDStartsClean(t *testing.T) {
	reg, mux, st := newTestRegistry(t)
	ctx := context.Background()

	old, err := reg.Create(ctx, 111, mkdir(t, "old"), "")
	require.NoError(t, err)
	require.NoError(t, st.BindTranscript(ctx, old.WindowID, "sess", "/t/old.jsonl", 999))

	// tmux restarted while the bot was down and hands out @1 again
	mux.windows = nil
	mux.nextID = 1

	s, err := reg.Create(ctx, 222, mkdir(t, "fresh"), "")
	require.NoError(t, err)
	assert.Equal(t, old.WindowID, s.WindowID)

	_, err = reg.Current(ctx, 111)
	assert.ErrorIs(t, err, ErrNoCurrent)

	chats, err := reg.ChatsFor(ctx, s.WindowID)
	require.NoError(t, err)
	assert.Equal(t, []int64{222}, chats)

	rec, err := st.GetWindow(ctx, s.WindowID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.Name)
	assert.Empty(t, rec.TranscriptPath)
	assert.Empty(t, rec.ClaudeSessionID)
	assert.Zero(t, rec.Offset)
}

func TestSelectAndResolve(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	api, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)
	web, err := reg.Create(ctx, 1, mkdir(t, "web"), "")
	require.NoError(t, err)

	cur, err := reg.Current(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, web.WindowID, cur.WindowID)

	s, err := reg.Select(ctx, 1, "api")
	require.NoError(t, err)
	assert.Equal(t, api.WindowID, s.WindowID)

	s, err = reg.Resolve(ctx, web.WindowID)
	require.NoError(t, err)
	assert.Equal(t, "web", s.Name)

	_, err = reg.Select(ctx, 1, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Resolve(ctx, "__main__")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteClearsEveryPointer(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()

	api, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)
	_, err = reg.Select(ctx, 2, "api")
	require.NoError(t, err)
	web, err := reg.Create(ctx, 3, mkdir(t, "web"), "")
	require.NoError(t, err)

	deleted, cleared, err := reg.Delete(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, api.WindowID, deleted.WindowID)
	assert.ElementsMatch(t, []int64{1, 2}, cleared)
	assert.Len(t, mux.windows, 1)

	_, err = reg.Current(ctx, 1)
	assert.ErrorIs(t, err, ErrNoCurrent)
	_, err = reg.Current(ctx, 2)
	assert.ErrorIs(t, err, ErrNoCurrent)

	cur, err := reg.Current(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, web.WindowID, cur.WindowID)

	_, _, err = reg.Delete(ctx, "api")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteKeepsRecordWhenKillFails(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)
	mux.failKill = true

	_, _, err = reg.Delete(ctx, "api")
	require.Error(t, err)

	cur, err := reg.Current(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "api", cur.Name)
}

func TestCurrentClearsVanishedWindow(t *testing.T) {
	reg, mux, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)
	mux.windows = nil // window closed by hand

	_, err = reg.Current(ctx, 1)
	assert.ErrorIs(t, err, ErrNoCurrent)

	_, err = st.GetWindow(ctx, s.WindowID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	id, err := st.Current(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestListAdoptsAndPrunes(t *testing.T) {
	reg, mux, st := newTestRegistry(t)
	ctx := context.Background()

	api, err := reg.Create(ctx, 0, mkdir(t, "api"), "")
	require.NoError(t, err)
	ext := mux.external("scratch", "/tmp/scratch")

	sessions, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, api.WindowID, sessions[0].WindowID)
	assert.Equal(t, "scratch", sessions[1].Name)
	assert.Equal(t, "/tmp/scratch", sessions[1].WorkDir)

	rec, err := st.GetWindow(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, "scratch", rec.Name)

	// renamed by hand, then the other window closed
	mux.windows[1].Name = "notes"
	mux.windows = mux.windows[1:]
	require.NoError(t, reg.Reconcile(ctx))

	sessions, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "notes", sessions[0].Name)

	_, err = st.GetWindow(ctx, api.WindowID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendAndKeys(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Send(ctx, 1, "hello")
	assert.ErrorIs(t, err, ErrNoCurrent)

	s, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)

	_, err = reg.Send(ctx, 1, "line one\nline two")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", mux.sent[s.WindowID][1])

	_, err = reg.SendKeys(ctx, 1, "Escape")
	require.NoError(t, err)
	assert.Equal(t, []string{"Escape"}, mux.keys[s.WindowID])
}

func TestSendPassesDashPrefixedText(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)

	for _, text := range []string{"--help", "- fix the bug", "-v"} {
		_, err := reg.Send(ctx, 1, text)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"claude --continue", "--help", "- fix the bug", "-v"}, mux.sent[s.WindowID])
}

// recordingRunner answers list-windows with one window and records the rest.
type recordingRunner struct {
	calls [][]string
}

func (r *recordingRunner) Run(args []string, _ []byte) ([]byte, error) {
	if args[0] == "list-windows" {
		return []byte("@4\tapi\t%4\t/src/api\n"), nil
	}
	r.calls = append(r.calls, args)
	return nil, nil
}

func TestSendDashPrefixedTextThroughTmux(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := &recordingRunner{}
	reg := NewRegistry(tmux.NewClientWithRunner(runner, "ccbot", "__main__"), st, Options{Command: "claude"})
	ctx := context.Background()
	require.NoError(t, st.UpsertWindow(ctx, store.Window{WindowID: "@4", Name: "api", PaneID: "%4", WorkDir: "/src/api"}))
	require.NoError(t, st.SetCurrent(ctx, 7, "@4"))

	_, err = reg.Send(ctx, 7, "--help")
	require.NoError(t, err)
	require.NotEmpty(t, runner.calls)
	assert.Equal(t, []string{"send-keys", "-t", "@4", "-l", "--", "--help"}, runner.calls[0])
}

func TestCapture(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)
	mux.screens[s.WindowID] = "\x1b[1mWorking\x1b[0m\n✻ Thinking… (esc to interrupt)\n"

	screen, err := reg.Capture(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tmux.StateBusy, screen.State)
	assert.False(t, strings.Contains(screen.Text, "\x1b"))
	assert.Equal(t, "api", screen.Session.Name)
}

func TestBindTranscriptStartsAtEnd(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sess.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"user\"}\n"), 0644))

	bound, err := reg.BindTranscript(ctx, s.PaneID, "sess", path)
	require.NoError(t, err)
	assert.Equal(t, "sess", bound.ClaudeSessionID)

	rec, err := st.GetWindow(ctx, s.WindowID)
	require.NoError(t, err)
	assert.Equal(t, path, rec.TranscriptPath)
	assert.Equal(t, int64(16), rec.Offset)

	// re-reporting the same transcript keeps progress
	require.NoError(t, st.SetOffset(ctx, s.WindowID, path, 4))
	_, err = reg.BindTranscript(ctx, s.PaneID, "sess", path)
	require.NoError(t, err)
	rec, err = st.GetWindow(ctx, s.WindowID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Offset)
}

func TestBindTranscriptDerivesPath(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, 1, mkdir(t, "api"), "")
	require.NoError(t, err)

	_, err = reg.BindTranscript(ctx, s.PaneID, "abc", "")
	require.NoError(t, err)

	rec, err := st.GetWindow(ctx, s.WindowID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rec.TranscriptPath, "abc.jsonl"), rec.TranscriptPath)
	assert.Contains(t, rec.TranscriptPath, filepath.Join(reg.opts.ClaudeConfigDir, "projects"))
}

func TestBindTranscriptAdoptsExternalWindow(t *testing.T) {
	reg, mux, _ := newTestRegistry(t)
	ctx := context.Background()
	w := mux.external("manual", "/tmp")

	s, err := reg.BindTranscript(ctx, w.PaneID, "x", filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, w.ID, s.WindowID)

	_, err = reg.BindTranscript(ctx, "%999", "x", "")
	assert.ErrorIs(t, err, tmux.ErrNoWindow)
}

func TestChatsForAndBoundWindows(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, 5, mkdir(t, "api"), "")
	require.NoError(t, err)
	_, err = reg.Select(ctx, 9, s.WindowID)
	require.NoError(t, err)

	chats, err := reg.ChatsFor(ctx, s.WindowID)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 9}, chats)

	bound, err := reg.BoundWindows(ctx)
	require.NoError(t, err)
	assert.True(t, bound[s.WindowID])
}
