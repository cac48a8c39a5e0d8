package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api", PaneID: "%5", WorkDir: "/src/api"}))

	w, err := s.GetWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Equal(t, "api", w.Name)
	assert.Equal(t, "%5", w.PaneID)
	assert.Equal(t, "/src/api", w.WorkDir)
	assert.False(t, w.CreatedAt.IsZero())

	_, err = s.GetWindow(ctx, "@99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPreservesBinding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api", PaneID: "%5", WorkDir: "/src/api"}))
	require.NoError(t, s.BindTranscript(ctx, "@3", "sess-1", "/tmp/t.jsonl", 120))

	// rename seen during reconcile, pane unknown
	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api-renamed"}))

	w, err := s.GetWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Equal(t, "api-renamed", w.Name)
	assert.Equal(t, "%5", w.PaneID)
	assert.Equal(t, "/src/api", w.WorkDir)
	assert.Equal(t, "sess-1", w.ClaudeSessionID)
	assert.Equal(t, "/tmp/t.jsonl", w.TranscriptPath)
	assert.Equal(t, int64(120), w.Offset)
}

func TestListWindowsOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@5", Name: "b", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@4", Name: "a", CreatedAt: base}))

	windows, err := s.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, "@4", windows[0].WindowID)
	assert.Equal(t, "@5", windows[1].WindowID)
}

func TestCurrentPointers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Current(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetCurrent(ctx, 42, "@3"))
	require.NoError(t, s.SetCurrent(ctx, 7, "@3"))
	require.NoError(t, s.SetCurrent(ctx, 42, "@4"))

	id, err = s.Current(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "@4", id)

	chats, err := s.ChatsForWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, chats)

	bound, err := s.BoundWindowIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"@3": true, "@4": true}, bound)

	require.NoError(t, s.ClearCurrent(ctx, 7))
	chats, err = s.ChatsForWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestDeleteWindowClearsPointers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api"}))
	require.NoError(t, s.SetCurrent(ctx, 1, "@3"))
	require.NoError(t, s.SetCurrent(ctx, 2, "@3"))
	require.NoError(t, s.SetCurrent(ctx, 3, "@8"))

	cleared, err := s.DeleteWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, cleared)

	_, err = s.GetWindow(ctx, "@3")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := s.Current(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = s.Current(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "@8", id)
}

func TestBindTranscriptUnknownWindow(t *testing.T) {
	s := openTestStore(t)
	err := s.BindTranscript(context.Background(), "@1", "x", "/tmp/x", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOffset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api"}))
	require.NoError(t, s.BindTranscript(ctx, "@3", "sess", "/t/a.jsonl", 0))
	require.NoError(t, s.SetOffset(ctx, "@3", "/t/a.jsonl", 4096))

	w, err := s.GetWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), w.Offset)
}

func TestSetOffsetIgnoresStaleTranscript(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api"}))
	require.NoError(t, s.BindTranscript(ctx, "@3", "old", "/t/a.jsonl", 5000))
	// the window is rebound while a reader still holds the old path
	require.NoError(t, s.BindTranscript(ctx, "@3", "new", "/t/b.jsonl", 200))
	require.NoError(t, s.SetOffset(ctx, "@3", "/t/a.jsonl", 5100))

	w, err := s.GetWindow(ctx, "@3")
	require.NoError(t, err)
	assert.Equal(t, "/t/b.jsonl", w.TranscriptPath)
	assert.Equal(t, int64(200), w.Offset)
}

func TestReplaceWindowResetsBindingAndPointers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@1", Name: "old", WorkDir: "/src/old"}))
	require.NoError(t, s.BindTranscript(ctx, "@1", "sess", "/t/old.jsonl", 999))
	require.NoError(t, s.SetCurrent(ctx, 111, "@1"))

	cleared, err := s.ReplaceWindow(ctx, Window{WindowID: "@1", Name: "new", PaneID: "%1", WorkDir: "/src/new"})
	require.NoError(t, err)
	assert.Equal(t, []int64{111}, cleared)

	w, err := s.GetWindow(ctx, "@1")
	require.NoError(t, err)
	assert.Equal(t, "new", w.Name)
	assert.Equal(t, "/src/new", w.WorkDir)
	assert.Empty(t, w.TranscriptPath)
	assert.Empty(t, w.ClaudeSessionID)
	assert.Zero(t, w.Offset)

	cur, err := s.Current(ctx, 111)
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertWindow(ctx, Window{WindowID: "@3", Name: "api"}))
	require.NoError(t, s.SetCurrent(ctx, 9, "@3"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Current(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "@3", id)
}
