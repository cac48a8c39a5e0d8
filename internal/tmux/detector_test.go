package tmux

import (
	"strings"
	"testing"
)

func TestDetectState(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    PaneState
	}{
		{
			name:    "empty pane",
			content: "\n\n",
			want:    StateIdle,
		},
		{
			name:    "interrupt hint means busy",
			content: "● Reading files\n✻ Cogitating… (12s · 300 tokens · esc to interrupt)\n",
			want:    StateBusy,
		},
		{
			name:    "spinner with ellipsis means busy",
			content: "some output\n✳ Pondering…\n",
			want:    StateBusy,
		},
		{
			name:    "permission dialog means waiting",
			content: "│ Do you want to make this edit to main.go?\n│ ❯ 1. Yes\n│   2. No, and tell Claude what to do differently\n",
			want:    StateWaiting,
		},
		{
			name:    "plain prompt is idle",
			content: "Done. All tests pass.\n\n> \n",
			want:    StateIdle,
		},
		{
			name:    "ansi codes are ignored",
			content: "\x1b[2mctrl+c to interrupt\x1b[0m\n",
			want:    StateBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectState(tt.content); got != tt.want {
				t.Errorf("DetectState() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPaneStateEmoji(t *testing.T) {
	if StateBusy.Emoji() == StateIdle.Emoji() {
		t.Error("busy and idle should render differently")
	}
	if StateWaiting.Emoji() == "" {
		t.Error("waiting emoji is empty")
	}
}

func TestTailLines(t *testing.T) {
	content := "a\nb\nc\nd\n\n\n"
	if got := TailLines(content, 2); got != "c\nd" {
		t.Errorf("TailLines = %q, want %q", got, "c\nd")
	}
	if got := TailLines("x", 10); got != "x" {
		t.Errorf("TailLines short = %q", got)
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "no ANSI codes", input: "plain text", expected: "plain text"},
		{name: "simple color code", input: "\x1b[31mred\x1b[0m", expected: "red"},
		{name: "256 color code", input: "\x1b[38;5;140mfoo\x1b[0m bar", expected: "foo bar"},
		{name: "multiple codes", input: "\x1b[1m\x1b[31mbold red\x1b[0m normal", expected: "bold red normal"},
		{name: "cursor movement", input: "\x1b[2Amove up\x1b[2Bmove down", expected: "move upmove down"},
		{name: "OSC sequence (window title)", input: "\x1b]0;Title\x07content", expected: "content"},
		{name: "multiline with codes", input: "\x1b[32mline1\x1b[0m\n\x1b[33mline2\x1b[0m", expected: "line1\nline2"},
		{name: "unterminated OSC kept", input: "a\x1b]0;Title", expected: "a\x1b]0;Title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StripANSI(tt.input)
			if result != tt.expected {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func BenchmarkStripANSI(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteString("\x1b[38;5;140mLine \x1b[1mcontent\x1b[0m with \x1b[32mcolor\x1b[0m\n")
	}
	content := sb.String()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = StripANSI(content)
	}
}
