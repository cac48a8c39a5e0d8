package tmux

import (
	"strings"
)

// PaneState is the assistant state guessed from a pane capture.
type PaneState string

const (
	StateIdle    PaneState = "idle"    // prompt shown, nothing pending
	StateBusy    PaneState = "busy"    // actively working
	StateWaiting PaneState = "waiting" // asking the user something
)

// Emoji returns a one-glyph marker for chat output.
func (s PaneState) Emoji() string {
	switch s {
	case StateBusy:
		return "⏳"
	case StateWaiting:
		return "❓"
	default:
		return "💤"
	}
}

// recentLines is how many non-empty lines the detector looks at.
const recentLines = 15

var busyIndicators = []string{
	"esc to interrupt",
	"ctrl+c to interrupt",
}

// Braille "dots" spinner plus the asterisk spinner of newer Claude Code builds.
var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", "✳", "✽", "✶", "✢"}

var waitingPrompts = []string{
	"No, and tell Claude what to do differently",
	"Yes, allow once",
	"Yes, allow always",
	"Do you want to proceed?",
	"Do you want to make this edit",
	"Do you trust the files in this folder?",
	"│ Do you want",
	"❯ Yes",
	"❯ 1. Yes",
	"(Y/n)",
	"(y/N)",
	"[Y/n]",
	"[y/N]",
	"Approve this plan?",
}

// DetectState classifies captured pane content. Busy wins over waiting,
// waiting over idle.
func DetectState(content string) PaneState {
	lines := lastNonEmpty(StripANSI(content), recentLines)
	if len(lines) == 0 {
		return StateIdle
	}
	recent := strings.Join(lines, "\n")
	recentLower := strings.ToLower(recent)

	for _, indicator := range busyIndicators {
		if strings.Contains(recentLower, indicator) {
			return StateBusy
		}
	}

	tail := lines
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	for _, line := range tail {
		for _, spinner := range spinnerChars {
			if strings.Contains(line, spinner) && strings.Contains(line, "…") {
				return StateBusy
			}
		}
	}

	for _, prompt := range waitingPrompts {
		if strings.Contains(recent, prompt) {
			return StateWaiting
		}
	}
	return StateIdle
}

// TailLines returns at most n trailing lines of content with trailing blank
// lines removed.
func TailLines(content string, n int) string {
	lines := strings.Split(strings.TrimRight(content, "\n \t"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func lastNonEmpty(content string, n int) []string {
	all := strings.Split(content, "\n")
	var out []string
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(all[i]) != "" {
			out = append([]string{all[i]}, out...)
		}
	}
	return out
}

// StripANSI removes CSI (ESC [ ... letter) and OSC (ESC ] ... BEL) escape
// sequences in a single pass.
func StripANSI(content string) string {
	if !strings.Contains(content, "\x1b") {
		return content
	}
	var b strings.Builder
	b.Grow(len(content))
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c != 0x1b || i+1 >= len(content) {
			b.WriteByte(c)
			continue
		}
		switch content[i+1] {
		case '[':
			j := i + 2
			for j < len(content) {
				ch := content[j]
				j++
				if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
					break
				}
			}
			i = j - 1
		case ']':
			end := strings.IndexByte(content[i:], 0x07)
			if end == -1 {
				b.WriteString(content[i:])
				return b.String()
			}
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
