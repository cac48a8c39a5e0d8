package bot

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattn/go-runewidth"

	"github.com/sjoeboo/ccbot/internal/session"
)

// Callback data prefixes.
const (
	cbSelect  = "sel:"
	cbKill    = "kill:"
	cbPage    = "page:"
	cbRefresh = "refresh"
)

const (
	sessionsPerPage = 5
	labelWidth      = 32
)

// buildKeyboard renders one page of sessions: a select button and a kill
// button per row, Prev/Next navigation and a Refresh row.
func buildKeyboard(sessions []session.Session, currentID string, page int) tgbotapi.InlineKeyboardMarkup {
	page = clampPage(page, len(sessions))
	start := page * sessionsPerPage
	end := start + sessionsPerPage
	if end > len(sessions) {
		end = len(sessions)
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, s := range sessions[start:end] {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(sessionLabel(s, s.WindowID == currentID), cbSelect+s.WindowID),
			tgbotapi.NewInlineKeyboardButtonData("✖", cbKill+s.WindowID),
		))
	}

	var nav []tgbotapi.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️ Prev", cbPage+strconv.Itoa(page-1)))
	}
	if page < totalPages(len(sessions))-1 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Next ➡️", cbPage+strconv.Itoa(page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", cbRefresh)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func sessionLabel(s session.Session, current bool) string {
	mark := "  "
	if current {
		mark = "▶ "
	}
	label := mark + s.Name
	if dir := filepath.Base(s.WorkDir); s.WorkDir != "" && dir != s.Name {
		label += " · " + dir
	}
	return runewidth.Truncate(label, labelWidth, "…")
}

func totalPages(n int) int {
	if n == 0 {
		return 1
	}
	return (n + sessionsPerPage - 1) / sessionsPerPage
}

func clampPage(page, n int) int {
	if page < 0 {
		return 0
	}
	if last := totalPages(n) - 1; page > last {
		return last
	}
	return page
}

// pageOf returns the page that shows windowID, or 0.
func pageOf(sessions []session.Session, windowID string) int {
	for i, s := range sessions {
		if s.WindowID == windowID {
			return i / sessionsPerPage
		}
	}
	return 0
}

// listText is the message body above the keyboard.
func listText(sessions []session.Session, current string) string {
	if len(sessions) == 0 {
		return "No sessions. Start one with /new <dir> [name]."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s).", len(sessions))
	for _, s := range sessions {
		if s.WindowID == current {
			fmt.Fprintf(&b, " Current: %s.", s.Name)
		}
	}
	b.WriteString("\nTap a session to make it current, ✖ to kill it.")
	return b.String()
}
