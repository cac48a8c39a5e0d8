// Package bot routes Telegram updates to the session registry and delivers
// assistant replies back to chats.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sjoeboo/ccbot/internal/access"
	"github.com/sjoeboo/ccbot/internal/logging"
	"github.com/sjoeboo/ccbot/internal/monitor"
	"github.com/sjoeboo/ccbot/internal/session"
	"github.com/sjoeboo/ccbot/internal/tmux"
)

var botLog = logging.ForComponent(logging.CompBot)

const (
	// screenLines is how much of the pane /screen shows.
	screenLines = 40
	// maxReplyLength truncates assistant replies before splitting.
	maxReplyLength = 3500
)

// Registry is the session registry as seen by the router.
type Registry interface {
	Create(ctx context.Context, chatID int64, dir, name string) (session.Session, error)
	Delete(ctx context.Context, ref string) (session.Session, []int64, error)
	Select(ctx context.Context, chatID int64, ref string) (session.Session, error)
	Current(ctx context.Context, chatID int64) (session.Session, error)
	List(ctx context.Context) ([]session.Session, error)
	Send(ctx context.Context, chatID int64, text string) (session.Session, error)
	SendKeys(ctx context.Context, chatID int64, keys ...string) (session.Session, error)
	Capture(ctx context.Context, chatID int64) (session.Screen, error)
	ChatsFor(ctx context.Context, windowID string) ([]int64, error)
}

// Options tunes outbound traffic.
type Options struct {
	SendRate  float64
	SendBurst int
}

// Bot dispatches commands, button presses and free text.
type Bot struct {
	out      *outbox
	registry Registry
	allow    *access.AllowList
}

// New creates a bot over a Telegram API client.
func New(api Sender, registry Registry, allow *access.AllowList, opts Options) *Bot {
	return &Bot{
		out:      newOutbox(api, opts.SendRate, opts.SendBurst),
		registry: registry,
		allow:    allow,
	}
}

// Commands is the menu registered with Telegram.
var Commands = []tgbotapi.BotCommand{
	{Command: "new", Description: "Start a session: /new <dir> [name]"},
	{Command: "list", Description: "Pick or kill a session"},
	{Command: "current", Description: "Show the current session"},
	{Command: "screen", Description: "Show the current pane"},
	{Command: "esc", Description: "Send Escape"},
	{Command: "ctrlc", Description: "Send Ctrl-C"},
	{Command: "kill", Description: "Kill a session: /kill [name]"},
	{Command: "help", Description: "Usage"},
}

// RegisterCommands publishes the command menu.
func (b *Bot) RegisterCommands(ctx context.Context) error {
	if err := b.out.request(ctx, tgbotapi.NewSetMyCommands(Commands...)); err != nil {
		return fmt.Errorf("set bot commands: %w", err)
	}
	return nil
}

// Run handles updates until ctx is cancelled or the channel closes.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	botLog.Info("bot_started", slog.Int("allowed_users", b.allow.Len()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate routes one update. Updates from users outside the allow-list
// are dropped.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if !b.allow.AllowedUpdate(update) {
		if q := update.CallbackQuery; q != nil {
			_ = b.out.request(ctx, tgbotapi.NewCallback(q.ID, "Not authorized"))
		} else if m := update.Message; m != nil && m.Chat != nil && m.Chat.IsPrivate() {
			_ = b.out.sendText(ctx, m.Chat.ID, "You are not authorized to use this bot.", false)
		}
		return
	}
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	if !msg.IsCommand() {
		b.handleText(ctx, chatID, msg.Text)
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	botLog.Debug("command", slog.String("command", msg.Command()), slog.Int64("chat_id", chatID))

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(ctx, chatID)
	case "new":
		b.cmdNew(ctx, chatID, args)
	case "list":
		b.cmdList(ctx, chatID)
	case "current":
		b.cmdCurrent(ctx, chatID)
	case "kill":
		b.cmdKill(ctx, chatID, args)
	case "screen":
		b.cmdScreen(ctx, chatID)
	case "esc":
		b.cmdKeys(ctx, chatID, "Escape")
	case "ctrlc":
		b.cmdKeys(ctx, chatID, "C-c")
	default:
		b.reply(ctx, chatID, "Unknown command. Send /help for usage.")
	}
}

func (b *Bot) handleText(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		b.reply(ctx, chatID, "Only text messages can be sent to a session.")
		return
	}
	s, err := b.registry.Send(ctx, chatID, text)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	botLog.Debug("text_forwarded", slog.Int64("chat_id", chatID), slog.String("window", s.WindowID))
}

const helpText = `ccbot relays this chat to Claude Code sessions running in tmux.

/new <dir> [name] - start a session in dir and make it current
/list - pick the current session or kill one
/current - show the current session
/screen - show the current pane
/esc, /ctrlc - send Escape or Ctrl-C
/kill [name] - kill a session (default: current)

Any other text is typed into the current session.`

func (b *Bot) cmdHelp(ctx context.Context, chatID int64) {
	sessions, err := b.registry.List(ctx)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	msg := tgbotapi.NewMessage(chatID, helpText)
	if len(sessions) > 0 {
		msg.ReplyMarkup = buildKeyboard(sessions, b.currentID(ctx, chatID), 0)
	}
	if _, err := b.out.send(ctx, msg); err != nil {
		botLog.Warn("send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (b *Bot) cmdNew(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		b.reply(ctx, chatID, "Usage: /new <dir> [name]")
		return
	}
	name := ""
	if len(fields) == 2 {
		name = fields[1]
	}
	s, err := b.registry.Create(ctx, chatID, fields[0], name)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("✅ Started %s in %s (%s). It is now current.", s.Name, s.WorkDir, s.WindowID))
}

func (b *Bot) cmdList(ctx context.Context, chatID int64) {
	sessions, err := b.registry.List(ctx)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	current := b.currentID(ctx, chatID)
	msg := tgbotapi.NewMessage(chatID, listText(sessions, current))
	if len(sessions) > 0 {
		msg.ReplyMarkup = buildKeyboard(sessions, current, pageOf(sessions, current))
	}
	if _, err := b.out.send(ctx, msg); err != nil {
		botLog.Warn("send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (b *Bot) cmdCurrent(ctx context.Context, chatID int64) {
	s, err := b.registry.Current(ctx, chatID)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("▶ %s (%s)\n📁 %s", s.Name, s.WindowID, s.WorkDir))
}

func (b *Bot) cmdKill(ctx context.Context, chatID int64, ref string) {
	if ref == "" {
		cur, err := b.registry.Current(ctx, chatID)
		if err != nil {
			b.replyError(ctx, chatID, err)
			return
		}
		ref = cur.WindowID
	}
	b.kill(ctx, chatID, ref)
}

// kill deletes a session, confirms to chatID and tells every other chat
// that lost its current session.
func (b *Bot) kill(ctx context.Context, chatID int64, ref string) (session.Session, bool) {
	s, cleared, err := b.registry.Delete(ctx, ref)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return session.Session{}, false
	}
	b.reply(ctx, chatID, fmt.Sprintf("🗑 Killed %s.", s.Name))
	for _, other := range cleared {
		if other != chatID {
			b.reply(ctx, other, fmt.Sprintf("Session %s was killed. Pick another with /list.", s.Name))
		}
	}
	return s, true
}

func (b *Bot) cmdScreen(ctx context.Context, chatID int64) {
	screen, err := b.registry.Capture(ctx, chatID)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	body := tmux.TailLines(screen.Text, screenLines)
	if strings.TrimSpace(body) == "" {
		body = "(empty pane)"
	}
	header := fmt.Sprintf("%s %s (%s)", screen.State.Emoji(), screen.Session.Name, screen.State)
	b.reply(ctx, chatID, header+"\n\n"+body)
}

func (b *Bot) cmdKeys(ctx context.Context, chatID int64, key string) {
	s, err := b.registry.SendKeys(ctx, chatID, key)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Sent %s to %s.", key, s.Name))
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		b.answer(ctx, q, "")
		return
	}
	chatID := q.Message.Chat.ID
	data := q.Data
	page := -1

	switch {
	case strings.HasPrefix(data, cbSelect):
		s, err := b.registry.Select(ctx, chatID, strings.TrimPrefix(data, cbSelect))
		if err != nil {
			b.answer(ctx, q, callbackError(err))
		} else {
			b.answer(ctx, q, "▶ "+s.Name)
		}
	case strings.HasPrefix(data, cbKill):
		if s, ok := b.kill(ctx, chatID, strings.TrimPrefix(data, cbKill)); ok {
			b.answer(ctx, q, "Killed "+s.Name)
		} else {
			b.answer(ctx, q, "Kill failed")
		}
	case strings.HasPrefix(data, cbPage):
		n, err := strconv.Atoi(strings.TrimPrefix(data, cbPage))
		if err != nil {
			b.answer(ctx, q, "")
			return
		}
		page = n
		b.answer(ctx, q, "")
	case data == cbRefresh:
		b.answer(ctx, q, "Refreshed")
	default:
		b.answer(ctx, q, "Unknown action")
		return
	}

	b.refreshKeyboard(ctx, chatID, q.Message.MessageID, page)
}

// refreshKeyboard re-renders the list in place. A negative page keeps the
// current session's page in view.
func (b *Bot) refreshKeyboard(ctx context.Context, chatID int64, messageID, page int) {
	sessions, err := b.registry.List(ctx)
	if err != nil {
		botLog.Warn("list_failed", slog.String("error", err.Error()))
		return
	}
	current := b.currentID(ctx, chatID)
	if page < 0 {
		page = pageOf(sessions, current)
	}
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, listText(sessions, current), buildKeyboard(sessions, current, page))
	if err := b.out.request(ctx, edit); err != nil && !strings.Contains(err.Error(), "message is not modified") {
		botLog.Warn("keyboard_edit_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (b *Bot) answer(ctx context.Context, q *tgbotapi.CallbackQuery, text string) {
	if err := b.out.request(ctx, tgbotapi.NewCallback(q.ID, text)); err != nil {
		botLog.Debug("callback_answer_failed", slog.String("error", err.Error()))
	}
}

func (b *Bot) currentID(ctx context.Context, chatID int64) string {
	s, err := b.registry.Current(ctx, chatID)
	if err != nil {
		return ""
	}
	return s.WindowID
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	_ = b.out.sendText(ctx, chatID, text, false)
}

// replyError turns registry errors into short chat replies.
func (b *Bot) replyError(ctx context.Context, chatID int64, err error) {
	switch {
	case errors.Is(err, session.ErrNoCurrent):
		b.reply(ctx, chatID, "No current session. Start one with /new <dir> or pick one with /list.")
	case errors.Is(err, session.ErrNotFound):
		b.reply(ctx, chatID, "Session not found. See /list.")
	case errors.Is(err, session.ErrInvalidDir):
		b.reply(ctx, chatID, "❌ "+err.Error())
	default:
		botLog.Error("handler_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
		b.reply(ctx, chatID, "❌ Error: "+err.Error())
	}
}

func callbackError(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "Session not found"
	default:
		return "Failed"
	}
}

// Deliver forwards monitor messages to every chat whose current session
// produced them, until msgs closes or ctx is cancelled.
func (b *Bot) Deliver(ctx context.Context, msgs <-chan monitor.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			b.deliver(ctx, m)
		}
	}
}

func (b *Bot) deliver(ctx context.Context, m monitor.Message) {
	chats, err := b.registry.ChatsFor(ctx, m.WindowID)
	if err != nil {
		botLog.Warn("chats_lookup_failed", slog.String("window", m.WindowID), slog.String("error", err.Error()))
		return
	}
	if len(chats) == 0 {
		botLog.Debug("reply_unrouted", slog.String("window", m.WindowID))
		return
	}
	text := FormatReply(m.WindowName, m.Text)
	for _, chatID := range chats {
		if err := b.out.sendText(ctx, chatID, text, true); err != nil {
			botLog.Warn("reply_delivery_failed",
				slog.Int64("chat_id", chatID),
				slog.String("window", m.WindowID),
				slog.String("error", err.Error()))
		}
	}
}

// FormatReply adds the session header and truncates long replies.
func FormatReply(name, text string) string {
	if runes := []rune(text); len(runes) > maxReplyLength {
		text = string(runes[:maxReplyLength]) + "\n\n[... truncated]"
	}
	return fmt.Sprintf("🤖 [%s]\n\n%s", name, text)
}
