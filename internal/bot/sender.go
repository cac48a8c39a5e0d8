package bot

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

// Sender is the subset of *tgbotapi.BotAPI the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// outbox serializes outbound API calls through a shared rate limiter.
type outbox struct {
	api     Sender
	limiter *rate.Limiter
}

func newOutbox(api Sender, perSecond float64, burst int) *outbox {
	if perSecond <= 0 {
		perSecond = 25
	}
	if burst <= 0 {
		burst = 5
	}
	return &outbox{api: api, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (o *outbox) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	return o.api.Send(c)
}

func (o *outbox) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := o.api.Request(c)
	return err
}

// sendText splits text and sends every chunk. With markdown set, each chunk
// is tried with Markdown parse mode first and resent as plain text when
// Telegram rejects the markup.
func (o *outbox) sendText(ctx context.Context, chatID int64, text string, markdown bool) error {
	var firstErr error
	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		if err := o.sendChunk(ctx, chatID, chunk, markdown); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			botLog.Warn("send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *outbox) sendChunk(ctx context.Context, chatID int64, chunk string, markdown bool) error {
	msg := tgbotapi.NewMessage(chatID, chunk)
	if !markdown {
		_, err := o.send(ctx, msg)
		return err
	}
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := o.send(ctx, msg)
	if err == nil || ctx.Err() != nil {
		return err
	}
	botLog.Debug("markdown_rejected", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	msg.ParseMode = ""
	_, err = o.send(ctx, msg)
	return err
}

// SplitMessage breaks text into chunks of at most max runes, preferring
// line boundaries. Lines longer than max are hard-split.
func SplitMessage(text string, max int) []string {
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := utf8.RuneCountInString(line)
		switch {
		case lineLen > max:
			flush()
			runes := []rune(line)
			for i := 0; i < len(runes); i += max {
				end := i + max
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[i:end]))
			}
		case curLen+lineLen+1 > max:
			flush()
			cur.WriteString(line)
			cur.WriteByte('\n')
			curLen = lineLen + 1
		default:
			cur.WriteString(line)
			cur.WriteByte('\n')
			curLen += lineLen + 1
		}
	}
	flush()
	return chunks
}
