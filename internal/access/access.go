// Package access gates Telegram updates behind a static user allow-list.
package access

import (
	"log/slog"
	"sort"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sjoeboo/ccbot/internal/logging"
)

var accessLog = logging.ForComponent(logging.CompAccess)

// AllowList is an immutable set of Telegram user ids.
type AllowList struct {
	ids map[int64]struct{}
}

// NewAllowList builds an allow-list. Non-positive ids are ignored.
func NewAllowList(ids []int64) *AllowList {
	a := &AllowList{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		if id > 0 {
			a.ids[id] = struct{}{}
		}
	}
	return a
}

// Allowed reports whether userID may use the bot. An empty list allows nobody.
func (a *AllowList) Allowed(userID int64) bool {
	if a == nil || len(a.ids) == 0 {
		return false
	}
	_, ok := a.ids[userID]
	return ok
}

// AllowedUser checks a Telegram sender. A nil sender (channel posts,
// anonymous admins) is rejected.
func (a *AllowList) AllowedUser(u *tgbotapi.User) bool {
	if u == nil {
		return false
	}
	return a.Allowed(u.ID)
}

// AllowedUpdate checks the sender of a message or callback query. Updates
// without either are rejected.
func (a *AllowList) AllowedUpdate(update tgbotapi.Update) bool {
	var from *tgbotapi.User
	switch {
	case update.Message != nil:
		from = update.Message.From
	case update.CallbackQuery != nil:
		from = update.CallbackQuery.From
	default:
		return false
	}
	if a.AllowedUser(from) {
		return true
	}
	attrs := []any{slog.Int("update_id", update.UpdateID)}
	if from != nil {
		attrs = append(attrs, slog.Int64("user_id", from.ID), slog.String("username", from.UserName))
	}
	accessLog.Warn("update_rejected", attrs...)
	return false
}

// IDs returns the allowed ids in ascending order.
func (a *AllowList) IDs() []int64 {
	if a == nil {
		return nil
	}
	out := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of allowed users.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.ids)
}
