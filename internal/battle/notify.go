package battle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/quizbattle/internal/obslog"
)

// Notifier surfaces alerts to the player: a terminal line, a toast, a test spy.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

type NotifierFunc func(ctx context.Context, a Alert)

func (f NotifierFunc) Notify(ctx context.Context, a Alert) { f(ctx, a) }

// Renderer renders a message template by key. *msgcat.Catalog satisfies it.
type Renderer interface {
	Render(key string, data any) (string, error)
}

var fallbackText = map[AlertKind]string{
	AlertRoomNotFound:         "room not found",
	AlertRoomFull:             "room is full",
	AlertOpponentDisconnected: "opponent disconnected",
	AlertConnectionLost:       "connection to the battle hub lost",
}

// AlertText renders a under "alert.<kind>", falling back to built-in English
// when r is nil or has no usable template.
func AlertText(r Renderer, a Alert) string {
	if r != nil {
		data := map[string]any{"RoomCode": string(a.RoomCode)}
		if s, err := r.Render("alert."+string(a.Kind), data); err == nil {
			return s
		}
	}
	text, ok := fallbackText[a.Kind]
	if !ok {
		text = string(a.Kind)
	}
	if a.RoomCode != "" {
		return fmt.Sprintf("%s (%s)", text, a.RoomCode)
	}
	return text
}

// LogNotifier writes alerts to the log. It is the default when no UI is attached.
type LogNotifier struct {
	Messages Renderer
	Logger   *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) {
	logger := n.Logger
	if logger == nil {
		logger = obslog.L()
	}
	logger.Warn(AlertText(n.Messages, a), zap.String("alert", string(a.Kind)))
}
