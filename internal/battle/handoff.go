package battle

import (
	"context"

	"github.com/park285/quizbattle/internal/hubconn"
)

// Battle is everything the gameplay component receives once the countdown ends.
type Battle struct {
	Hub      hubconn.Client
	RoomID   string
	Self     Identity
	Opponent Identity
	Category Category
}

// Handoff passes control to gameplay. StartBattle runs on the matchmaker loop
// and must return promptly; the gameplay component calls onFinish, once, when
// the battle is over, which resets the matchmaker to SelectingMode.
type Handoff interface {
	StartBattle(ctx context.Context, b Battle, onFinish func())
}

type HandoffFunc func(ctx context.Context, b Battle, onFinish func())

func (f HandoffFunc) StartBattle(ctx context.Context, b Battle, onFinish func()) {
	f(ctx, b, onFinish)
}
