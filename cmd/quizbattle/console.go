package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/park285/quizbattle/internal/battle"
	"github.com/park285/quizbattle/internal/msgcat"
)

// console is the terminal front end: it prints phases and alerts and stands in
// for the gameplay screen until the player types "finish".
type console struct {
	out io.Writer
	cat *msgcat.Catalog

	mu       sync.Mutex
	last     string
	onFinish func()
}

func newConsole(out io.Writer, cat *msgcat.Catalog) *console {
	return &console{out: out, cat: cat}
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *console) Notify(_ context.Context, a battle.Alert) {
	c.println("! " + battle.AlertText(c.cat, a))
}

func (c *console) StartBattle(_ context.Context, b battle.Battle, onFinish func()) {
	c.mu.Lock()
	c.onFinish = onFinish
	c.mu.Unlock()
	c.println(fmt.Sprintf("> %s vs %s [%s] room=%s (type 'finish' to leave)",
		b.Self.Name, b.Opponent.Name, c.categoryName(b.Category), b.RoomID))
}

func (c *console) finish() bool {
	c.mu.Lock()
	fn := c.onFinish
	c.onFinish = nil
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// watch prints each distinct phase line until the matchmaker closes the channel.
func (c *console) watch(states <-chan battle.State) {
	for s := range states {
		line := c.phaseLine(s)
		c.mu.Lock()
		if line != c.last {
			c.last = line
			fmt.Fprintln(c.out, line)
		}
		c.mu.Unlock()
	}
}

func (c *console) phaseLine(s battle.State) string {
	data := map[string]any{
		"Mode":        c.cat.Text("mode."+string(s.Mode), string(s.Mode)),
		"WaitSeconds": s.WaitSeconds,
		"RoomCode":    string(s.RoomCode),
		"Opponent":    s.Opponent.Name,
		"Countdown":   s.Countdown,
	}
	text, err := c.cat.Render("phase."+s.Phase.String(), data)
	if err != nil {
		return "[" + s.Phase.String() + "]"
	}
	return "[" + s.Phase.String() + "] " + text
}

func (c *console) categoryName(cat battle.Category) string {
	return c.cat.Text("category."+string(cat), string(cat))
}

// handle runs one command line and reports whether the player asked to quit.
func (c *console) handle(ctx context.Context, mm *battle.Matchmaker, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, rest := strings.ToLower(fields[0]), strings.Join(fields[1:], " ")

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		c.println(c.cat.Text("cli.help", "commands: mode, category, back, find, create, join <code>, cancel, finish, retry, state, quit"))
	case "mode":
		var m battle.Mode
		if m, err = battle.ParseMode(rest); err == nil {
			err = mm.SelectMode(ctx, m)
		}
	case "category":
		var cat battle.Category
		if cat, err = battle.ParseCategory(rest); err == nil {
			err = mm.SelectCategory(ctx, cat)
		}
	case "back":
		err = mm.Back(ctx)
	case "find":
		err = mm.FindMatch(ctx)
	case "create":
		err = mm.CreateRoom(ctx)
	case "join":
		err = mm.JoinRoom(ctx, rest)
	case "cancel":
		err = mm.Cancel(ctx)
	case "finish":
		if !c.finish() {
			err = fmt.Errorf("no battle in progress")
		}
	case "retry":
		err = mm.Reconnect(ctx)
	case "state":
		c.println(c.phaseLine(mm.Snapshot()))
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		msg, rerr := c.cat.Render("cli.error", map[string]any{"Error": err.Error()})
		if rerr != nil {
			msg = "error: " + err.Error()
		}
		c.println(msg)
	}
	return false
}
