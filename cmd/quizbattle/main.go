package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/park285/quizbattle/internal/battle"
	appcfg "github.com/park285/quizbattle/internal/config"
	"github.com/park285/quizbattle/internal/hubconn"
	"github.com/park285/quizbattle/internal/msgcat"
	"github.com/park285/quizbattle/internal/obslog"
	"github.com/park285/quizbattle/internal/profile"
	"github.com/park285/quizbattle/pkg/battledto"
)

func main() {
	if err := godotenv.Load(".env.local"); err == nil {
		log.Println("loaded .env.local")
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("messages error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	me := resolveIdentity(ctx, cfg)
	headers := func() map[string]string {
		h := map[string]string{}
		if me.ID != "" {
			h[battledto.HeaderPlayerID] = me.ID
		}
		if cfg.PortalToken != "" {
			h["Authorization"] = "Bearer " + cfg.PortalToken
		}
		return h
	}

	hub := hubconn.New(cfg.HubURL,
		hubconn.WithReconnect(cfg.HubReconnectAttempts, 0),
		hubconn.WithHeaderProvider(headers),
		hubconn.WithLogger(obslog.L()),
	)
	hub.OnStateChange(func(s hubconn.State) {
		obslog.L().Info("hub_state", zap.String("state", string(s)))
	})

	ui := newConsole(os.Stdout, cat)
	mm := battle.New(hub, battle.Config{
		Player:       me,
		TickInterval: cfg.TickInterval,
		Notifier:     ui,
		Handoff:      ui,
		Logger:       obslog.L(),
	})

	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := mm.Mount(mctx); err != nil {
		obslog.L().Warn("mount_failed", zap.Error(err))
	}
	cancel()

	go ui.watch(mm.Subscribe())
	ui.println(cat.Text("cli.help", "commands: mode, category, back, find, create, join <code>, cancel, finish, retry, state, quit"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := ui.handle(ctx, mm, line); quit {
				break loop
			}
		}
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	if err := mm.Close(cctx); err != nil {
		obslog.L().Warn("close_failed", zap.Error(err))
	}
	fmt.Fprintln(os.Stdout, "bye")
}

// resolveIdentity prefers the portal profile and falls back to PLAYER_* settings.
func resolveIdentity(ctx context.Context, cfg *appcfg.AppConfig) battle.Identity {
	fallback := battle.Identity{ID: cfg.PlayerID, Name: cfg.PlayerName, AvatarURL: cfg.PlayerAvatarURL}
	if cfg.PortalAPIURL == "" {
		return fallback
	}
	client := profile.NewClient(cfg.PortalAPIURL,
		profile.WithBearerToken(cfg.PortalToken),
		profile.WithTimeout(8*time.Second),
		profile.WithLogger(obslog.L()),
	)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := client.Identity(pctx, fallback)
	if err != nil {
		if fallback.Name == "" {
			log.Fatalf("profile error: %v", err)
		}
		obslog.L().Warn("profile_fallback", zap.Error(err), zap.String("name", fallback.Name))
		return fallback
	}
	return id
}
