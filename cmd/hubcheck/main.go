package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/quizbattle/internal/hubconn"
	"github.com/park285/quizbattle/pkg/battledto"
)

func main() {
	hubURL := strings.TrimSpace(os.Getenv("HUB_URL"))
	playerID := strings.TrimSpace(os.Getenv("PLAYER_ID"))
	if hubURL == "" {
		log.Fatal("HUB_URL is required")
	}

	if health, err := healthURL(hubURL); err != nil {
		log.Printf("healthz url error: %v", err)
	} else {
		status, body, err := fasthttp.GetTimeout(nil, health, 5*time.Second)
		if err != nil {
			log.Printf("/healthz error: %v", err)
		} else {
			log.Printf("/healthz status=%d body=%s", status, strings.TrimSpace(string(body)))
		}
	}

	c := hubconn.New(hubURL,
		hubconn.WithReconnect(0, 0),
		hubconn.WithHeaderProvider(func() map[string]string {
			if playerID == "" {
				return nil
			}
			return map[string]string{battledto.HeaderPlayerID: playerID}
		}),
	)
	c.OnStateChange(func(s hubconn.State) {
		log.Printf("hub state: %s", s)
	})
	for _, target := range []string{
		battledto.EventWaitingForOpponent,
		battledto.EventMatchFound,
		battledto.EventRoomCreated,
		battledto.EventRoomJoined,
		battledto.EventRoomNotFound,
		battledto.EventRoomFull,
		battledto.EventOpponentDisconnected,
	} {
		c.On(target, func(f *battledto.Frame) {
			fmt.Printf("hub event %s args=%s\n", f.Target, f.Arguments)
		})
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(cctx); err != nil {
		log.Printf("hub connect error: %v", err)
		return
	}

	// A probe room round trip: create, then cancel.
	if err := c.Invoke(cctx, battledto.ActionCreateRoom, "hubcheck", "", "MIXED"); err != nil {
		log.Printf("invoke error: %v", err)
	}
	time.Sleep(2 * time.Second)
	if err := c.Invoke(cctx, battledto.ActionCancelMatchmaking); err != nil {
		log.Printf("cancel error: %v", err)
	}

	_ = c.Close(context.Background())
}

// healthURL maps ws(s)://host/hub to http(s)://host/healthz.
func healthURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}
