package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig configures the terminal client.
type AppConfig struct {
	HubURL string

	PortalAPIURL string
	PortalToken  string

	PlayerID        string
	PlayerName      string
	PlayerAvatarURL string

	HubReconnectAttempts int
	TickInterval         time.Duration

	MessagesDir string
}

// HubConfig configures the development hub.
type HubConfig struct {
	ListenAddr  string
	RedisURL    string
	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	RoomTTL time.Duration
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HubReconnectAttempts: 5,
		TickInterval:         time.Second,
	}

	cfg.HubURL = env("HUB_URL")
	cfg.PortalAPIURL = env("PORTAL_API_URL")
	cfg.PortalToken = env("PORTAL_TOKEN")
	cfg.PlayerID = env("PLAYER_ID")
	cfg.PlayerName = env("PLAYER_NAME")
	cfg.PlayerAvatarURL = env("PLAYER_AVATAR_URL")
	cfg.MessagesDir = env("MESSAGES_DIR")

	if v := env("HUB_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.HubReconnectAttempts = n
		}
	}
	if v := env("BATTLE_TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TickInterval = time.Duration(n) * time.Millisecond
		}
	}

	if cfg.HubURL == "" {
		return nil, errors.New("HUB_URL is required")
	}
	if err := checkScheme(cfg.HubURL, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("HUB_URL: %w", err)
	}
	if cfg.PortalAPIURL == "" && cfg.PlayerName == "" {
		return nil, errors.New("PLAYER_NAME is required when PORTAL_API_URL is not set")
	}
	if cfg.PortalAPIURL != "" {
		if err := checkScheme(cfg.PortalAPIURL, "http", "https"); err != nil {
			return nil, fmt.Errorf("PORTAL_API_URL: %w", err)
		}
	}
	return cfg, nil
}

func LoadHub() (*HubConfig, error) {
	cfg := &HubConfig{
		ListenAddr: ":8080",
		KafkaTopic: "battle-matches",
		RoomTTL:    24 * time.Hour,
	}
	if v := env("HUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.KafkaBrokers = splitList(env("KAFKA_BROKERS"))
	if v := env("KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := env("ROOM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RoomTTL = d
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func checkScheme(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}
