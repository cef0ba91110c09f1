package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/quizbattle/pkg/battledto"
)

const schema = `CREATE TABLE IF NOT EXISTS battle_matches (
    room_id    TEXT PRIMARY KEY,
    room_code  TEXT NOT NULL DEFAULT '',
    mode       TEXT NOT NULL,
    category   TEXT NOT NULL,
    players    JSONB NOT NULL,
    formed_at  TIMESTAMPTZ NOT NULL
)`

const (
	defaultRecent = 20
	maxRecent     = 100
)

var (
	ErrNoDatabaseURL = errors.New("DATABASE_URL is required")
	ErrClosed        = errors.New("match history unavailable")
)

// Repository keeps a Postgres log of formed matches.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, ErrNoDatabaseURL
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Repository{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate battle_matches: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Record stores match_formed events; other event types are not persisted.
func (r *Repository) Record(ctx context.Context, ev battledto.MatchEvent) error {
	if r == nil || r.db == nil || ev.Type != battledto.MatchEventFormed {
		return nil
	}
	players, err := json.Marshal(ev.Players)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const q = `INSERT INTO battle_matches (room_id, room_code, mode, category, players, formed_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (room_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, q, ev.RoomID, ev.RoomCode, ev.Mode, ev.Category, string(players), at); err != nil {
		return fmt.Errorf("insert match %s: %w", ev.RoomID, err)
	}
	return nil
}

// Recent returns the latest matches, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]battledto.MatchEvent, error) {
	if r == nil || r.db == nil {
		return nil, ErrClosed
	}
	limit = clampLimit(limit)
	const q = `SELECT room_id, room_code, mode, category, players, formed_at
        FROM battle_matches ORDER BY formed_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []battledto.MatchEvent
	for rows.Next() {
		ev := battledto.MatchEvent{Type: battledto.MatchEventFormed}
		var players []byte
		if err := rows.Scan(&ev.RoomID, &ev.RoomCode, &ev.Mode, &ev.Category, &players, &ev.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(players, &ev.Players); err != nil {
			return nil, fmt.Errorf("decode players of %s: %w", ev.RoomID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultRecent
	case limit > maxRecent:
		return maxRecent
	}
	return limit
}
