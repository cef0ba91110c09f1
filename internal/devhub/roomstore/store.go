package roomstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/quizbattle/internal/obslog"
	"github.com/park285/quizbattle/pkg/battledto"
)

const (
	DefaultTTL  = 24 * time.Hour
	codeLen     = 6
	codeRetries = 5
	codeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrRoomGone = errors.New("room not found or expired")
	ErrFull     = errors.New("room already has two players")
)

// Store keeps friend rooms in Redis under qb:room:<code>, with open rooms
// indexed in the qb:lobby set.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func keyRoom(code string) string { return "qb:room:" + strings.TrimSpace(code) }

const keyLobby = "qb:lobby"

const joinAttempts = 2

// Create allocates a fresh code for creator. Codes are claimed with SETNX so
// two hubs sharing one Redis never hand out the same code.
func (s *Store) Create(ctx context.Context, creator Member, category string) (*Room, error) {
	for i := 0; i < codeRetries; i++ {
		code, err := codeGen()
		if err != nil {
			return nil, err
		}
		room := &Room{
			Code:      code,
			RoomID:    uuid.NewString(),
			Category:  category,
			State:     StateLobby,
			CreatedAt: time.Now().UTC(),
			Creator:   creator,
		}
		raw, err := json.Marshal(room)
		if err != nil {
			return nil, err
		}
		ok, err := s.rdb.SetNX(ctx, keyRoom(code), raw, s.ttl).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := s.rdb.SAdd(ctx, keyLobby, code).Err(); err != nil {
			return nil, err
		}
		_ = s.rdb.Expire(ctx, keyLobby, s.ttl).Err()
		obslog.L().Info("room_created", zap.String("code", code), zap.String("creator", creator.ConnID))
		return room, nil
	}
	return nil, fmt.Errorf("failed to allocate room code")
}

func (s *Store) Get(ctx context.Context, code string) (*Room, error) {
	raw, err := s.rdb.Get(ctx, keyRoom(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomGone
	}
	if err != nil {
		return nil, err
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", code, err)
	}
	return &r, nil
}

// Join seats guest in an open room. The room key is WATCHed so two guests
// racing for the same code cannot both get in.
func (s *Store) Join(ctx context.Context, code string, guest Member) (*Room, error) {
	var (
		joined *Room
		err    error
	)
	// A lost WATCH race is retried once; the rerun reads the winner's write.
	for attempt := 0; attempt < joinAttempts; attempt++ {
		joined, err = s.join(ctx, code, guest)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrFull
	}
	if err != nil {
		if !errors.Is(err, ErrRoomGone) && !errors.Is(err, ErrFull) {
			obslog.L().Warn("room_join_error", zap.String("code", code), zap.Error(err))
		}
		return nil, err
	}
	obslog.L().Info("room_joined", zap.String("code", code), zap.String("guest", guest.ConnID))
	return joined, nil
}

func (s *Store) join(ctx context.Context, code string, guest Member) (*Room, error) {
	key := keyRoom(code)
	var joined *Room
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRoomGone
		}
		if err != nil {
			return err
		}
		var r Room
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode room %s: %w", code, err)
		}
		if r.State != StateLobby || r.Guest != nil || r.Creator.ConnID == guest.ConnID {
			return ErrFull
		}
		r.Guest = &guest
		r.State = StateActive
		out, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			pipe.SRem(ctx, keyLobby, code)
			return nil
		})
		if err != nil {
			return err
		}
		joined = &r
		return nil
	}, key)
	return joined, err
}

// Delete removes a room and its lobby entry. Missing rooms are not an error.
func (s *Store) Delete(ctx context.Context, code string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyRoom(code))
		pipe.SRem(ctx, keyLobby, code)
		return nil
	})
	return err
}

// Lobby lists rooms still waiting for a guest, pruning expired codes.
func (s *Store) Lobby(ctx context.Context) ([]*Room, error) {
	codes, err := s.rdb.SMembers(ctx, keyLobby).Result()
	if err != nil {
		return nil, err
	}
	var out []*Room
	for _, c := range codes {
		r, err := s.Get(ctx, c)
		if errors.Is(err, ErrRoomGone) {
			_ = s.rdb.SRem(ctx, keyLobby, c).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.State == StateLobby {
			out = append(out, r)
		}
	}
	return out, nil
}

// Session builds the pairing payload for a joined room, creator first.
func (r *Room) Session() battledto.Session {
	s := battledto.Session{RoomID: r.RoomID, Category: r.Category, Players: []battledto.Player{r.Creator.Player}}
	if r.Guest != nil {
		s.Players = append(s.Players, r.Guest.Player)
	}
	return s
}

func codeGen() (string, error) {
	b := make([]byte, codeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = codeLetters[int(b[i])%len(codeLetters)]
	}
	return string(b), nil
}
