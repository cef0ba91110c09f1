package devhub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/quizbattle/internal/battle"
	"github.com/park285/quizbattle/internal/devhub/roomstore"
	"github.com/park285/quizbattle/internal/obslog"
	"github.com/park285/quizbattle/pkg/battledto"
)

// PlayerIDHeader lets a client pin the player id the hub echoes back in
// sessions; without it each connection gets a random id.
const PlayerIDHeader = battledto.HeaderPlayerID

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
	maxFrame     = 64 << 10
)

// Recorder receives matchmaking outcomes (Kafka, Postgres).
type Recorder interface {
	Record(ctx context.Context, ev battledto.MatchEvent) error
}

// History lists recently formed matches.
type History interface {
	Recent(ctx context.Context, limit int) ([]battledto.MatchEvent, error)
}

// Server is a development hub speaking the battle protocol over websockets.
// Random queues and pairings live in memory; friend rooms live in Redis.
type Server struct {
	rooms     *roomstore.Store
	recorders []Recorder
	history   History
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
	queues  map[string]*client // category -> waiting client
	peers   map[string]string  // conn id -> paired conn id
	lobbies map[string]string  // conn id -> room code it created
}

type client struct {
	id       string
	playerID string
	player   battledto.Player // last identity sent; guarded by Server.mu
	send     chan *battledto.Frame
	done     chan struct{}
	once     sync.Once
}

type Option func(*Server)

func WithRecorder(r Recorder) Option {
	return func(s *Server) {
		if r != nil {
			s.recorders = append(s.recorders, r)
		}
	}
}

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(rooms *roomstore.Store, opts ...Option) *Server {
	s := &Server{
		rooms:   rooms,
		logger:  obslog.L(),
		clients: make(map[string]*client),
		queues:  make(map[string]*client),
		peers:   make(map[string]string),
		lobbies: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves one hub connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("hub_accept_failed", zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "bye")
	ws.SetReadLimit(maxFrame)

	c := &client{
		id:   uuid.NewString(),
		send: make(chan *battledto.Frame, sendBuffer),
		done: make(chan struct{}),
	}
	c.playerID = strings.TrimSpace(r.Header.Get(PlayerIDHeader))
	if c.playerID == "" {
		c.playerID = c.id
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("hub_client_connected", zap.String("conn_id", c.id), zap.String("player_id", c.playerID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, ws, c)
	defer s.disconnect(c)

	for {
		var f battledto.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("hub_read_failed", zap.String("conn_id", c.id), zap.Error(err))
				}
			}
			return
		}
		if f.Kind != battledto.KindInvoke {
			continue
		}
		s.handle(ctx, c, &f)
	}
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, f)
			cancel()
			if err != nil {
				s.logger.Debug("hub_write_failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// emit queues an event for c; a client whose buffer is full is skipped.
func (s *Server) emit(c *client, target string, args ...any) {
	f, err := battledto.NewFrame(battledto.KindEvent, target, args...)
	if err != nil {
		s.logger.Error("hub_frame_build_failed", zap.String("target", target), zap.Error(err))
		return
	}
	select {
	case c.send <- f:
	case <-c.done:
	default:
		s.logger.Warn("hub_client_slow", zap.String("conn_id", c.id), zap.String("target", target))
	}
}

func (s *Server) handle(ctx context.Context, c *client, f *battledto.Frame) {
	switch f.Target {
	case battledto.ActionFindMatch:
		s.findMatch(ctx, c, s.player(c, f.StringArg(0), f.StringArg(1)), category(f.StringArg(2)))
	case battledto.ActionCreateRoom:
		s.createRoom(ctx, c, s.player(c, f.StringArg(0), f.StringArg(1)), category(f.StringArg(2)))
	case battledto.ActionJoinRoom:
		s.joinRoom(ctx, c, f.StringArg(0), s.player(c, f.StringArg(1), f.StringArg(2)))
	case battledto.ActionCancelMatchmaking:
		s.cancel(ctx, c, true)
	default:
		s.logger.Debug("hub_unknown_action", zap.String("conn_id", c.id), zap.String("target", f.Target))
	}
}

func (s *Server) player(c *client, name, avatar string) battledto.Player {
	return battledto.Player{ID: c.playerID, Name: strings.TrimSpace(name), AvatarURL: strings.TrimSpace(avatar)}
}

// category normalises the requested category; anything unknown plays MIXED.
func category(raw string) string {
	c, err := battle.ParseCategory(raw)
	if err != nil {
		return string(battle.CategoryMixed)
	}
	return string(c)
}

func (s *Server) findMatch(ctx context.Context, c *client, p battledto.Player, cat string) {
	s.cancel(ctx, c, false)

	s.mu.Lock()
	s.unpairLocked(c.id)
	c.player = p
	waiting := s.queues[cat]
	if waiting == nil || waiting == c {
		s.queues[cat] = c
		s.mu.Unlock()
		s.emit(c, battledto.EventWaitingForOpponent)
		s.logger.Info("hub_queued", zap.String("conn_id", c.id), zap.String("category", cat))
		return
	}
	delete(s.queues, cat)
	s.peers[c.id], s.peers[waiting.id] = waiting.id, c.id
	first := waiting.player
	s.mu.Unlock()

	session := battledto.Session{RoomID: uuid.NewString(), Category: cat, Players: []battledto.Player{first, p}}
	s.emit(waiting, battledto.EventMatchFound, session.RoomID, session)
	s.emit(c, battledto.EventMatchFound, session.RoomID, session)
	s.logger.Info("hub_match_formed", zap.String("room_id", session.RoomID), zap.String("category", cat))
	s.record(ctx, battledto.MatchEvent{
		Type:     battledto.MatchEventFormed,
		RoomID:   session.RoomID,
		Mode:     string(battle.ModeRandom),
		Category: cat,
		Players:  session.Players,
	})
}

func (s *Server) createRoom(ctx context.Context, c *client, p battledto.Player, cat string) {
	s.cancel(ctx, c, false)
	s.mu.Lock()
	s.unpairLocked(c.id)
	s.mu.Unlock()

	room, err := s.rooms.Create(ctx, roomstore.Member{ConnID: c.id, Player: p}, cat)
	if err != nil {
		s.logger.Error("hub_create_room_failed", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lobbies[c.id] = room.Code
	s.mu.Unlock()
	s.emit(c, battledto.EventRoomCreated, room.Code)
}

func (s *Server) joinRoom(ctx context.Context, c *client, rawCode string, p battledto.Player) {
	code, err := battle.NormalizeRoomCode(rawCode)
	if err != nil {
		s.emit(c, battledto.EventRoomNotFound)
		return
	}
	s.cancel(ctx, c, false)

	room, err := s.rooms.Join(ctx, string(code), roomstore.Member{ConnID: c.id, Player: p})
	switch {
	case errors.Is(err, roomstore.ErrRoomGone):
		s.emit(c, battledto.EventRoomNotFound)
		return
	case errors.Is(err, roomstore.ErrFull):
		s.emit(c, battledto.EventRoomFull)
		return
	case err != nil:
		s.logger.Error("hub_join_room_failed", zap.String("code", string(code)), zap.Error(err))
		s.emit(c, battledto.EventRoomNotFound)
		return
	}

	s.mu.Lock()
	host := s.clients[room.Creator.ConnID]
	if host == nil {
		s.mu.Unlock()
		_ = s.rooms.Delete(ctx, room.Code)
		s.emit(c, battledto.EventRoomNotFound)
		return
	}
	delete(s.lobbies, host.id)
	s.unpairLocked(c.id)
	s.peers[c.id], s.peers[host.id] = host.id, c.id
	s.mu.Unlock()

	session := room.Session()
	s.emit(host, battledto.EventRoomJoined, room.Code, session)
	s.emit(c, battledto.EventRoomJoined, room.Code, session)
	s.logger.Info("hub_room_matched", zap.String("code", room.Code), zap.String("room_id", room.RoomID))
	s.record(ctx, battledto.MatchEvent{
		Type:     battledto.MatchEventFormed,
		RoomID:   room.RoomID,
		RoomCode: room.Code,
		Mode:     string(battle.ModeFriend),
		Category: room.Category,
		Players:  session.Players,
	})
}

// cancel drops c from every queue and deletes the room it is hosting.
// explicit marks a client-sent CancelMatchmaking.
func (s *Server) cancel(ctx context.Context, c *client, explicit bool) {
	s.mu.Lock()
	var cancelled bool
	for cat, q := range s.queues {
		if q == c {
			delete(s.queues, cat)
			cancelled = true
		}
	}
	code, hosting := s.lobbies[c.id]
	delete(s.lobbies, c.id)
	s.mu.Unlock()

	if hosting {
		cancelled = true
		if err := s.rooms.Delete(ctx, code); err != nil {
			s.logger.Warn("hub_room_delete_failed", zap.String("code", code), zap.Error(err))
		}
	}
	if explicit && cancelled {
		s.logger.Info("hub_matchmaking_cancelled", zap.String("conn_id", c.id), zap.String("code", code))
		s.record(ctx, battledto.MatchEvent{Type: battledto.MatchEventCancelled, RoomCode: code})
	}
}

func (s *Server) disconnect(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cancel(ctx, c, false)

	s.mu.Lock()
	peerID, paired := s.peers[c.id]
	s.unpairLocked(c.id)
	peer := s.clients[peerID]
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.once.Do(func() { close(c.done) })

	if paired && peer != nil {
		s.emit(peer, battledto.EventOpponentDisconnected)
		s.record(ctx, battledto.MatchEvent{Type: battledto.MatchEventDisconnected})
	}
	s.logger.Info("hub_client_disconnected", zap.String("conn_id", c.id), zap.Bool("was_paired", paired))
}

func (s *Server) unpairLocked(id string) {
	if peer, ok := s.peers[id]; ok {
		delete(s.peers, peer)
		delete(s.peers, id)
	}
}

func (s *Server) record(ctx context.Context, ev battledto.MatchEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, r := range s.recorders {
		if err := r.Record(ctx, ev); err != nil {
			s.logger.Warn("hub_record_failed", zap.String("type", ev.Type), zap.Error(err))
		}
	}
}

// Stats is a point-in-time view for the health endpoint.
type Stats struct {
	Clients int `json:"clients"`
	Queued  int `json:"queued"`
	Paired  int `json:"paired"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Clients: len(s.clients), Queued: len(s.queues), Paired: len(s.peers) / 2}
}
