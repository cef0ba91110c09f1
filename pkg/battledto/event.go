package battledto

import "time"

// MatchEvent is what the dev hub publishes about matchmaking outcomes.
type MatchEvent struct {
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	RoomID   string    `json:"roomId,omitempty"`
	RoomCode string    `json:"roomCode,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Category string    `json:"category,omitempty"`
	Players  []Player  `json:"players,omitempty"`
}

const (
	MatchEventFormed       = "match_formed"
	MatchEventCancelled    = "matchmaking_cancelled"
	MatchEventDisconnected = "opponent_disconnected"
)
