package roomstore

import (
	"time"

	"github.com/park285/quizbattle/pkg/battledto"
)

type State string

const (
	StateLobby  State = "LOBBY"
	StateActive State = "ACTIVE"
)

// Member is a seated player and the hub connection it came from.
type Member struct {
	ConnID string           `json:"conn_id"`
	Player battledto.Player `json:"player"`
}

// Room is stored as JSON under qb:room:<code>.
type Room struct {
	Code      string    `json:"code"`
	RoomID    string    `json:"room_id"`
	Category  string    `json:"category"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Creator   Member    `json:"creator"`
	Guest     *Member   `json:"guest,omitempty"`
}
