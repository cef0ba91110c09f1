package battledto

import "errors"

// Hub actions invoked by clients.
const (
	ActionFindMatch         = "FindMatch"
	ActionCreateRoom        = "CreateRoom"
	ActionJoinRoom          = "JoinRoom"
	ActionCancelMatchmaking = "CancelMatchmaking"
)

// Hub events pushed to clients.
const (
	EventWaitingForOpponent   = "WaitingForOpponent"
	EventMatchFound           = "MatchFound"
	EventRoomCreated          = "RoomCreated"
	EventRoomJoined           = "RoomJoined"
	EventRoomNotFound         = "RoomNotFound"
	EventRoomFull             = "RoomFull"
	EventOpponentDisconnected = "OpponentDisconnected"
)

// HeaderPlayerID carries the player id a client asks the hub to echo back
// in session payloads.
const HeaderPlayerID = "X-Player-Id"

var ErrMissingArgument = errors.New("missing frame argument")

// Player is the wire shape of a player identity.
type Player struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Session is the pairing payload of MatchFound and RoomJoined.
type Session struct {
	RoomID   string   `json:"roomId"`
	Category string   `json:"category,omitempty"`
	Players  []Player `json:"players"`
}
