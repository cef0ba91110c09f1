package battle

// Effect is a side effect requested by Reduce and carried out by the Matchmaker.
type Effect interface{ isEffect() }

// Invoke asks the hub to run a remote action.
type Invoke struct {
	Target string
	Args   []any
}

// Notify surfaces an alert to the player.
type Notify struct{ Alert Alert }

// StartBattle hands the session to the gameplay component.
type StartBattle struct {
	Session  Session
	Self     Identity
	Opponent Identity
}

func (Invoke) isEffect()      {}
func (Notify) isEffect()      {}
func (StartBattle) isEffect() {}

// AlertKind names a user-facing alert; it doubles as the message catalog key.
type AlertKind string

const (
	AlertRoomNotFound         AlertKind = "room_not_found"
	AlertRoomFull             AlertKind = "room_full"
	AlertOpponentDisconnected AlertKind = "opponent_disconnected"
	AlertConnectionLost       AlertKind = "connection_lost"
)

type Alert struct {
	Kind     AlertKind
	RoomCode RoomCode
}
