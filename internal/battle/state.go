package battle

// CountdownStart is the number of one-second ticks between a confirmed match
// and the battle handoff.
const CountdownStart = 5

// State is one matchmaking attempt. Which fields are meaningful depends on
// Phase; reset builds a fresh value so stale fields never leak across phases.
type State struct {
	Phase Phase

	// Local is the player's own profile; it survives resets.
	Local Identity

	Mode     Mode
	Category Category

	// RoomCode is the code of the room we created or joined.
	RoomCode RoomCode
	// JoinCode is a submitted code awaiting RoomJoined/RoomNotFound/RoomFull.
	JoinCode RoomCode

	Session  *Session
	Self     Identity
	Opponent Identity

	WaitSeconds int
	Countdown   int
}

// NewState returns the initial state for a player.
func NewState(local Identity) State {
	return State{Phase: PhaseSelectingMode, Local: local}
}

func (s State) reset() State {
	return NewState(s.Local)
}

func (s State) HasSession() bool { return s.Session != nil }
