package battle

// Input is anything that can drive a transition: a user action, a hub event,
// a timer tick or a lifecycle signal.
type Input interface{ isInput() }

// User actions.
type (
	SelectMode     struct{ Mode Mode }
	SelectCategory struct{ Category Category }
	Back           struct{}
	FindMatch      struct{}
	CreateRoom     struct{}
	JoinRoom       struct{ Code string }
	Cancel         struct{}
)

// Hub events.
type (
	WaitingForOpponent struct{}
	MatchFound         struct {
		RoomID  string
		Session Session
	}
	RoomCreated struct{ Code RoomCode }
	RoomJoined  struct {
		Code    RoomCode
		Session Session
	}
	RoomNotFound         struct{}
	RoomFull             struct{}
	OpponentDisconnected struct{}
)

// Timer and lifecycle signals.
type (
	WaitTick       struct{}
	CountdownTick  struct{}
	ConnectionLost struct{}
)

// Finish returns control from the battle played in RoomID. A Finish for any
// other room is stale and ignored.
type Finish struct{ RoomID string }

func (SelectMode) isInput()           {}
func (SelectCategory) isInput()       {}
func (Back) isInput()                 {}
func (FindMatch) isInput()            {}
func (CreateRoom) isInput()           {}
func (JoinRoom) isInput()             {}
func (Cancel) isInput()               {}
func (WaitingForOpponent) isInput()   {}
func (MatchFound) isInput()           {}
func (RoomCreated) isInput()          {}
func (RoomJoined) isInput()           {}
func (RoomNotFound) isInput()         {}
func (RoomFull) isInput()             {}
func (OpponentDisconnected) isInput() {}
func (WaitTick) isInput()             {}
func (CountdownTick) isInput()        {}
func (Finish) isInput()               {}
func (ConnectionLost) isInput()       {}
