package battle

// Phase is the single source of truth for what the matchmaking view renders.
type Phase int

const (
	PhaseSelectingMode Phase = iota
	PhaseSelectingCategory
	PhaseSearching
	PhaseWaitingForFriend
	PhaseMatched
	PhaseCountingDown
	PhaseBattleStarted
)

var phaseNames = map[Phase]string{
	PhaseSelectingMode:     "SelectingMode",
	PhaseSelectingCategory: "SelectingCategory",
	PhaseSearching:         "Searching",
	PhaseWaitingForFriend:  "WaitingForFriend",
	PhaseMatched:           "Matched",
	PhaseCountingDown:      "CountingDown",
	PhaseBattleStarted:     "BattleStarted",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "Unknown"
}

// pending reports whether the server holds a matchmaking ticket for us.
func (p Phase) pending() bool {
	return p == PhaseSearching || p == PhaseWaitingForFriend
}

func (p Phase) countingDown() bool {
	return p == PhaseMatched || p == PhaseCountingDown
}
