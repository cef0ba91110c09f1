package battle

import (
	"fmt"

	"github.com/park285/quizbattle/pkg/battledto"
)

// Reduce applies one input to s. It never performs I/O: network calls, alerts
// and the battle handoff come back as effects for the caller to run.
//
// A non-nil error is returned only for user actions that are not allowed right
// now; s is then returned unchanged. Hub events and ticks that the current
// phase does not expect are dropped silently.
func Reduce(s State, in Input) (State, []Effect, error) {
	switch in := in.(type) {
	case SelectMode:
		return selectMode(s, in)
	case SelectCategory:
		return selectCategory(s, in)
	case Back:
		if s.Phase != PhaseSelectingCategory {
			return s, nil, wrongPhase(s, "back")
		}
		return s.reset(), nil, nil
	case FindMatch:
		return findMatch(s)
	case CreateRoom:
		return createRoom(s)
	case JoinRoom:
		return joinRoom(s, in)
	case Cancel:
		if !s.Phase.pending() {
			return s, nil, wrongPhase(s, "cancel")
		}
		return s.reset(), []Effect{Invoke{Target: battledto.ActionCancelMatchmaking}}, nil

	case WaitingForOpponent:
		// The ticker is derived from the phase, so a repeated ack changes nothing.
		return s, nil, nil
	case MatchFound:
		if s.Phase != PhaseSearching {
			return s, nil, nil
		}
		return matched(s, in.Session, s.RoomCode), nil, nil
	case RoomCreated:
		if s.Phase != PhaseWaitingForFriend {
			return s, nil, nil
		}
		s.RoomCode = in.Code
		return s, nil, nil
	case RoomJoined:
		return roomJoined(s, in)
	case RoomNotFound:
		return joinRejected(s, AlertRoomNotFound)
	case RoomFull:
		return joinRejected(s, AlertRoomFull)
	case OpponentDisconnected:
		switch s.Phase {
		case PhaseSearching, PhaseWaitingForFriend, PhaseMatched, PhaseCountingDown, PhaseBattleStarted:
			return s.reset(), []Effect{Notify{Alert: Alert{Kind: AlertOpponentDisconnected, RoomCode: s.RoomCode}}}, nil
		}
		return s, nil, nil

	case WaitTick:
		if s.Phase != PhaseSearching {
			return s, nil, nil
		}
		s.WaitSeconds++
		return s, nil, nil
	case CountdownTick:
		return countdown(s)
	case Finish:
		if s.Phase != PhaseBattleStarted || s.Session == nil || s.Session.RoomID != in.RoomID {
			return s, nil, nil
		}
		return s.reset(), nil, nil
	case ConnectionLost:
		// The hub drops queued tickets and hosted rooms with the connection.
		if !s.Phase.pending() {
			return s, nil, nil
		}
		return s.reset(), []Effect{Notify{Alert: Alert{Kind: AlertConnectionLost, RoomCode: s.RoomCode}}}, nil
	}
	return s, nil, nil
}

func wrongPhase(s State, action string) error {
	return fmt.Errorf("%w: %s in %s", ErrWrongPhase, action, s.Phase)
}

func selectMode(s State, in SelectMode) (State, []Effect, error) {
	if s.Phase != PhaseSelectingMode {
		return s, nil, wrongPhase(s, "select mode")
	}
	if !in.Mode.Valid() {
		return s, nil, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}
	next := s.reset()
	next.Phase = PhaseSelectingCategory
	next.Mode = in.Mode
	return next, nil, nil
}

func selectCategory(s State, in SelectCategory) (State, []Effect, error) {
	if s.Phase != PhaseSelectingCategory {
		return s, nil, wrongPhase(s, "select category")
	}
	if !in.Category.Valid() {
		return s, nil, fmt.Errorf("%w: %q", ErrInvalidCategory, in.Category)
	}
	s.Category = in.Category
	return s, nil, nil
}

// readyFor checks the shared preconditions of the three matchmaking requests.
func readyFor(s State, mode Mode, action string) error {
	if s.Phase != PhaseSelectingCategory {
		return wrongPhase(s, action)
	}
	if s.Mode != mode {
		return fmt.Errorf("%w: %s needs %s mode", ErrWrongMode, action, mode)
	}
	if !s.Category.Valid() {
		return ErrCategoryRequired
	}
	return nil
}

func findMatch(s State) (State, []Effect, error) {
	if err := readyFor(s, ModeRandom, "find match"); err != nil {
		return s, nil, err
	}
	s.Phase = PhaseSearching
	s.WaitSeconds = 0
	s.JoinCode = ""
	inv := Invoke{Target: battledto.ActionFindMatch, Args: []any{s.Local.Name, s.Local.AvatarURL, string(s.Category)}}
	return s, []Effect{inv}, nil
}

func createRoom(s State) (State, []Effect, error) {
	if err := readyFor(s, ModeFriend, "create room"); err != nil {
		return s, nil, err
	}
	s.Phase = PhaseWaitingForFriend
	s.RoomCode = ""
	s.JoinCode = ""
	inv := Invoke{Target: battledto.ActionCreateRoom, Args: []any{s.Local.Name, s.Local.AvatarURL, string(s.Category)}}
	return s, []Effect{inv}, nil
}

func joinRoom(s State, in JoinRoom) (State, []Effect, error) {
	if err := readyFor(s, ModeFriend, "join room"); err != nil {
		return s, nil, err
	}
	code, err := NormalizeRoomCode(in.Code)
	if err != nil {
		return s, nil, err
	}
	s.JoinCode = code
	inv := Invoke{Target: battledto.ActionJoinRoom, Args: []any{string(code), s.Local.Name, s.Local.AvatarURL, string(s.Category)}}
	return s, []Effect{inv}, nil
}

func roomJoined(s State, in RoomJoined) (State, []Effect, error) {
	switch {
	case s.Phase == PhaseWaitingForFriend:
	case s.Phase == PhaseSelectingCategory && s.Mode == ModeFriend && s.JoinCode != "":
	default:
		return s, nil, nil
	}
	code := in.Code
	if code == "" {
		code = s.RoomCode
	}
	if code == "" {
		code = s.JoinCode
	}
	return matched(s, in.Session, code), nil, nil
}

func joinRejected(s State, kind AlertKind) (State, []Effect, error) {
	if s.Phase != PhaseSelectingCategory || s.JoinCode == "" {
		return s, nil, nil
	}
	alert := Alert{Kind: kind, RoomCode: s.JoinCode}
	s.JoinCode = ""
	return s, []Effect{Notify{Alert: alert}}, nil
}

func matched(s State, session Session, code RoomCode) State {
	if session.Category == "" {
		session.Category = s.Category
	}
	self, opponent, _ := ResolveSides(session, s.Local)
	next := State{
		Phase:     PhaseMatched,
		Local:     s.Local,
		Mode:      s.Mode,
		Category:  s.Category,
		RoomCode:  code,
		Session:   &session,
		Self:      self,
		Opponent:  opponent,
		Countdown: CountdownStart,
	}
	return next
}

func countdown(s State) (State, []Effect, error) {
	if !s.Phase.countingDown() {
		return s, nil, nil
	}
	n := s.Countdown - 1
	if n > 0 {
		s.Phase = PhaseCountingDown
		s.Countdown = n
		return s, nil, nil
	}
	s.Phase = PhaseBattleStarted
	s.Countdown = 0
	start := StartBattle{Session: *s.Session, Self: s.Self, Opponent: s.Opponent}
	return s, []Effect{start}, nil
}
