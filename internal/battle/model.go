package battle

import (
	"fmt"
	"strings"

	"github.com/park285/quizbattle/pkg/battledto"
)

// Category is the quiz content pool a battle draws from.
type Category string

const (
	CategoryRitual   Category = "RITUAL"
	CategoryFestival Category = "FESTIVAL"
	CategoryMixed    Category = "MIXED"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryRitual, CategoryFestival, CategoryMixed}

func (c Category) Valid() bool {
	switch c {
	case CategoryRitual, CategoryFestival, CategoryMixed:
		return true
	}
	return false
}

// ParseCategory accepts the wire names and the portal's Vietnamese labels.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "ritual", "le", "lễ", "phan le", "phần lễ":
		return CategoryRitual, nil
	case "festival", "hoi", "hội", "phan hoi", "phần hội":
		return CategoryFestival, nil
	case "mixed", "hon hop", "hỗn hợp":
		return CategoryMixed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Mode selects broad matchmaking or room-code pairing.
type Mode string

const (
	ModeRandom Mode = "RANDOM"
	ModeFriend Mode = "FRIEND"
)

func (m Mode) Valid() bool { return m == ModeRandom || m == ModeFriend }

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random", "r":
		return ModeRandom, nil
	case "friend", "f", "room":
		return ModeFriend, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// RoomCode identifies a friend-mode room. Always upper case.
type RoomCode string

const maxRoomCodeLen = 12

// NormalizeRoomCode trims and upper-cases user input and rejects anything that
// is not a short alphanumeric code.
func NormalizeRoomCode(s string) (RoomCode, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if code == "" || len(code) > maxRoomCodeLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomCode, s)
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' {
			return "", fmt.Errorf("%w: %q", ErrInvalidRoomCode, s)
		}
	}
	return RoomCode(code), nil
}

// Identity is a player as shown in the battle UI.
type Identity struct {
	ID        string
	Name      string
	AvatarURL string
}

func (i Identity) wire() battledto.Player {
	return battledto.Player{ID: i.ID, Name: i.Name, AvatarURL: i.AvatarURL}
}

func identityFromWire(p battledto.Player) Identity {
	return Identity{ID: strings.TrimSpace(p.ID), Name: strings.TrimSpace(p.Name), AvatarURL: strings.TrimSpace(p.AvatarURL)}
}

// Session is a server-confirmed pairing. Two sessions are the same room when
// their RoomIDs match.
type Session struct {
	RoomID   string
	Category Category
	Players  [2]Identity
}

func (s Session) Equal(o Session) bool { return s.RoomID == o.RoomID }

// SessionFromWire validates a MatchFound/RoomJoined payload. roomID is the
// event's own room argument and wins over an empty payload field.
func SessionFromWire(roomID string, w battledto.Session) (Session, error) {
	id := strings.TrimSpace(w.RoomID)
	if id == "" {
		id = strings.TrimSpace(roomID)
	}
	if id == "" {
		return Session{}, fmt.Errorf("%w: empty room id", ErrMalformedSession)
	}
	if len(w.Players) != 2 {
		return Session{}, fmt.Errorf("%w: %d players", ErrMalformedSession, len(w.Players))
	}
	s := Session{RoomID: id, Category: Category(strings.ToUpper(strings.TrimSpace(w.Category)))}
	for i, p := range w.Players {
		s.Players[i] = identityFromWire(p)
	}
	if a, b := s.Players[0].ID, s.Players[1].ID; a != "" && a == b {
		return Session{}, fmt.Errorf("%w: duplicate player id %q", ErrMalformedSession, a)
	}
	return s, nil
}

// ResolveSides picks which session entry is the local player. It prefers an id
// match, then an exact name match, then falls back to the first entry; exact
// reports whether the fallback was avoided. Fields the server left empty are
// filled from the local profile.
func ResolveSides(s Session, local Identity) (self, opponent Identity, exact bool) {
	idx := -1
	if local.ID != "" {
		for i, p := range s.Players {
			if p.ID == local.ID {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		for i, p := range s.Players {
			if p.Name == local.Name {
				idx = i
				break
			}
		}
	}
	exact = idx >= 0
	if idx < 0 {
		idx = 0
	}
	self, opponent = s.Players[idx], s.Players[1-idx]
	if self.ID == "" {
		self.ID = local.ID
	}
	if self.AvatarURL == "" {
		self.AvatarURL = local.AvatarURL
	}
	return self, opponent, exact
}
