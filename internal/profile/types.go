package profile

import (
	"strings"

	"github.com/park285/quizbattle/internal/battle"
)

// User is the portal's /api/users/me payload. Older portal builds send
// fullName/userName instead of name.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	UserName  string `json:"userName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (u User) DisplayName() string {
	for _, s := range []string{u.Name, u.FullName, u.UserName} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func (u User) Identity() battle.Identity {
	return battle.Identity{
		ID:        strings.TrimSpace(u.ID),
		Name:      u.DisplayName(),
		AvatarURL: strings.TrimSpace(u.AvatarURL),
	}
}
