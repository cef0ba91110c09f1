package battle

import "errors"

var (
	ErrWrongPhase       = errors.New("action not allowed in current phase")
	ErrWrongMode        = errors.New("action not allowed in current mode")
	ErrCategoryRequired = errors.New("category must be chosen first")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrInvalidMode      = errors.New("invalid mode")
	ErrInvalidRoomCode  = errors.New("invalid room code")
	ErrMalformedSession = errors.New("malformed match session")
	ErrNotMounted       = errors.New("matchmaker not mounted")
	ErrClosed           = errors.New("matchmaker closed")
)
