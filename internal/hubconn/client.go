package hubconn

import (
	"context"
	"errors"

	"github.com/park285/quizbattle/pkg/battledto"
)

// State is the lifecycle state of a hub connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	ErrNotConnected = errors.New("hub not connected")
	ErrClosed       = errors.New("hub connection closed")
)

// Handler receives one hub-pushed event frame.
type Handler func(frame *battledto.Frame)

// StateCallback observes connection state changes.
type StateCallback func(state State)

// HeaderProvider allows injecting handshake headers (auth tokens, session ids).
type HeaderProvider func() map[string]string

// Client is the surface consumers of a hub connection depend on.
type Client interface {
	Start(ctx context.Context) error
	State() State
	Invoke(ctx context.Context, target string, args ...any) error
	On(target string, h Handler) int
	Off(id int)
	OnStateChange(cb StateCallback) int
	RemoveStateCallback(id int)
	Close(ctx context.Context) error
}

var _ Client = (*Conn)(nil)
