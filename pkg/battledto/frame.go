package battledto

import (
	"encoding/json"
	"fmt"
)

// FrameKind distinguishes client invocations from hub-pushed events.
type FrameKind string

const (
	KindInvoke FrameKind = "invoke"
	KindEvent  FrameKind = "event"
)

// Frame is one JSON text message on a hub connection.
type Frame struct {
	Kind      FrameKind         `json:"kind"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// NewFrame marshals args positionally into a frame.
func NewFrame(kind FrameKind, target string, args ...any) (*Frame, error) {
	f := &Frame{Kind: kind, Target: target}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d of %s: %w", i, target, err)
		}
		f.Arguments = append(f.Arguments, raw)
	}
	return f, nil
}

// Arg decodes the i-th argument into out.
func (f *Frame) Arg(i int, out any) error {
	if f == nil || i < 0 || i >= len(f.Arguments) {
		return fmt.Errorf("%w: %d", ErrMissingArgument, i)
	}
	if err := json.Unmarshal(f.Arguments[i], out); err != nil {
		return fmt.Errorf("decode argument %d of %s: %w", i, f.Target, err)
	}
	return nil
}

// StringArg is a shortcut for string arguments; missing or malformed values yield "".
func (f *Frame) StringArg(i int) string {
	var s string
	if err := f.Arg(i, &s); err != nil {
		return ""
	}
	return s
}
