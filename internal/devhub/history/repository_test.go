package history

import (
	"context"
	"errors"
	"testing"

	"github.com/park285/quizbattle/pkg/battledto"
)

func TestNewRepositoryRequiresURL(t *testing.T) {
	for _, url := range []string{"", "   "} {
		if _, err := NewRepository(url); !errors.Is(err, ErrNoDatabaseURL) {
			t.Fatalf("NewRepository(%q): expected ErrNoDatabaseURL, got %v", url, err)
		}
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{-5: 20, 0: 20, 1: 1, 50: 50, 100: 100, 101: 100, 5000: 100}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Fatalf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestUnopenedRepository(t *testing.T) {
	ctx := context.Background()
	var nilRepo *Repository
	empty := &Repository{}

	for _, r := range []*Repository{nilRepo, empty} {
		if err := r.Record(ctx, battledto.MatchEvent{Type: battledto.MatchEventFormed, RoomID: "r1"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if _, err := r.Recent(ctx, 5); !errors.Is(err, ErrClosed) {
			t.Fatalf("Recent: expected ErrClosed, got %v", err)
		}
		if err := r.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}
