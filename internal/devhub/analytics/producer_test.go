package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/park285/quizbattle/pkg/battledto"
)

func TestRecordPublishesJSON(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev battledto.MatchEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != battledto.MatchEventFormed || ev.RoomID != "room-1" || len(ev.Players) != 2 || ev.At.IsZero() {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	p := NewWithProducer(mp, "battle-matches")
	err := p.Record(context.Background(), battledto.MatchEvent{
		Type:     battledto.MatchEventFormed,
		RoomID:   "room-1",
		Mode:     "RANDOM",
		Category: "RITUAL",
		Players:  []battledto.Player{{Name: "An"}, {Name: "Bình"}},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRecordSurfacesBrokerError(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewWithProducer(mp, "battle-matches")
	err := p.Record(context.Background(), battledto.MatchEvent{Type: battledto.MatchEventCancelled})
	if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
		t.Fatalf("expected broker error, got %v", err)
	}
	_ = p.Close()
}
