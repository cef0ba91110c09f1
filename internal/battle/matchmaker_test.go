package battle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/quizbattle/internal/hubconn"
	"github.com/park285/quizbattle/pkg/battledto"
)

type fakeHandler struct {
	target string
	h      hubconn.Handler
}

// fakeHub records calls in order and lets tests push events.
type fakeHub struct {
	mu        sync.Mutex
	calls     []string
	invokes   []*battledto.Frame
	handlers  map[int]fakeHandler
	stateCbs  map[int]hubconn.StateCallback
	nextID    int
	startErr  error
	invokeErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		handlers: make(map[int]fakeHandler),
		stateCbs: make(map[int]hubconn.StateCallback),
	}
}

func (f *fakeHub) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeHub) Start(context.Context) error {
	f.record("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeHub) State() hubconn.State { return hubconn.StateConnected }

func (f *fakeHub) Invoke(_ context.Context, target string, args ...any) error {
	f.record("invoke:" + target)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invokeErr != nil {
		return f.invokeErr
	}
	frame, err := battledto.NewFrame(battledto.KindInvoke, target, args...)
	if err != nil {
		return err
	}
	f.invokes = append(f.invokes, frame)
	return nil
}

func (f *fakeHub) On(target string, h hubconn.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[f.nextID] = fakeHandler{target: target, h: h}
	return f.nextID
}

func (f *fakeHub) Off(id int) {
	f.mu.Lock()
	delete(f.handlers, id)
	f.mu.Unlock()
}

func (f *fakeHub) OnStateChange(cb hubconn.StateCallback) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.stateCbs[f.nextID] = cb
	return f.nextID
}

func (f *fakeHub) RemoveStateCallback(id int) {
	f.mu.Lock()
	delete(f.stateCbs, id)
	f.mu.Unlock()
}

func (f *fakeHub) Close(context.Context) error {
	f.record("close")
	return nil
}

func (f *fakeHub) emit(t *testing.T, target string, args ...any) {
	t.Helper()
	frame, err := battledto.NewFrame(battledto.KindEvent, target, args...)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	f.mu.Lock()
	var hs []hubconn.Handler
	for _, e := range f.handlers {
		if e.target == target {
			hs = append(hs, e.h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(frame)
	}
}

func (f *fakeHub) setState(s hubconn.State) {
	f.mu.Lock()
	var cbs []hubconn.StateCallback
	for _, cb := range f.stateCbs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func (f *fakeHub) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHub) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type alertSpy struct {
	mu     sync.Mutex
	alerts []Alert
	ch     chan Alert
}

func newAlertSpy() *alertSpy { return &alertSpy{ch: make(chan Alert, 16)} }

func (s *alertSpy) Notify(_ context.Context, a Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	s.ch <- a
}

func (s *alertSpy) wait(t *testing.T, kind AlertKind) Alert {
	t.Helper()
	select {
	case a := <-s.ch:
		if a.Kind != kind {
			t.Fatalf("alert=%s want %s", a.Kind, kind)
		}
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for alert %s", kind)
	}
	return Alert{}
}

type battleSpy struct {
	started chan Battle
	finish  chan func()
}

func newBattleSpy() *battleSpy {
	return &battleSpy{started: make(chan Battle, 4), finish: make(chan func(), 4)}
}

func (b *battleSpy) StartBattle(_ context.Context, bt Battle, onFinish func()) {
	b.started <- bt
	b.finish <- onFinish
}

type harness struct {
	hub    *fakeHub
	mm     *Matchmaker
	alerts *alertSpy
	battle *battleSpy
	states <-chan State
}

func newHarness(t *testing.T, local Identity) *harness {
	t.Helper()
	h := &harness{hub: newFakeHub(), alerts: newAlertSpy(), battle: newBattleSpy()}
	h.mm = New(h.hub, Config{
		Player:       local,
		TickInterval: 10 * time.Millisecond,
		Notifier:     h.alerts,
		Handoff:      h.battle,
	})
	t.Cleanup(func() { _ = h.mm.Close(context.Background()) })
	h.states = h.mm.Subscribe()
	if err := h.mm.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return h
}

// waitFor drains snapshots until pred holds.
func (h *harness) waitFor(t *testing.T, what string, pred func(State) bool) State {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s, ok := <-h.states:
			if !ok {
				t.Fatalf("state stream closed waiting for %s", what)
			}
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s; last=%+v", what, h.mm.Snapshot())
		}
	}
}

func (h *harness) phase(t *testing.T, p Phase) State {
	t.Helper()
	return h.waitFor(t, p.String(), func(s State) bool { return s.Phase == p })
}

// settle polls the committed state; unlike waitFor it survives a dropped subscription.
func (h *harness) settle(t *testing.T, p Phase) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.mm.Snapshot(); s.Phase == p {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s; last=%+v", p, h.mm.Snapshot())
	return State{}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func wireSession(roomID string, players ...Identity) battledto.Session {
	w := battledto.Session{RoomID: roomID, Category: string(CategoryRitual)}
	for _, p := range players {
		w.Players = append(w.Players, p.wire())
	}
	return w
}

func TestMatchmakerRandomScenario(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.FindMatch(ctx))
	if s := h.mm.Snapshot(); s.Phase != PhaseSearching || s.WaitSeconds != 0 {
		t.Fatalf("after find: %s wait=%d", s.Phase, s.WaitSeconds)
	}
	h.hub.emit(t, battledto.EventWaitingForOpponent)
	h.waitFor(t, "wait counter", func(s State) bool { return s.Phase == PhaseSearching && s.WaitSeconds >= 2 })

	h.hub.emit(t, battledto.EventMatchFound, "room-1", wireSession("room-1", bob, alice))
	s := h.phase(t, PhaseMatched)
	if s.Countdown != CountdownStart || s.Self.Name != "Alice" || s.Opponent.Name != "Bob" {
		t.Fatalf("matched: %+v", s)
	}

	var bt Battle
	select {
	case bt = <-h.battle.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("battle never started; phase=%s", h.mm.Snapshot().Phase)
	}
	if bt.RoomID != "room-1" || bt.Self.Name != "Alice" || bt.Opponent.Name != "Bob" || bt.Hub == nil {
		t.Fatalf("battle=%+v", bt)
	}
	if s := h.mm.Snapshot(); s.Phase != PhaseBattleStarted || s.Countdown != 0 {
		t.Fatalf("after countdown: %s %d", s.Phase, s.Countdown)
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-h.battle.started:
		t.Fatalf("battle handed off twice")
	default:
	}

	onFinish := <-h.battle.finish
	onFinish()
	onFinish()
	h.phase(t, PhaseSelectingMode)
	if s := h.mm.Snapshot(); s.Session != nil || s.RoomCode != "" {
		t.Fatalf("finish left data behind: %+v", s)
	}
}

func (h *harness) startedBattle(t *testing.T) (Battle, func()) {
	t.Helper()
	select {
	case bt := <-h.battle.started:
		return bt, <-h.battle.finish
	case <-time.After(3 * time.Second):
		t.Fatalf("battle never started; phase=%s", h.mm.Snapshot().Phase)
	}
	return Battle{}, nil
}

func TestMatchmakerStaleFinishIsIgnored(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.FindMatch(ctx))
	h.hub.emit(t, battledto.EventMatchFound, "room-1", wireSession("room-1", bob, alice))
	_, finishFirst := h.startedBattle(t)

	h.hub.emit(t, battledto.EventOpponentDisconnected)
	h.alerts.wait(t, AlertOpponentDisconnected)

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.FindMatch(ctx))
	h.hub.emit(t, battledto.EventMatchFound, "room-2", wireSession("room-2", bob, alice))
	second, finishSecond := h.startedBattle(t)
	if second.RoomID != "room-2" {
		t.Fatalf("second battle room=%s", second.RoomID)
	}

	finishFirst()
	time.Sleep(50 * time.Millisecond)
	if s := h.mm.Snapshot(); s.Phase != PhaseBattleStarted || s.Session == nil || s.Session.RoomID != "room-2" {
		t.Fatalf("old battle's finish reset the current one: phase=%s session=%v", s.Phase, s.Session)
	}

	finishSecond()
	if s := h.settle(t, PhaseSelectingMode); s.Session != nil {
		t.Fatalf("current battle's finish did not reset: %+v", s)
	}
}

func TestMatchmakerFriendCreateScenario(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeFriend))
	must(t, h.mm.SelectCategory(ctx, CategoryFestival))
	must(t, h.mm.CreateRoom(ctx))
	h.hub.emit(t, battledto.EventRoomCreated, "ab12")
	s := h.waitFor(t, "room code", func(s State) bool { return s.RoomCode != "" })
	if s.Phase != PhaseWaitingForFriend || s.RoomCode != "AB12" {
		t.Fatalf("waiting: %+v", s)
	}

	h.hub.emit(t, battledto.EventRoomJoined, "AB12", wireSession("AB12", alice, bob))
	s = h.phase(t, PhaseMatched)
	if s.Opponent.Name != "Bob" || s.RoomCode != "AB12" {
		t.Fatalf("matched: %+v", s)
	}
}

func TestMatchmakerOpponentDisconnectWhileSearching(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryMixed))
	must(t, h.mm.FindMatch(ctx))
	h.hub.emit(t, battledto.EventOpponentDisconnected)

	h.alerts.wait(t, AlertOpponentDisconnected)
	s := h.mm.Snapshot()
	if s.Phase != PhaseSelectingMode || s.Session != nil || s.RoomCode != "" || s.WaitSeconds != 0 {
		t.Fatalf("not cleared: %+v", s)
	}
}

func TestMatchmakerRoomNotFound(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeFriend))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.JoinRoom(ctx, "zzzz"))
	h.hub.emit(t, battledto.EventRoomNotFound)

	a := h.alerts.wait(t, AlertRoomNotFound)
	if a.RoomCode != "ZZZZ" {
		t.Fatalf("alert room code=%q", a.RoomCode)
	}
	s := h.mm.Snapshot()
	if s.Phase != PhaseSelectingCategory || s.Session != nil {
		t.Fatalf("after not found: %+v", s)
	}
}

func TestMatchmakerInvokeFailureIsNoop(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	h.hub.mu.Lock()
	h.hub.invokeErr = errors.New("hub rejected")
	h.hub.mu.Unlock()

	if err := h.mm.FindMatch(ctx); err == nil {
		t.Fatalf("expected invoke error")
	}
	if s := h.mm.Snapshot(); s.Phase != PhaseSelectingCategory {
		t.Fatalf("failed invoke advanced phase to %s", s.Phase)
	}
}

func TestMatchmakerCloseCancelsBeforeClosing(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.FindMatch(ctx))
	must(t, h.mm.Close(ctx))

	calls := h.hub.callLog()
	cancelAt, closeAt := -1, -1
	for i, c := range calls {
		switch c {
		case "invoke:" + battledto.ActionCancelMatchmaking:
			cancelAt = i
		case "close":
			closeAt = i
		}
	}
	if cancelAt < 0 || closeAt < 0 || cancelAt > closeAt {
		t.Fatalf("want cancel before close, calls=%v", calls)
	}
	if h.hub.handlerCount() != 0 {
		t.Fatalf("handlers still registered after close")
	}
	if err := h.mm.FindMatch(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestMatchmakerCloseIdleSkipsCancel(t *testing.T) {
	h := newHarness(t, alice)
	must(t, h.mm.Close(context.Background()))
	for _, c := range h.hub.callLog() {
		if c == "invoke:"+battledto.ActionCancelMatchmaking {
			t.Fatalf("idle close must not cancel: %v", h.hub.callLog())
		}
	}
}

func TestMatchmakerWaitingForOpponentIsIdempotent(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.FindMatch(ctx))
	gen := func() uint64 {
		reply := make(chan loopView, 1)
		h.mm.inbox <- viewMsg{reply: reply}
		return (<-reply).WaitGen
	}
	before := gen()
	h.hub.emit(t, battledto.EventWaitingForOpponent)
	h.hub.emit(t, battledto.EventWaitingForOpponent)
	if after := gen(); after != before {
		t.Fatalf("waiting ticker restarted: gen %d -> %d", before, after)
	}
	if s := h.mm.Snapshot(); s.Phase != PhaseSearching {
		t.Fatalf("phase=%s", s.Phase)
	}
}

func TestMatchmakerActionsRequireMount(t *testing.T) {
	mm := New(newFakeHub(), Config{Player: alice})
	defer mm.Close(context.Background())
	if err := mm.SelectMode(context.Background(), ModeRandom); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("expected ErrNotMounted, got %v", err)
	}
}

func TestMatchmakerMountFailureAlerts(t *testing.T) {
	hub := newFakeHub()
	hub.startErr = errors.New("dial refused")
	spy := newAlertSpy()
	mm := New(hub, Config{Player: alice, Notifier: spy})
	defer mm.Close(context.Background())

	if err := mm.Mount(context.Background()); err == nil {
		t.Fatalf("expected mount error")
	}
	spy.wait(t, AlertConnectionLost)

	hub.mu.Lock()
	hub.startErr = nil
	hub.mu.Unlock()
	if err := mm.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
}

func TestMatchmakerConnectionFailedWhileSearching(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeRandom))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.FindMatch(ctx))
	h.hub.setState(hubconn.StateFailed)
	h.alerts.wait(t, AlertConnectionLost)
	h.settle(t, PhaseSelectingMode)
}

func TestMatchmakerReconnectDuringWaitEndsRoom(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()

	must(t, h.mm.SelectMode(ctx, ModeFriend))
	must(t, h.mm.SelectCategory(ctx, CategoryRitual))
	must(t, h.mm.CreateRoom(ctx))
	h.hub.emit(t, battledto.EventRoomCreated, "AB12")
	h.waitFor(t, "room code", func(s State) bool { return s.RoomCode == "AB12" })

	h.hub.setState(hubconn.StateDisconnected)
	h.hub.setState(hubconn.StateReconnecting)
	if a := h.alerts.wait(t, AlertConnectionLost); a.RoomCode != "AB12" {
		t.Fatalf("alert=%+v", a)
	}
	h.settle(t, PhaseSelectingMode)

	h.hub.setState(hubconn.StateFailed)
	time.Sleep(50 * time.Millisecond)
	select {
	case a := <-h.alerts.ch:
		t.Fatalf("second alert after the attempt ended: %+v", a)
	default:
	}
}
