package battle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/quizbattle/internal/hubconn"
	"github.com/park285/quizbattle/internal/obslog"
	"github.com/park285/quizbattle/pkg/battledto"
)

const (
	defaultTickInterval = time.Second
	inboxSize           = 64
	subscriberBuffer    = 16
)

// Config wires a Matchmaker to its collaborators.
type Config struct {
	Player       Identity
	TickInterval time.Duration
	Notifier     Notifier
	Handoff      Handoff
	Logger       *zap.Logger
}

// Matchmaker owns the hub connection and the matchmaking state for one view.
// A single goroutine applies every input, so hub events, timer ticks and user
// actions are serialised the way a UI event loop would serialise them.
type Matchmaker struct {
	hub    hubconn.Client
	cfg    Config
	logger *zap.Logger

	inbox chan msg
	done  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc

	mountM     sync.Mutex
	mounted    bool
	closed     bool
	handlerIDs []int
	stateCbID  int
	closeOnce  sync.Once
	closeErr   error

	lastM sync.RWMutex
	last  State

	// owned by the loop goroutine
	state    State
	subs     map[int]chan State
	nextSub  int
	waitGen  uint64
	waitStop chan struct{}
	cdGen    uint64
	cdStop   chan struct{}
}

type msg interface{ isMsg() }

type actionMsg struct {
	ctx   context.Context
	in    Input
	reply chan error
}

type inputMsg struct{ in Input }

type tickKind int

const (
	tickWait tickKind = iota
	tickCountdown
)

type tickMsg struct {
	kind tickKind
	gen  uint64
}

type subscribeMsg struct{ reply chan (<-chan State) }

type closeMsg struct {
	ctx     context.Context
	mounted bool
	reply   chan struct{}
}

// viewMsg reflects loop-owned fields without racing the loop.
type viewMsg struct{ reply chan loopView }

type loopView struct {
	State        State
	WaitGen      uint64
	CountdownGen uint64
	Subscribers  int
}

func (actionMsg) isMsg()    {}
func (viewMsg) isMsg()      {}
func (inputMsg) isMsg()     {}
func (tickMsg) isMsg()      {}
func (subscribeMsg) isMsg() {}
func (closeMsg) isMsg()     {}

// New starts the state loop. The hub is not touched until Mount.
func New(hub hubconn.Client, cfg Config) *Matchmaker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}
	if cfg.Handoff == nil {
		cfg.Handoff = HandoffFunc(func(context.Context, Battle, func()) {})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = obslog.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	initial := NewState(cfg.Player)
	m := &Matchmaker{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With(zap.String("player", cfg.Player.Name)),
		inbox:  make(chan msg, inboxSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		stop:   cancel,
		last:   initial,
		state:  initial,
		subs:   make(map[int]chan State),
	}
	go m.loop()
	return m
}

// Mount registers the hub event handlers once and opens the connection.
// A failed open is logged and surfaced as a connection alert; the matchmaker
// stays mounted so Reconnect can retry.
func (m *Matchmaker) Mount(ctx context.Context) error {
	m.mountM.Lock()
	defer m.mountM.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.mounted {
		m.registerHandlers()
		m.mounted = true
	}
	if err := m.hub.Start(ctx); err != nil {
		m.logger.Error("hub_mount_failed", zap.Error(err))
		m.cfg.Notifier.Notify(ctx, Alert{Kind: AlertConnectionLost})
		return fmt.Errorf("mount matchmaker: %w", err)
	}
	return nil
}

// Reconnect retries opening the hub connection after a failure.
func (m *Matchmaker) Reconnect(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.hub.Start(ctx); err != nil {
		m.logger.Warn("hub_reconnect_failed", zap.Error(err))
		return fmt.Errorf("reconnect hub: %w", err)
	}
	return nil
}

func (m *Matchmaker) SelectMode(ctx context.Context, mode Mode) error {
	return m.dispatch(ctx, SelectMode{Mode: mode})
}

func (m *Matchmaker) SelectCategory(ctx context.Context, c Category) error {
	return m.dispatch(ctx, SelectCategory{Category: c})
}

func (m *Matchmaker) Back(ctx context.Context) error { return m.dispatch(ctx, Back{}) }

func (m *Matchmaker) FindMatch(ctx context.Context) error { return m.dispatch(ctx, FindMatch{}) }

func (m *Matchmaker) CreateRoom(ctx context.Context) error { return m.dispatch(ctx, CreateRoom{}) }

func (m *Matchmaker) JoinRoom(ctx context.Context, code string) error {
	return m.dispatch(ctx, JoinRoom{Code: code})
}

func (m *Matchmaker) Cancel(ctx context.Context) error { return m.dispatch(ctx, Cancel{}) }

// Snapshot returns the most recently committed state.
func (m *Matchmaker) Snapshot() State {
	m.lastM.RLock()
	defer m.lastM.RUnlock()
	return m.last
}

// Subscribe returns a channel that receives the current state and then every
// committed state. The channel is closed on Close, or when the subscriber falls
// too far behind.
func (m *Matchmaker) Subscribe() <-chan State {
	reply := make(chan (<-chan State), 1)
	select {
	case m.inbox <- subscribeMsg{reply: reply}:
	case <-m.done:
		return closedStates()
	}
	select {
	case ch := <-reply:
		return ch
	case <-m.done:
		return closedStates()
	}
}

// Close unmounts: an outstanding search or room is cancelled on the hub
// before the connection is closed. Safe to call more than once.
func (m *Matchmaker) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mountM.Lock()
		m.closed = true
		mounted := m.mounted
		m.mountM.Unlock()

		reply := make(chan struct{})
		select {
		case m.inbox <- closeMsg{ctx: ctx, mounted: mounted, reply: reply}:
			select {
			case <-reply:
			case <-m.done:
			}
		case <-m.done:
		}

		m.mountM.Lock()
		for _, id := range m.handlerIDs {
			m.hub.Off(id)
		}
		m.handlerIDs = nil
		if mounted {
			m.hub.RemoveStateCallback(m.stateCbID)
		}
		m.mountM.Unlock()

		if err := m.hub.Close(ctx); err != nil {
			m.closeErr = fmt.Errorf("close hub: %w", err)
		}
	})
	return m.closeErr
}

func (m *Matchmaker) ready() error {
	m.mountM.Lock()
	defer m.mountM.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.mounted {
		return ErrNotMounted
	}
	return nil
}

func (m *Matchmaker) dispatch(ctx context.Context, in Input) error {
	if err := m.ready(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case m.inbox <- actionMsg{ctx: ctx, in: in, reply: reply}:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// post delivers a non-user input; it gives up once the loop has stopped.
func (m *Matchmaker) post(in Input) {
	select {
	case m.inbox <- inputMsg{in: in}:
	case <-m.done:
	}
}

func (m *Matchmaker) registerHandlers() {
	on := func(target string, h hubconn.Handler) {
		m.handlerIDs = append(m.handlerIDs, m.hub.On(target, h))
	}
	on(battledto.EventWaitingForOpponent, func(*battledto.Frame) { m.post(WaitingForOpponent{}) })
	on(battledto.EventMatchFound, func(f *battledto.Frame) {
		var ws battledto.Session
		if err := f.Arg(1, &ws); err != nil {
			m.logger.Warn("hub_event_malformed", zap.String("event", f.Target), zap.Error(err))
			return
		}
		roomID := f.StringArg(0)
		session, err := SessionFromWire(roomID, ws)
		if err != nil {
			m.logger.Warn("hub_event_malformed", zap.String("event", f.Target), zap.Error(err))
			return
		}
		m.post(MatchFound{RoomID: session.RoomID, Session: session})
	})
	on(battledto.EventRoomCreated, func(f *battledto.Frame) {
		code, err := NormalizeRoomCode(f.StringArg(0))
		if err != nil {
			m.logger.Warn("hub_event_malformed", zap.String("event", f.Target), zap.Error(err))
			return
		}
		m.post(RoomCreated{Code: code})
	})
	on(battledto.EventRoomJoined, func(f *battledto.Frame) {
		code, _ := NormalizeRoomCode(f.StringArg(0))
		var ws battledto.Session
		if err := f.Arg(1, &ws); err != nil {
			m.logger.Warn("hub_event_malformed", zap.String("event", f.Target), zap.Error(err))
			return
		}
		session, err := SessionFromWire(string(code), ws)
		if err != nil {
			m.logger.Warn("hub_event_malformed", zap.String("event", f.Target), zap.Error(err))
			return
		}
		m.post(RoomJoined{Code: code, Session: session})
	})
	on(battledto.EventRoomNotFound, func(*battledto.Frame) { m.post(RoomNotFound{}) })
	on(battledto.EventRoomFull, func(*battledto.Frame) { m.post(RoomFull{}) })
	on(battledto.EventOpponentDisconnected, func(*battledto.Frame) { m.post(OpponentDisconnected{}) })

	m.stateCbID = m.hub.OnStateChange(func(s hubconn.State) {
		// Callbacks may fire from inside an Invoke running on the loop.
		// Close removes this callback before closing the hub, so Disconnected
		// here is always a drop.
		switch s {
		case hubconn.StateDisconnected, hubconn.StateReconnecting, hubconn.StateFailed:
			go m.post(ConnectionLost{})
		}
	})
}

func (m *Matchmaker) loop() {
	defer close(m.done)
	defer m.stop()
	for raw := range m.inbox {
		switch msg := raw.(type) {
		case actionMsg:
			msg.reply <- m.applyAction(msg.ctx, msg.in)
		case inputMsg:
			m.apply(msg.in)
		case tickMsg:
			if in, ok := m.acceptTick(msg); ok {
				m.apply(in)
			}
		case subscribeMsg:
			ch := make(chan State, subscriberBuffer)
			ch <- m.state
			m.subs[m.nextSub] = ch
			m.nextSub++
			msg.reply <- ch
		case viewMsg:
			msg.reply <- loopView{State: m.state, WaitGen: m.waitGen, CountdownGen: m.cdGen, Subscribers: len(m.subs)}
		case closeMsg:
			m.shutdown(msg)
			close(msg.reply)
			return
		}
	}
}

// applyAction runs a user action. Its hub invokes happen before the new state
// is committed, so a failed invoke leaves the machine where it was.
func (m *Matchmaker) applyAction(ctx context.Context, in Input) error {
	next, effects, err := Reduce(m.state, in)
	if err != nil {
		return err
	}
	rest := effects[:0:0]
	for _, e := range effects {
		inv, ok := e.(Invoke)
		if !ok {
			rest = append(rest, e)
			continue
		}
		if err := m.hub.Invoke(ctx, inv.Target, inv.Args...); err != nil {
			m.logger.Warn("hub_invoke_failed", zap.String("target", inv.Target), zap.Error(err))
			return fmt.Errorf("invoke %s: %w", inv.Target, err)
		}
	}
	m.commit(next)
	m.run(rest)
	return nil
}

func (m *Matchmaker) apply(in Input) {
	next, effects, err := Reduce(m.state, in)
	if err != nil {
		m.logger.Debug("matchmaking_input_rejected", zap.Error(err))
		return
	}
	if next == m.state && len(effects) == 0 {
		return
	}
	m.commit(next)
	m.run(effects)
}

func (m *Matchmaker) run(effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case Invoke:
			if err := m.hub.Invoke(m.ctx, e.Target, e.Args...); err != nil {
				m.logger.Warn("hub_invoke_failed", zap.String("target", e.Target), zap.Error(err))
			}
		case Notify:
			m.logger.Info("matchmaking_alert", zap.String("kind", string(e.Alert.Kind)), zap.String("room_code", string(e.Alert.RoomCode)))
			m.cfg.Notifier.Notify(m.ctx, e.Alert)
		case StartBattle:
			m.handoff(e)
		}
	}
}

func (m *Matchmaker) handoff(e StartBattle) {
	var once sync.Once
	room := e.Session.RoomID
	onFinish := func() {
		once.Do(func() { go m.post(Finish{RoomID: room}) })
	}
	b := Battle{
		Hub:      m.hub,
		RoomID:   e.Session.RoomID,
		Self:     e.Self,
		Opponent: e.Opponent,
		Category: e.Session.Category,
	}
	m.logger.Info("battle_started",
		zap.String("room_id", b.RoomID),
		zap.String("opponent", b.Opponent.Name),
		zap.String("category", string(b.Category)),
	)
	m.cfg.Handoff.StartBattle(m.ctx, b, onFinish)
}

func (m *Matchmaker) commit(next State) {
	prev := m.state
	m.state = next
	m.syncTimers()

	m.lastM.Lock()
	m.last = next
	m.lastM.Unlock()

	if prev.Phase != next.Phase {
		m.logger.Info("matchmaking_phase",
			zap.String("from", prev.Phase.String()),
			zap.String("to", next.Phase.String()),
		)
	}
	m.broadcast(next)
}

func (m *Matchmaker) broadcast(s State) {
	for id, ch := range m.subs {
		select {
		case ch <- s:
		default:
			close(ch)
			delete(m.subs, id)
			m.logger.Debug("subscriber_dropped", zap.Int("id", id))
		}
	}
}

// syncTimers makes the running tickers match the committed phase.
func (m *Matchmaker) syncTimers() {
	wantWait := m.state.Phase == PhaseSearching
	switch {
	case wantWait && m.waitStop == nil:
		m.waitGen++
		m.waitStop = make(chan struct{})
		go m.tick(tickWait, m.waitGen, m.waitStop)
	case !wantWait && m.waitStop != nil:
		close(m.waitStop)
		m.waitStop = nil
	}

	wantCountdown := m.state.Phase.countingDown()
	switch {
	case wantCountdown && m.cdStop == nil:
		m.cdGen++
		m.cdStop = make(chan struct{})
		go m.tick(tickCountdown, m.cdGen, m.cdStop)
	case !wantCountdown && m.cdStop != nil:
		close(m.cdStop)
		m.cdStop = nil
	}
}

func (m *Matchmaker) acceptTick(t tickMsg) (Input, bool) {
	switch t.kind {
	case tickWait:
		if m.waitStop != nil && t.gen == m.waitGen {
			return WaitTick{}, true
		}
	case tickCountdown:
		if m.cdStop != nil && t.gen == m.cdGen {
			return CountdownTick{}, true
		}
	}
	return nil, false
}

func (m *Matchmaker) tick(kind tickKind, gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.done:
			return
		case <-t.C:
			select {
			case m.inbox <- tickMsg{kind: kind, gen: gen}:
			case <-stop:
				return
			case <-m.done:
				return
			}
		}
	}
}

func (m *Matchmaker) shutdown(c closeMsg) {
	if c.mounted && m.state.Phase.pending() {
		if err := m.hub.Invoke(c.ctx, battledto.ActionCancelMatchmaking); err != nil {
			m.logger.Warn("cancel_on_close_failed", zap.Error(err))
		} else {
			m.logger.Info("matchmaking_cancelled_on_close", zap.String("phase", m.state.Phase.String()))
		}
	}
	m.state = m.state.reset()
	m.syncTimers()
	m.lastM.Lock()
	m.last = m.state
	m.lastM.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

func closedStates() <-chan State {
	ch := make(chan State)
	close(ch)
	return ch
}
