package hubconn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/quizbattle/internal/obslog"
	"github.com/park285/quizbattle/pkg/battledto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	maxFrameBytes       = 64 << 10
)

type handlerEntry struct {
	id      int
	target  string
	handler Handler
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Conn owns one persistent connection to a real-time hub. Event handlers are
// kept on the Conn, so they survive reconnects without re-registration.
type Conn struct {
	url string

	conn       *websocket.Conn
	connCancel context.CancelFunc
	connM      sync.RWMutex
	writeM     sync.Mutex
	startM     sync.Mutex

	state  State
	stateM sync.RWMutex

	handlers []handlerEntry
	stateCbs []stateCallbackEntry
	nextID   int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	reconnectBase        time.Duration
	reconnecting         atomic.Bool

	pingInterval time.Duration
	dialTimeout  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
	logger         *zap.Logger
}

type Option func(*Conn)

func WithReconnect(maxAttempts int, base time.Duration) Option {
	return func(c *Conn) {
		c.maxReconnectAttempts = maxAttempts
		if base > 0 {
			c.reconnectBase = base
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Conn) { c.headerProvider = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:                  strings.TrimSpace(url),
		state:                StateDisconnected,
		maxReconnectAttempts: 5,
		reconnectBase:        100 * time.Millisecond,
		pingInterval:         defaultPingInterval,
		dialTimeout:          defaultDialTimeout,
		stopCh:               make(chan struct{}),
		logger:               obslog.L(),
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("hub_url", c.url))
	return c
}

// Start opens the connection. A failed dial leaves the Conn in StateFailed and
// schedules background reconnects when they are enabled.
func (c *Conn) Start(ctx context.Context) error {
	if c.isStopping() {
		return ErrClosed
	}
	c.startM.Lock()
	defer c.startM.Unlock()
	if c.State() == StateConnected {
		return nil
	}

	c.setState(StateConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.logger.Error("hub_connect_failed", zap.Error(err))
		c.scheduleReconnect()
		return fmt.Errorf("dial hub: %w", err)
	}
	c.attach(ws)
	c.logger.Info("hub_connected")
	return nil
}

func (c *Conn) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

// Invoke sends a fire-and-forget action. If the connection is not up it makes
// one synchronous Start attempt and aborts on failure.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) error {
	if c.isStopping() {
		return ErrClosed
	}
	if c.State() != StateConnected {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}
	frame, err := battledto.NewFrame(battledto.KindInvoke, target, args...)
	if err != nil {
		return err
	}

	c.connM.RLock()
	ws := c.conn
	c.connM.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}

	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
	}
	// wsjson.Write is not safe for concurrent use on one conn.
	c.writeM.Lock()
	err = wsjson.Write(wctx, ws, frame)
	c.writeM.Unlock()
	if err != nil {
		c.logger.Warn("hub_invoke_failed", zap.String("target", target), zap.Error(err))
		return fmt.Errorf("invoke %s: %w", target, err)
	}
	c.logger.Debug("hub_invoke", zap.String("target", target), zap.Int("args", len(frame.Arguments)))
	return nil
}

func (c *Conn) On(target string, h Handler) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextID++
	c.handlers = append(c.handlers, handlerEntry{id: c.nextID, target: target, handler: h})
	return c.nextID
}

func (c *Conn) Off(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, e := range c.handlers {
		if e.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

func (c *Conn) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextID++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextID, callback: cb})
	return c.nextID
}

func (c *Conn) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, e := range c.stateCbs {
		if e.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			return
		}
	}
}

// Close stops reconnects, closes the socket and waits for the read and ping
// loops to exit. Safe to call more than once.
func (c *Conn) Close(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.rootCancel()
		c.connM.Lock()
		ws, cancel := c.conn, c.connCancel
		c.conn, c.connCancel = nil, nil
		c.connM.Unlock()
		if cancel != nil {
			cancel()
		}
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "close")
		}
		c.setState(StateDisconnected)
		c.logger.Info("hub_closed")
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxFrameBytes)
	return ws, nil
}

func (c *Conn) attach(ws *websocket.Conn) {
	connCtx, cancel := context.WithCancel(c.rootCtx)
	c.connM.Lock()
	c.conn, c.connCancel = ws, cancel
	c.connM.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(connCtx, ws)
	go c.pingLoop(connCtx, ws)
}

func (c *Conn) listen(ctx context.Context, ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		var frame battledto.Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if c.isStopping() {
				return
			}
			c.dropped(ws, "read", err)
			return
		}
		if frame.Kind != battledto.KindEvent {
			c.logger.Debug("hub_frame_ignored", zap.String("kind", string(frame.Kind)), zap.String("target", frame.Target))
			continue
		}
		c.dispatch(&frame)
	}
}

func (c *Conn) dispatch(frame *battledto.Frame) {
	c.cbM.RLock()
	handlers := make([]handlerEntry, 0, len(c.handlers))
	for _, e := range c.handlers {
		if e.target == frame.Target {
			handlers = append(handlers, e)
		}
	}
	c.cbM.RUnlock()
	if len(handlers) == 0 {
		c.logger.Debug("hub_event_unhandled", zap.String("target", frame.Target))
		return
	}
	for _, e := range handlers {
		if e.handler != nil {
			e.handler(frame)
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if c.isStopping() {
					return
				}
				c.dropped(ws, "ping", err)
				return
			}
		}
	}
}

// dropped tears down ws if it is still the current connection and starts the
// reconnect loop.
func (c *Conn) dropped(ws *websocket.Conn, reason string, cause error) {
	c.connM.Lock()
	if c.conn != ws {
		c.connM.Unlock()
		return
	}
	cancel := c.connCancel
	c.conn, c.connCancel = nil, nil
	c.connM.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = ws.Close(websocket.StatusGoingAway, reason)
	c.setState(StateDisconnected)
	c.logger.Warn("hub_connection_lost", zap.String("reason", reason), zap.Error(cause))
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateReconnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.backoff(attempt)):
			}
			if c.State() == StateConnected {
				return
			}
			c.startM.Lock()
			if c.State() == StateConnected || c.isStopping() {
				c.startM.Unlock()
				return
			}
			ws, err := c.dial(c.rootCtx)
			if err != nil {
				c.startM.Unlock()
				c.logger.Debug("hub_reconnect_attempt_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.attach(ws)
			c.startM.Unlock()
			c.logger.Info("hub_reconnected", zap.Int("attempt", attempt))
			return
		}
		c.setState(StateFailed)
		c.logger.Error("hub_reconnect_exhausted", zap.Int("attempts", c.maxReconnectAttempts))
	}()
}

func (c *Conn) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * c.reconnectBase
}

func (c *Conn) setState(state State) {
	c.stateM.Lock()
	if c.state == state {
		c.stateM.Unlock()
		return
	}
	c.state = state
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (c *Conn) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Conn) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headerProvider == nil {
		return hdr
	}
	for k, v := range c.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
