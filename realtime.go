package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Conn is one duplex text-frame connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the default DialFunc.
func DialWebSocket(ctx context.Context, u string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// socketURL switches an http(s) base URL to ws(s) and appends path and token.
func socketURL(baseURL, path, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + path + "?token=" + url.QueryEscape(token)
}

// redactToken hides the token query parameter for logging.
func redactToken(u string) string {
	if i := strings.Index(u, "token="); i >= 0 {
		return u[:i] + "token=<redacted>"
	}
	return u
}

// ============================================================================
// State
// ============================================================================

// State represents the connection state of a socket.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts <= 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected(now time.Time) {
	r.connectedAt = now
}

// nextDelay returns the wait before the next attempt. A session that stayed
// up for a minute starts over from the base delay.
func (r *reconnector) nextDelay(now time.Time) time.Duration {
	if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	delay := r.baseDelay
	for i := 0; i < r.attempt && delay < r.maxDelay; i++ {
		delay *= 2
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// socket
// ============================================================================

// socket drives zero or one live Conn bound to a key, re-dialing after
// abnormal closes. Every open and close bumps epoch; anything scheduled or
// read under an older epoch is dropped.
type socket struct {
	name   string
	dial   DialFunc
	sched  Scheduler
	logger *slog.Logger
	states *Broadcaster[State]

	mu       sync.Mutex
	state    State
	epoch    uint64
	key      ID
	endpoint func() (string, error)
	onData   func(key ID, data []byte)
	conn     Conn
	cancel   context.CancelFunc
	timer    Timer
	recon    *reconnector
}

func newSocket(name string, cfg *Config) *socket {
	logger := cfg.Logger.With("socket", name)
	return &socket{
		name:   name,
		dial:   cfg.Dial,
		sched:  cfg.Scheduler,
		logger: logger,
		states: newBroadcaster[State](logger),
		state:  StateDisconnected,
		recon:  newReconnector(cfg),
	}
}

func (s *socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *socket) Key() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// open replaces any current session with one bound to key.
func (s *socket) open(key ID, endpoint func() (string, error), onData func(ID, []byte)) {
	s.mu.Lock()
	conn, cancel := s.detachLocked()
	s.epoch++
	epoch := s.epoch
	s.key = key
	s.endpoint = endpoint
	s.onData = onData
	s.recon.reset()
	s.state = StateConnecting
	s.mu.Unlock()

	closeConn(conn, cancel)
	s.states.publish(StateConnecting)
	go s.connect(epoch)
}

// close tears down the session with a normal close. Idempotent.
func (s *socket) close() {
	s.mu.Lock()
	conn, cancel := s.detachLocked()
	s.epoch++
	s.key = ""
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	closeConn(conn, cancel)
	if changed {
		s.states.publish(StateDisconnected)
	}
}

func (s *socket) detachLocked() (Conn, context.CancelFunc) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	return conn, cancel
}

func closeConn(conn Conn, cancel context.CancelFunc) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
}

// send writes v as JSON on the live connection.
func (s *socket) send(ctx context.Context, v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (s *socket) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *socket) connect(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	key, endpoint, onData := s.key, s.endpoint, s.onData
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	u, err := endpoint()
	var conn Conn
	if err == nil {
		s.logger.Debug("dialing", "url", redactToken(u))
		conn, err = s.dial(ctx, u)
	}
	if err != nil {
		cancel()
		if !s.current(epoch) {
			return
		}
		s.logger.Warn("dial failed", "key", key, "error", err)
		s.scheduleReconnect(epoch, key)
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		closeConn(conn, cancel)
		return
	}
	s.conn = conn
	s.state = StateConnected
	s.recon.markConnected(s.sched.Now())
	s.mu.Unlock()

	s.logger.Info("connected", "key", key)
	s.states.publish(StateConnected)
	s.readLoop(ctx, epoch, key, conn, onData)
}

func (s *socket) readLoop(ctx context.Context, epoch uint64, key ID, conn Conn, onData func(ID, []byte)) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.handleClosed(epoch, key, err)
			return
		}
		if !s.current(epoch) {
			return
		}
		onData(key, data)
	}
}

func (s *socket) handleClosed(epoch uint64, key ID, err error) {
	s.mu.Lock()
	if s.epoch != epoch {
		// Closed by us, or replaced by a newer session.
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.conn, s.cancel = nil, nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	status := websocket.CloseStatus(err)
	s.states.publish(StateDisconnected)
	if status == websocket.StatusNormalClosure {
		s.logger.Info("closed by server", "key", key)
		return
	}
	s.logger.Warn("connection lost", "key", key, "status", int(status), "error", err)
	s.scheduleReconnect(epoch, key)
}

// scheduleReconnect arms exactly one re-dial for the close event that
// triggered it. The attempt is dropped if the key or epoch moved on.
func (s *socket) scheduleReconnect(epoch uint64, key ID) {
	s.mu.Lock()
	if s.epoch != epoch || s.key != key {
		s.mu.Unlock()
		return
	}
	if !s.recon.shouldReconnect() {
		changed := s.state != StateDisconnected
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Error("giving up reconnecting", "key", key, "attempts", s.recon.maxAttempts)
		if changed {
			s.states.publish(StateDisconnected)
		}
		return
	}
	delay := s.recon.nextDelay(s.sched.Now())
	attempt := s.recon.attempt
	s.state = StateReconnecting
	s.timer = s.sched.AfterFunc(delay, func() {
		s.mu.Lock()
		ok := s.epoch == epoch && s.key == key
		if ok {
			s.timer = nil
		}
		s.mu.Unlock()
		if ok {
			go s.connect(epoch)
		}
	})
	s.mu.Unlock()

	s.logger.Info("reconnect scheduled", "key", key, "attempt", attempt, "delay", delay)
	s.states.publish(StateReconnecting)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single session scoped to the open conversation.
type ConnectionManager struct {
	sock    *socket
	tokens  TokenSource
	baseURL string
	logger  *slog.Logger

	onFrame func(conversationID ID, f Frame)
	onReset func(conversationID ID)
}

func newConnectionManager(cfg *Config, tokens TokenSource, onFrame func(ID, Frame), onReset func(ID)) *ConnectionManager {
	sock := newSocket("chat", cfg)
	return &ConnectionManager{
		sock:    sock,
		tokens:  tokens,
		baseURL: cfg.BaseURL,
		logger:  sock.logger,
		onFrame: onFrame,
		onReset: onReset,
	}
}

// Connect closes any live session, resets typing state, and starts a new
// session for conversationID. The dial itself runs in the background.
func (m *ConnectionManager) Connect(conversationID ID) {
	if m.onReset != nil {
		m.onReset(conversationID)
	}
	path := "/chat/" + url.PathEscape(conversationID.String()) + "/"
	m.sock.open(conversationID, func() (string, error) {
		token := m.tokens.Token()
		if token == "" {
			return "", ErrNoUser
		}
		return socketURL(m.baseURL, path, token), nil
	}, m.handleData)
}

// Disconnect closes the live session, if any.
func (m *ConnectionManager) Disconnect() {
	m.sock.close()
}

// Send transmits cmd on the live session. Without a live session it does
// nothing and returns nil.
func (m *ConnectionManager) Send(ctx context.Context, cmd any) error {
	err := m.sock.send(ctx, cmd)
	if errors.Is(err, ErrNotConnected) {
		m.logger.Debug("dropping command, no live session")
		return nil
	}
	return err
}

// ConversationID returns the conversation the manager is currently bound to.
func (m *ConnectionManager) ConversationID() ID { return m.sock.Key() }

func (m *ConnectionManager) State() State { return m.sock.State() }

// OnState registers a connection state observer.
func (m *ConnectionManager) OnState(fn func(State)) (unsubscribe func()) {
	return m.sock.states.Subscribe(fn)
}

func (m *ConnectionManager) handleData(conversationID ID, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		m.logger.Debug("dropping frame", "conversation", conversationID, "error", err)
		return
	}
	m.onFrame(conversationID, f)
}
