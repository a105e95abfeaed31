package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var (
	me    = User{ID: "1", Username: "me", DisplayName: "Me"}
	alice = User{ID: "2", Username: "alice", DisplayName: "Alice"}
	bob   = User{ID: "3", Username: "bob", DisplayName: "Bob"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func msg(id ID, sender User, content string, at time.Time) Message {
	return Message{ID: id, Sender: sender, Content: content, CreatedAt: at}
}

func conversation(id ID, other User, unread int) Conversation {
	return Conversation{
		ID:               id,
		Participants:     []User{me, other},
		OtherParticipant: other,
		UnreadCount:      unread,
		CreatedAt:        testEpoch,
		UpdatedAt:        testEpoch,
	}
}

func messageIDs(msgs []Message) []ID {
	ids := make([]ID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ============================================================================
// fakeScheduler
// ============================================================================

type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: testEpoch}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

// Advance moves the clock forward and runs every timer that became due, in
// deadline order, on the calling goroutine.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	target := s.now
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			s.mu.Unlock()
			return
		}
		next.fired = true
		s.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// fakeAPI
// ============================================================================

type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	details       map[ID]Conversation
	pages         map[ID]map[int]*MessagePage // newest first
	nextID        int
	failures      map[string]error
	gates         map[string]chan struct{}
	calls         []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		details:  make(map[ID]Conversation),
		pages:    make(map[ID]map[int]*MessagePage),
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
		nextID:   100,
	}
}

// addConversation registers conv with newest-first history on page 1.
func (a *fakeAPI) addConversation(conv Conversation, newestFirst ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversations = append(a.conversations, conv)
	a.details[conv.ID] = conv
	a.pages[conv.ID] = map[int]*MessagePage{1: {Results: newestFirst}}
}

func (a *fakeAPI) setPage(id ID, page int, p *MessagePage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[id][page] = p
}

func (a *fakeAPI) fail(call string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[call] = err
}

// gate blocks call until the returned function is invoked.
func (a *fakeAPI) gate(call string) (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.gates[call] = ch
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (a *fakeAPI) record(ctx context.Context, call string) error {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	gate := a.gates[call]
	err := a.failures[call]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *fakeAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAPI) count(prefix string) int {
	n := 0
	for _, c := range a.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (a *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	if err := a.record(ctx, "ListConversations"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Conversation(nil), a.conversations...), nil
}

func (a *fakeAPI) GetConversation(ctx context.Context, id ID) (*Conversation, error) {
	if err := a.record(ctx, "GetConversation:"+id.String()); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.details[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "Not found."}
	}
	return &conv, nil
}

func (a *fakeAPI) GetOrCreateConversation(ctx context.Context, peer ID) (*Conversation, error) {
	if err := a.record(ctx, "GetOrCreateConversation:"+peer.String()); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conversations {
		if c.OtherParticipant.ID == peer {
			return &c, nil
		}
	}
	a.nextID++
	conv := conversation(ID(fmt.Sprint(a.nextID)), User{ID: peer, Username: "user" + peer.String()}, 0)
	a.conversations = append(a.conversations, conv)
	a.details[conv.ID] = conv
	a.pages[conv.ID] = map[int]*MessagePage{1: {}}
	return &conv, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, id ID, page int) (*MessagePage, error) {
	if err := a.record(ctx, fmt.Sprintf("ListMessages:%s:%d", id, page)); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pages[id][page]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "Invalid page."}
	}
	cp := *p
	cp.Results = append([]Message(nil), p.Results...)
	return &cp, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, id ID, content string, image *Image) (*Message, error) {
	if err := a.record(ctx, "SendMessage:"+id.String()); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	m := Message{
		ID:             ID(fmt.Sprint(a.nextID)),
		ConversationID: id,
		Content:        content,
		Sender:         me,
		CreatedAt:      testEpoch,
	}
	if image != nil {
		m.Image = "/media/" + image.FileName
	}
	return &m, nil
}

func (a *fakeAPI) MarkAsRead(ctx context.Context, id ID) error {
	return a.record(ctx, "MarkAsRead:"+id.String())
}

// ============================================================================
// fakeConn / fakeDialer
// ============================================================================

type fakeConn struct {
	url    string
	in     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	once      sync.Once
	err       error
	written   []string
	closeCode websocket.StatusCode
}

func newFakeConn(u string) *fakeConn {
	return &fakeConn{url: u, in: make(chan []byte, 16), closed: make(chan struct{}), closeCode: -1}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.shutdown(websocket.CloseError{Code: code, Reason: reason}, code)
	return nil
}

// serverClose ends the connection from the remote side with err.
func (c *fakeConn) serverClose(err error) {
	c.shutdown(err, -1)
}

func (c *fakeConn) shutdown(err error, code websocket.StatusCode) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(frame string) { c.in <- []byte(frame) }

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) ClosedWith() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts []string
	fail     error
}

func (d *fakeDialer) Dial(ctx context.Context, u string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, u)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn(u)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDialer) attemptsSnapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.attempts...)
}

// live returns the open connections whose url contains path.
func (d *fakeDialer) live(path string) []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeConn
	for _, c := range d.conns {
		if strings.Contains(c.url, path) && !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

// last returns the newest connection whose url contains path.
func (d *fakeDialer) last(path string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if strings.Contains(d.conns[i].url, path) {
			return d.conns[i]
		}
	}
	return nil
}

// ============================================================================
// Engine fixture
// ============================================================================

type testEnv struct {
	engine *Engine
	api    *fakeAPI
	creds  *Credentials
	dialer *fakeDialer
	sched  *fakeScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		api:    newFakeAPI(),
		creds:  NewCredentials(),
		dialer: &fakeDialer{},
		sched:  newFakeScheduler(),
	}
	env.creds.SetSession("tok", &me)
	env.engine = NewEngine(env.api, env.creds, &Config{
		BaseURL:   "https://chat.example.com",
		Logger:    discardLogger(),
		Scheduler: env.sched,
		Dial:      env.dialer.Dial,
	})
	t.Cleanup(env.engine.Stop)
	return env
}

// chatConn waits for the live session for conversation id.
func (env *testEnv) chatConn(t *testing.T, id ID) *fakeConn {
	t.Helper()
	path := "/chat/" + id.String() + "/"
	waitFor(t, "session for "+id.String(), func() bool {
		return len(env.dialer.live(path)) == 1 && env.engine.Connection().State() == StateConnected
	})
	return env.dialer.live(path)[0]
}
