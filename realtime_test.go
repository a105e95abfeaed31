package chatsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"nhooyr.io/websocket"
)

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base, path, token, want string
	}{
		{"https://chat.example.com", "/chat/7/", "abc", "wss://chat.example.com/chat/7/?token=abc"},
		{"http://localhost:8000/", "/chat_notifications/", "a b+c", "ws://localhost:8000/chat_notifications/?token=a+b%2Bc"},
	}
	for _, tt := range tests {
		if got := socketURL(tt.base, tt.path, tt.token); got != tt.want {
			t.Errorf("socketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
	if got := redactToken("wss://h/chat/7/?token=secret"); strings.Contains(got, "secret") {
		t.Errorf("redactToken leaked the token: %s", got)
	}
}

func TestReconnectorDelays(t *testing.T) {
	t.Run("fixed by default", func(t *testing.T) {
		cfg := &Config{}
		cfg.defaults()
		r := newReconnector(cfg)
		for i := 0; i < 3; i++ {
			if d := r.nextDelay(testEpoch); d != 3*time.Second {
				t.Fatalf("attempt %d delay = %v, want 3s", i, d)
			}
		}
	})

	t.Run("exponential with cap", func(t *testing.T) {
		r := newReconnector(&Config{ReconnectDelay: time.Second, ReconnectMaxDelay: 5 * time.Second, MaxReconnectAttempts: 10})
		var got []time.Duration
		for i := 0; i < 5; i++ {
			got = append(got, r.nextDelay(testEpoch))
		}
		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("delays (-want +got):\n%s", diff)
		}
	})

	t.Run("long session starts over", func(t *testing.T) {
		r := newReconnector(&Config{ReconnectDelay: time.Second, ReconnectMaxDelay: 8 * time.Second, MaxReconnectAttempts: 3})
		r.nextDelay(testEpoch)
		r.nextDelay(testEpoch)
		r.markConnected(testEpoch)
		if d := r.nextDelay(testEpoch.Add(2 * time.Minute)); d != time.Second {
			t.Errorf("delay = %v, want base delay", d)
		}
		if !r.shouldReconnect() {
			t.Error("counter should have been reset")
		}
	})
}

// ============================================================================
// ConnectionManager over a real websocket server
// ============================================================================

type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	paths    []string
	tokens   []string
	accepted chan *websocket.Conn
	done     chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{accepted: make(chan *websocket.Conn, 8), done: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()
		s.accepted <- c
		<-s.done
	}))
	t.Cleanup(func() {
		close(s.done)
		s.Close()
	})
	return s
}

func (s *wsServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
		return nil
	}
}

func TestConnectionManagerRoundTrip(t *testing.T) {
	srv := newWSServer(t)
	cfg := &Config{BaseURL: srv.URL, Logger: discardLogger(), Scheduler: newFakeScheduler()}
	cfg.defaults()

	frames := make(chan Frame, 4)
	var resets []ID
	m := newConnectionManager(cfg, staticToken("secret"), func(id ID, f Frame) {
		if id != "7" {
			t.Errorf("frame tagged with %q, want 7", id)
		}
		frames <- f
	}, func(id ID) { resets = append(resets, id) })
	defer m.Disconnect()

	m.Connect("7")
	server := srv.next(t)
	defer server.CloseNow()
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	srv.mu.Lock()
	path, token := srv.paths[0], srv.tokens[0]
	srv.mu.Unlock()
	if path != "/chat/7/" || token != "secret" {
		t.Errorf("handshake path=%q token=%q", path, token)
	}
	if diff := cmp.Diff([]ID{"7"}, resets); diff != "" {
		t.Errorf("resets (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Unknown and malformed frames are dropped; the session stays up.
	server.Write(ctx, websocket.MessageText, []byte(`{"type":"presence"}`))
	server.Write(ctx, websocket.MessageText, []byte(`not json`))
	server.Write(ctx, websocket.MessageText, []byte(`{"type":"typing_indicator","username":"alice","is_typing":true}`))
	select {
	case f := <-frames:
		if diff := cmp.Diff(&TypingFrame{Username: "alice", IsTyping: true}, f); diff != "" {
			t.Errorf("frame (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	if err := m.Send(ctx, NewTypingCommand(true)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, data, err := server.Read(ctx)
	if err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if string(data) != `{"action":"typing","is_typing":true}` {
		t.Errorf("server got %s", data)
	}

	m.Disconnect()
	_, _, err = server.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (%v), want normal closure", status, err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %s after Disconnect", m.State())
	}
	m.Disconnect() // idempotent
}

func TestNotificationChannelRoundTrip(t *testing.T) {
	srv := newWSServer(t)
	cfg := &Config{BaseURL: srv.URL, Logger: discardLogger(), Scheduler: newFakeScheduler()}
	cfg.defaults()

	events := make(chan *Notification, 2)
	n := newNotificationChannel(cfg, staticToken("secret"), func(ev *Notification) { events <- ev })
	defer n.Stop()

	n.Start()
	server := srv.next(t)
	defer server.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Write(ctx, websocket.MessageText, []byte(`{"sender":{"id":3}}`))
	server.Write(ctx, websocket.MessageText, []byte(`{"conversation_id":9,"sender":{"id":3,"username":"bob"},"content":"ping","created_at":"2026-01-01T12:00:00Z"}`))

	select {
	case ev := <-events:
		if ev.ConversationID != "9" || ev.Content != "ping" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}

	srv.mu.Lock()
	path := srv.paths[0]
	srv.mu.Unlock()
	if path != "/chat_notifications/" {
		t.Errorf("path = %q", path)
	}
}

// ============================================================================
// Reconnection policy
// ============================================================================

func newFakeManager(t *testing.T, dialer *fakeDialer, cfg Config) (*ConnectionManager, *fakeScheduler) {
	t.Helper()
	sched := newFakeScheduler()
	cfg.BaseURL = "https://chat.example.com"
	cfg.Logger = discardLogger()
	cfg.Scheduler = sched
	cfg.Dial = dialer.Dial
	cfg.defaults()
	m := newConnectionManager(&cfg, staticToken("tok"), func(ID, Frame) {}, nil)
	t.Cleanup(m.Disconnect)
	return m, sched
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	dialer := &fakeDialer{}
	m, sched := newFakeManager(t, dialer, Config{})

	m.Connect("7")
	waitFor(t, "first dial", func() bool { return m.State() == StateConnected })

	dialer.last("/chat/7/").serverClose(io.ErrUnexpectedEOF)
	waitFor(t, "reconnect scheduled", func() bool { return m.State() == StateReconnecting })
	if sched.Pending() != 1 {
		t.Fatalf("pending timers = %d, want exactly 1", sched.Pending())
	}

	sched.Advance(2 * time.Second)
	if dialer.Attempts() != 1 {
		t.Fatal("reconnected before the delay elapsed")
	}
	sched.Advance(time.Second)
	waitFor(t, "second dial", func() bool { return m.State() == StateConnected })
	if dialer.Attempts() != 2 {
		t.Errorf("dial attempts = %d, want 2", dialer.Attempts())
	}
}

func TestNoReconnectAfterNormalClose(t *testing.T) {
	dialer := &fakeDialer{}
	m, sched := newFakeManager(t, dialer, Config{})

	m.Connect("7")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	dialer.last("/chat/7/").serverClose(websocket.CloseError{Code: websocket.StatusNormalClosure})
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })

	sched.Advance(time.Minute)
	if dialer.Attempts() != 1 || sched.Pending() != 0 {
		t.Errorf("attempts=%d pending=%d, want no reconnect", dialer.Attempts(), sched.Pending())
	}
}

func TestNoReconnectAfterSwitch(t *testing.T) {
	dialer := &fakeDialer{}
	m, sched := newFakeManager(t, dialer, Config{})

	m.Connect("7")
	waitFor(t, "connected to 7", func() bool { return m.State() == StateConnected })
	dialer.last("/chat/7/").serverClose(io.ErrUnexpectedEOF)
	waitFor(t, "reconnect scheduled", func() bool { return m.State() == StateReconnecting })

	m.Connect("9")
	waitFor(t, "connected to 9", func() bool { return m.State() == StateConnected && m.ConversationID() == "9" })
	sched.Advance(time.Minute)

	time.Sleep(20 * time.Millisecond)
	var sevens int
	for _, u := range dialer.attemptsSnapshot() {
		if strings.Contains(u, "/chat/7/") {
			sevens++
		}
	}
	if sevens != 1 {
		t.Errorf("dialed conversation 7 %d times, want 1", sevens)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.setFail(errors.New("connection refused"))
	m, sched := newFakeManager(t, dialer, Config{MaxReconnectAttempts: 3})

	var states []State
	var mu sync.Mutex
	m.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	m.Connect("7")
	for i := 1; i <= 3; i++ {
		waitFor(t, "reconnect scheduled", func() bool { return sched.Pending() == 1 })
		sched.Advance(3 * time.Second)
		want := i + 1
		waitFor(t, "dial attempt", func() bool { return dialer.Attempts() == want })
	}
	waitFor(t, "gave up", func() bool { return m.State() == StateDisconnected })
	if sched.Pending() != 0 {
		t.Errorf("pending timers = %d after giving up", sched.Pending())
	}

	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateConnecting || states[len(states)-1] != StateDisconnected {
		t.Errorf("states = %v", states)
	}
}

func TestSendWithoutSession(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newFakeManager(t, dialer, Config{})
	if err := m.Send(context.Background(), NewTypingCommand(true)); err != nil {
		t.Errorf("Send without session = %v, want nil", err)
	}
}
