package chatsync

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TypingSet is the set of usernames currently typing in the open conversation.
type TypingSet struct {
	changes *Broadcaster[[]string]

	mu    sync.Mutex
	users map[string]struct{}
}

func newTypingSet(logger *slog.Logger) *TypingSet {
	return &TypingSet{
		changes: newBroadcaster[[]string](logger),
		users:   make(map[string]struct{}),
	}
}

// Subscribe registers fn to receive the sorted set after every change.
func (t *TypingSet) Subscribe(fn func([]string)) (unsubscribe func()) {
	return t.changes.Subscribe(fn)
}

// Users returns the typing usernames, sorted.
func (t *TypingSet) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

// Set marks username as typing or not.
func (t *TypingSet) Set(username string, typing bool) {
	t.mu.Lock()
	_, present := t.users[username]
	if present == typing {
		t.mu.Unlock()
		return
	}
	if typing {
		t.users[username] = struct{}{}
	} else {
		delete(t.users, username)
	}
	snap := t.sortedLocked()
	t.mu.Unlock()
	t.changes.publish(snap)
}

// Clear empties the set.
func (t *TypingSet) Clear() {
	t.mu.Lock()
	if len(t.users) == 0 {
		t.mu.Unlock()
		return
	}
	t.users = make(map[string]struct{})
	t.mu.Unlock()
	t.changes.publish(nil)
}

func (t *TypingSet) sortedLocked() []string {
	out := make([]string, 0, len(t.users))
	for u := range t.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Outgoing typing state
// ============================================================================

// typingDebouncer sends "typing" once when input starts and "stopped" after
// the input has been idle for timeout.
type typingDebouncer struct {
	send    func(active bool)
	sched   Scheduler
	timeout time.Duration

	mu     sync.Mutex
	active bool
	timer  Timer
}

func newTypingDebouncer(sched Scheduler, timeout time.Duration, send func(bool)) *typingDebouncer {
	return &typingDebouncer{send: send, sched: sched, timeout: timeout}
}

func (d *typingDebouncer) set(active bool) {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	changed := d.active != active
	d.active = active
	if active {
		var t Timer
		t = d.sched.AfterFunc(d.timeout, func() { d.expire(t) })
		d.timer = t
	}
	d.mu.Unlock()

	if changed {
		d.send(active)
	}
}

func (d *typingDebouncer) expire(t Timer) {
	d.mu.Lock()
	if d.timer != t || !d.active {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.active = false
	d.mu.Unlock()
	d.send(false)
}

// reset forgets the typing state without sending anything.
func (d *typingDebouncer) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}
