package chatsync

import (
	"log/slog"
	"sync"
	"time"
)

// MessageStore is the ordered, oldest-first list of messages visible for the
// open conversation. It only ever holds one conversation.
type MessageStore struct {
	dedupWindow time.Duration
	changes     *Broadcaster[[]Message]

	mu             sync.Mutex
	conversationID ID
	messages       []Message
}

func newMessageStore(dedupWindow time.Duration, logger *slog.Logger) *MessageStore {
	return &MessageStore{
		dedupWindow: dedupWindow,
		changes:     newBroadcaster[[]Message](logger),
	}
}

// Subscribe registers fn to receive a snapshot after every change.
func (s *MessageStore) Subscribe(fn func([]Message)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

// ConversationID returns the conversation the store currently holds.
func (s *MessageStore) ConversationID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the current list.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Load replaces the store with msgs, which must be oldest first.
func (s *MessageStore) Load(conversationID ID, msgs []Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = append([]Message(nil), msgs...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changes.publish(snap)
}

// Clear empties the store and unbinds it from its conversation.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	if s.conversationID == "" && len(s.messages) == 0 {
		s.mu.Unlock()
		return
	}
	s.conversationID = ""
	s.messages = nil
	s.mu.Unlock()
	s.changes.publish(nil)
}

// Append adds an inbound message unless it belongs to another conversation or
// duplicates an entry already present. It reports whether the message was added.
func (s *MessageStore) Append(conversationID ID, m Message) bool {
	s.mu.Lock()
	if s.conversationID != conversationID || s.duplicateLocked(m) {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, m)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changes.publish(snap)
	return true
}

// addPending appends an optimistic message without dedup checks.
func (s *MessageStore) addPending(conversationID ID, m Message) bool {
	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, m)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changes.publish(snap)
	return true
}

// Replace swaps the entry with tempID for the confirmed message, keeping its
// position. If the confirmed id is already present the temporary entry is
// dropped instead, so exactly one copy remains.
func (s *MessageStore) Replace(tempID ID, m Message) bool {
	s.mu.Lock()
	idx := s.indexLocked(tempID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	if s.indexLocked(m.ID) >= 0 {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	} else {
		m.Pending = false
		s.messages[idx] = m
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changes.publish(snap)
	return true
}

// Remove deletes the entry with id.
func (s *MessageStore) Remove(id ID) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changes.publish(snap)
	return true
}

// Prepend inserts an older, oldest-first page ahead of the current list,
// skipping ids already present. It returns how many messages were added.
func (s *MessageStore) Prepend(conversationID ID, older []Message) int {
	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return 0
	}
	fresh := make([]Message, 0, len(older))
	for _, m := range older {
		if s.indexLocked(m.ID) < 0 {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.messages = append(fresh, s.messages...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changes.publish(snap)
	return len(fresh)
}

func (s *MessageStore) indexLocked(id ID) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// duplicateLocked matches by server id, or against a pending entry with the
// same sender and content stamped within the dedup window.
func (s *MessageStore) duplicateLocked(m Message) bool {
	for i := range s.messages {
		e := &s.messages[i]
		if e.ID == m.ID {
			return true
		}
		if e.Pending && e.Content == m.Content && e.Sender.ID == m.Sender.ID &&
			absDuration(e.CreatedAt.Sub(m.CreatedAt)) <= s.dedupWindow {
			return true
		}
	}
	return false
}

func (s *MessageStore) snapshotLocked() []Message {
	return append([]Message(nil), s.messages...)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// oldestFirst returns a reversed copy of a newest-first page.
func oldestFirst(newestFirst []Message) []Message {
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out
}
