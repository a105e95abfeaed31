package chatsync

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Conversation Cache
// ============================================================================

type cachedDetail struct {
	conversation Conversation
	messages     []Message // oldest first
	live         bool      // written by the open session; preloads must not replace it
}

// ConversationCache holds the conversation list and the preloaded detail for
// each conversation. Everything is dropped on Reset.
type ConversationCache struct {
	changes *Broadcaster[[]Conversation]

	mu         sync.Mutex
	generation uint64
	list       []Conversation
	details    map[ID]*cachedDetail
	inflight   map[ID]struct{}
}

func newConversationCache(logger *slog.Logger) *ConversationCache {
	return &ConversationCache{
		changes:  newBroadcaster[[]Conversation](logger),
		details:  make(map[ID]*cachedDetail),
		inflight: make(map[ID]struct{}),
	}
}

// Subscribe registers fn to receive the list after every change.
func (c *ConversationCache) Subscribe(fn func([]Conversation)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// Conversations returns a copy of the list.
func (c *ConversationCache) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Conversation(nil), c.list...)
}

// Conversation returns the list entry for id.
func (c *ConversationCache) Conversation(id ID) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.list[i], true
	}
	return Conversation{}, false
}

// SetConversations replaces the list wholesale.
func (c *ConversationCache) SetConversations(list []Conversation) {
	c.mu.Lock()
	c.list = append([]Conversation(nil), list...)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.changes.publish(snap)
}

func (c *ConversationCache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// replaceList is SetConversations for a list fetched under generation. It
// drops the list if the cache was reset since.
func (c *ConversationCache) replaceList(generation uint64, list []Conversation) bool {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return false
	}
	c.list = append([]Conversation(nil), list...)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.changes.publish(snap)
	return true
}

// Upsert replaces the entry for conv.ID, or puts it first if it is new.
func (c *ConversationCache) Upsert(conv Conversation) {
	c.mu.Lock()
	if i := c.indexLocked(conv.ID); i >= 0 {
		c.list[i] = conv
	} else {
		c.list = append([]Conversation{conv}, c.list...)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.changes.publish(snap)
}

// UpdateLastMessage patches the preview of one entry.
func (c *ConversationCache) UpdateLastMessage(id ID, m Message) bool {
	return c.patch(id, func(conv *Conversation) {
		msg := m
		at := m.CreatedAt
		conv.LastMessage = &msg
		conv.LastMessageAt = &at
		if at.After(conv.UpdatedAt) {
			conv.UpdatedAt = at
		}
	})
}

// SetUnreadCount patches the unread counter of one entry.
func (c *ConversationCache) SetUnreadCount(id ID, n int) bool {
	return c.patch(id, func(conv *Conversation) { conv.UnreadCount = n })
}

// IncrementUnread adds one to the unread counter of one entry.
func (c *ConversationCache) IncrementUnread(id ID) bool {
	return c.patch(id, func(conv *Conversation) { conv.UnreadCount++ })
}

// patch copies the entry, applies fn and swaps the copy in, leaving every
// other entry untouched.
func (c *ConversationCache) patch(id ID, fn func(*Conversation)) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	updated := c.list[i]
	fn(&updated)
	list := append([]Conversation(nil), c.list...)
	list[i] = updated
	c.list = list
	if d, ok := c.details[id]; ok {
		d.conversation.LastMessage = updated.LastMessage
		d.conversation.LastMessageAt = updated.LastMessageAt
		d.conversation.UnreadCount = updated.UnreadCount
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.changes.publish(snap)
	return true
}

// OpenInstant returns a copy of the cached detail for id when both the
// conversation and its messages are present.
func (c *ConversationCache) OpenInstant(id ID) (*ConversationDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.details[id]
	if !ok || d.messages == nil {
		return nil, false
	}
	return &ConversationDetail{
		Conversation: d.conversation,
		Messages:     append([]Message(nil), d.messages...),
	}, true
}

// Reset drops the list and every detail entry. Preloads started before the
// reset cannot write afterwards.
func (c *ConversationCache) Reset() {
	c.mu.Lock()
	c.generation++
	c.list = nil
	c.details = make(map[ID]*cachedDetail)
	c.inflight = make(map[ID]struct{})
	c.mu.Unlock()
	c.changes.publish(nil)
}

// ============================================================================
// Detail entries
// ============================================================================

// beginPreload claims id for preloading. It fails when id is already cached
// or another preload for it is outstanding.
func (c *ConversationCache) beginPreload(id ID) (generation uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return 0, false
	}
	if _, cached := c.details[id]; cached {
		return 0, false
	}
	c.inflight[id] = struct{}{}
	return c.generation, true
}

func (c *ConversationCache) endPreload(generation uint64, id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == generation {
		delete(c.inflight, id)
	}
}

// storePreload records a preloaded detail unless the cache was reset since
// the preload began or the open session already wrote a live entry.
func (c *ConversationCache) storePreload(generation uint64, conv Conversation, msgs []Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	if d, ok := c.details[conv.ID]; ok && d.live {
		return false
	}
	c.details[conv.ID] = &cachedDetail{
		conversation: conv,
		messages:     append([]Message{}, msgs...),
	}
	return true
}

// storeLive records detail fetched for, or updated by, the open session.
func (c *ConversationCache) storeLive(conv Conversation, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[conv.ID] = &cachedDetail{
		conversation: conv,
		messages:     append([]Message{}, msgs...),
		live:         true,
	}
}

// appendLive adds a confirmed message to a cached detail, if there is one.
func (c *ConversationCache) appendLive(id ID, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.details[id]
	if !ok {
		return
	}
	for _, e := range d.messages {
		if e.ID == m.ID {
			return
		}
	}
	d.messages = append(d.messages, m)
	d.live = true
}

// invalidate forgets the detail for id so the next open or preload refetches it.
func (c *ConversationCache) invalidate(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.details, id)
}

func (c *ConversationCache) hasDetail(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.details[id]
	return ok
}

func (c *ConversationCache) indexLocked(id ID) int {
	for i := range c.list {
		if c.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *ConversationCache) snapshotLocked() []Conversation {
	return append([]Conversation(nil), c.list...)
}
