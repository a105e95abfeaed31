package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sendTimeout bounds fire-and-forget socket writes.
const sendTimeout = 5 * time.Second

// ============================================================================
// Engine
// ============================================================================

// Engine is the composition root. It owns the message store, the conversation
// cache, the conversation session and the notification channel, and routes
// every inbound event between them. Presentation code calls Engine methods
// and subscribes to the stores; it never mutates them directly.
//
// Store and cache subscribers run synchronously on the goroutine that caused
// the change and must not call OpenConversation or CloseConversation from
// inside the callback.
type Engine struct {
	api    API
	creds  CredentialSource
	cfg    Config
	logger *slog.Logger
	sched  Scheduler

	store  *MessageStore
	cache  *ConversationCache
	typing *TypingSet
	conn   *ConnectionManager
	notify *NotificationChannel
	typer  *typingDebouncer
	errs   *Broadcaster[error]

	// switchMu orders conversation teardown and the commit of an open.
	switchMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	unsubUser func()
	user      ID
	openSeq   uint64
	target    ID
	preloads  map[ID]Timer

	// refreshing is set while a list refresh runs; refreshAgain asks it to
	// run once more when it finishes.
	refreshing   bool
	refreshAgain bool
}

// NewEngine wires an engine. cfg may be nil; zero fields take defaults.
func NewEngine(api API, creds CredentialSource, cfg *Config) *Engine {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		api:      api,
		creds:    creds,
		cfg:      c,
		logger:   c.Logger,
		sched:    c.Scheduler,
		ctx:      ctx,
		cancel:   cancel,
		preloads: make(map[ID]Timer),
	}
	e.store = newMessageStore(c.DedupWindow, c.Logger)
	e.cache = newConversationCache(c.Logger)
	e.typing = newTypingSet(c.Logger)
	e.errs = newBroadcaster[error](c.Logger)
	e.conn = newConnectionManager(&e.cfg, creds, e.handleFrame, func(ID) { e.typing.Clear() })
	e.notify = newNotificationChannel(&e.cfg, creds, e.handleNotification)
	e.typer = newTypingDebouncer(c.Scheduler, c.TypingTimeout, e.sendTypingFrame)
	return e
}

// Messages returns the store for the open conversation.
func (e *Engine) Messages() *MessageStore { return e.store }

// Conversations returns the conversation list and preload cache.
func (e *Engine) Conversations() *ConversationCache { return e.cache }

// Typing returns the set of users typing in the open conversation.
func (e *Engine) Typing() *TypingSet { return e.typing }

// Connection returns the conversation session manager.
func (e *Engine) Connection() *ConnectionManager { return e.conn }

// Notifications returns the global notification channel.
func (e *Engine) Notifications() *NotificationChannel { return e.notify }

// OnError registers fn for background failures: list refreshes, preloads and
// mark-as-read calls. Failures of calls made by the caller are returned
// directly instead.
func (e *Engine) OnError(fn func(error)) (unsubscribe func()) {
	return e.errs.Subscribe(fn)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start ties the engine to the credential source: a logged-in user starts the
// notification channel and refreshes the list; logging out, or switching to a
// different user, tears everything down and drops the cache.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.unsubUser != nil {
		e.mu.Unlock()
		return
	}
	if e.ctx.Err() != nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	e.unsubUser = e.creds.Subscribe(e.handleUser)
	e.mu.Unlock()

	if u := e.creds.CurrentUser(); u != nil {
		e.handleUser(u)
	}
}

// Stop closes both sockets and cancels background work. The cache is kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsub := e.unsubUser
	e.unsubUser = nil
	cancel := e.cancel
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	e.cancelPreloads()
	e.CloseConversation()
	e.notify.Stop()
	cancel()
}

func (e *Engine) handleUser(u *User) {
	var id ID
	if u != nil {
		id = u.ID
	}
	e.mu.Lock()
	prev := e.user
	e.user = id
	e.mu.Unlock()

	if u == nil {
		e.logger.Info("logged out, dropping cache")
		e.notify.Stop()
		e.dropSession()
		return
	}
	if !prev.IsZero() && prev != id {
		e.logger.Info("user changed, dropping cache", "previous", prev, "user", id)
		e.dropSession()
	}
	e.logger.Info("user session started", "user", id)
	e.notify.Start()
	e.requestRefresh()
}

// dropSession forgets everything that belongs to the previous user.
func (e *Engine) dropSession() {
	e.cancelPreloads()
	e.CloseConversation()
	e.cache.Reset()
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) spawn(fn func(ctx context.Context)) {
	ctx := e.context()
	go fn(ctx)
}

// ============================================================================
// Opening and closing
// ============================================================================

// Target returns the conversation the caller most recently asked to open.
func (e *Engine) Target() ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

func (e *Engine) currentOpen(seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openSeq == seq
}

// OpenConversation makes id the open conversation. The previous session is
// closed and the store cleared before anything else happens. A cached detail
// is used without any HTTP request; otherwise the detail and the newest page
// are fetched. If another open or close happens while fetching, the result is
// discarded and ErrSuperseded is returned.
func (e *Engine) OpenConversation(ctx context.Context, id ID) (*Conversation, error) {
	seq := e.teardown(id)

	if d, ok := e.cache.OpenInstant(id); ok {
		return e.commitOpen(seq, &d.Conversation, d.Messages, false)
	}

	conv, err := e.api.GetConversation(ctx, id)
	if err != nil {
		return nil, e.requestFailed("open conversation", err)
	}
	page, err := e.api.ListMessages(ctx, id, 1)
	if err != nil {
		return nil, e.requestFailed("load messages", err)
	}
	return e.commitOpen(seq, conv, oldestFirst(page.Results), true)
}

// teardown records the new target and clears everything tied to the old one.
func (e *Engine) teardown(target ID) uint64 {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	e.mu.Lock()
	e.openSeq++
	seq := e.openSeq
	e.target = target
	e.mu.Unlock()

	e.typer.reset()
	e.conn.Disconnect()
	e.store.Clear()
	e.typing.Clear()
	return seq
}

func (e *Engine) commitOpen(seq uint64, conv *Conversation, msgs []Message, fetched bool) (*Conversation, error) {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()
	if !e.currentOpen(seq) {
		e.logger.Debug("discarding superseded open", "conversation", conv.ID)
		return nil, ErrSuperseded
	}

	e.store.Load(conv.ID, msgs)
	if fetched {
		e.cache.storeLive(*conv, msgs)
	}
	unread := conv.UnreadCount
	if listed, ok := e.cache.Conversation(conv.ID); ok {
		unread = listed.UnreadCount
	}
	e.cache.SetUnreadCount(conv.ID, 0)
	conv.UnreadCount = 0
	e.conn.Connect(conv.ID)

	if unread > 0 {
		id := conv.ID
		e.spawn(func(ctx context.Context) { e.markReadRemote(ctx, id) })
	}
	return conv, nil
}

// CloseConversation disconnects the session and clears the store.
func (e *Engine) CloseConversation() {
	e.teardown("")
}

// StartConversation gets or creates the direct conversation with peer and
// opens it.
func (e *Engine) StartConversation(ctx context.Context, peer ID) (*Conversation, error) {
	if e.creds.CurrentUser() == nil {
		return nil, ErrNoUser
	}
	conv, err := e.api.GetOrCreateConversation(ctx, peer)
	if err != nil {
		return nil, e.requestFailed("start conversation", err)
	}
	if _, ok := e.cache.Conversation(conv.ID); !ok {
		e.cache.Upsert(*conv)
	}
	return e.OpenConversation(ctx, conv.ID)
}

// LoadMessages replaces the store with the newest page of id's history. It
// is a no-op if id is no longer the open conversation when the page arrives.
func (e *Engine) LoadMessages(ctx context.Context, id ID) error {
	seq := e.seq()
	page, err := e.api.ListMessages(ctx, id, 1)
	if err != nil {
		return e.requestFailed("load messages", err)
	}

	e.switchMu.Lock()
	defer e.switchMu.Unlock()
	if !e.currentOpen(seq) || e.Target() != id {
		return ErrSuperseded
	}
	e.store.Load(id, oldestFirst(page.Results))
	return nil
}

// LoadOlderMessages fetches an older page of the open conversation and puts
// it ahead of what is shown. It returns how many new messages were added and
// whether more pages exist.
func (e *Engine) LoadOlderMessages(ctx context.Context, page int) (added int, more bool, err error) {
	seq := e.seq()
	id := e.Target()
	if id.IsZero() {
		return 0, false, ErrNotConnected
	}
	p, err := e.api.ListMessages(ctx, id, page)
	if err != nil {
		return 0, false, e.requestFailed("load older messages", err)
	}
	if !e.currentOpen(seq) {
		return 0, false, ErrSuperseded
	}
	return e.store.Prepend(id, oldestFirst(p.Results)), p.HasMore(), nil
}

func (e *Engine) seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openSeq
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage shows the draft immediately as a pending message, then posts it
// over HTTP. On success the pending entry is replaced in place by the server
// message. On failure it is removed and a *SendError carrying the untouched
// draft is returned.
func (e *Engine) SendMessage(ctx context.Context, id ID, draft Draft) (*Message, error) {
	if draft.IsEmpty() {
		return nil, &SendError{Draft: draft, Err: ErrEmptyMessage}
	}
	user := e.creds.CurrentUser()
	if user == nil {
		return nil, &SendError{Draft: draft, Err: ErrNoUser}
	}

	pending := Message{
		ID:             ID(tempIDPrefix + uuid.NewString()),
		ConversationID: id,
		Content:        draft.Content,
		Sender:         *user,
		CreatedAt:      e.sched.Now(),
		Pending:        true,
	}
	if draft.Image != nil {
		pending.Image = draft.Image.FileName
	}
	e.store.addPending(id, pending)
	if e.conn.ConversationID() == id {
		e.typer.set(false)
	}

	msg, err := e.api.SendMessage(ctx, id, draft.Content, draft.Image)
	if err != nil {
		e.store.Remove(pending.ID)
		e.reportAuth(err)
		e.logger.Warn("send failed", "conversation", id, "error", err)
		return nil, &SendError{Draft: draft, Err: err}
	}

	e.store.Replace(pending.ID, *msg)
	e.cache.UpdateLastMessage(id, *msg)
	e.cache.appendLive(id, *msg)
	return msg, nil
}

// SendRaw posts content over the legacy socket command instead of HTTP. The
// message appears once the server echoes it.
func (e *Engine) SendRaw(ctx context.Context, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	return e.conn.sock.send(ctx, NewSendMessageCommand(content))
}

// SendTyping reports the local user's typing state on the open session.
// "Stopped" is sent automatically after TypingTimeout without a new call.
func (e *Engine) SendTyping(active bool) {
	if e.conn.ConversationID().IsZero() {
		return
	}
	e.typer.set(active)
}

func (e *Engine) sendTypingFrame(active bool) {
	ctx, cancel := context.WithTimeout(e.context(), sendTimeout)
	defer cancel()
	if err := e.conn.Send(ctx, NewTypingCommand(active)); err != nil {
		e.logger.Debug("typing send failed", "error", err)
	}
}

// MarkAsRead zeroes the unread counter locally and then tells the server.
func (e *Engine) MarkAsRead(ctx context.Context, id ID) error {
	e.cache.SetUnreadCount(id, 0)
	if err := e.api.MarkAsRead(ctx, id); err != nil {
		e.reportAuth(err)
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

func (e *Engine) markReadRemote(ctx context.Context, id ID) {
	if err := e.api.MarkAsRead(ctx, id); err != nil {
		e.backgroundFailed("mark as read", err, "conversation", id)
	}
}

// ============================================================================
// Inbound routing
// ============================================================================

// handleFrame runs on the session's read goroutine with the conversation the
// session was opened for.
func (e *Engine) handleFrame(conversationID ID, f Frame) {
	switch f := f.(type) {
	case *ChatMessageFrame:
		e.handleStreamMessage(conversationID, f.Message)
	case *TypingFrame:
		if u := e.creds.CurrentUser(); u != nil && f.Username == u.Username {
			return
		}
		if e.Target() != conversationID {
			return
		}
		e.typing.Set(f.Username, f.IsTyping)
	}
}

func (e *Engine) handleStreamMessage(conversationID ID, m Message) {
	if m.ConversationID.IsZero() {
		m.ConversationID = conversationID
	}
	if !e.store.Append(conversationID, m) {
		return
	}
	e.cache.UpdateLastMessage(conversationID, m)
	e.cache.appendLive(conversationID, m)

	if u := e.creds.CurrentUser(); u != nil && m.Sender.ID == u.ID {
		return
	}
	e.cache.SetUnreadCount(conversationID, 0)

	ctx, cancel := context.WithTimeout(e.context(), sendTimeout)
	if err := e.conn.Send(ctx, NewMarkAsReadCommand(m.ID)); err != nil {
		e.logger.Debug("read cursor send failed", "error", err)
	}
	cancel()
	e.spawn(func(ctx context.Context) { e.markReadRemote(ctx, conversationID) })
}

// handleNotification updates previews for conversations that are not open.
// The open conversation and the user's own messages are left to the stream.
func (e *Engine) handleNotification(n *Notification) {
	if u := e.creds.CurrentUser(); u != nil && n.Sender.ID == u.ID {
		return
	}
	id := n.ConversationID
	if id == e.Target() {
		return
	}
	if _, ok := e.cache.Conversation(id); !ok {
		e.logger.Debug("notification for unknown conversation, refreshing", "conversation", id)
		e.requestRefresh()
		return
	}
	e.cache.UpdateLastMessage(id, n.preview())
	e.cache.IncrementUnread(id)
	if e.cache.hasDetail(id) {
		e.cache.invalidate(id)
		e.schedulePreload(id, e.cfg.PreloadStagger)
	}
}

// ============================================================================
// Errors
// ============================================================================

func (e *Engine) reportAuth(err error) {
	if IsAuthError(err) {
		e.creds.AuthFailed(err)
	}
}

// requestFailed handles an error from a caller-initiated request.
func (e *Engine) requestFailed(op string, err error) error {
	e.reportAuth(err)
	if errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Warn(op+" failed", "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

// backgroundFailed logs and publishes an error nobody is waiting for.
func (e *Engine) backgroundFailed(op string, err error, args ...any) {
	e.reportAuth(err)
	if errors.Is(err, context.Canceled) {
		return
	}
	e.logger.Warn(op+" failed", append(args, "error", err)...)
	e.errs.publish(fmt.Errorf("%s: %w", op, err))
}
