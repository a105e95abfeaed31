package chatsync

import "log/slog"

const notificationsKey ID = "notifications"

// NotificationChannel is the conversation-independent socket that reports new
// messages in any of the user's conversations.
type NotificationChannel struct {
	sock    *socket
	tokens  TokenSource
	baseURL string
	logger  *slog.Logger
	onEvent func(*Notification)
}

func newNotificationChannel(cfg *Config, tokens TokenSource, onEvent func(*Notification)) *NotificationChannel {
	sock := newSocket("notifications", cfg)
	return &NotificationChannel{
		sock:    sock,
		tokens:  tokens,
		baseURL: cfg.BaseURL,
		logger:  sock.logger,
		onEvent: onEvent,
	}
}

// Start (re)connects the channel with the current credential.
func (n *NotificationChannel) Start() {
	n.sock.open(notificationsKey, func() (string, error) {
		token := n.tokens.Token()
		if token == "" {
			return "", ErrNoUser
		}
		return socketURL(n.baseURL, "/chat_notifications/", token), nil
	}, n.handleData)
}

// Stop closes the channel.
func (n *NotificationChannel) Stop() {
	n.sock.close()
}

func (n *NotificationChannel) State() State { return n.sock.State() }

func (n *NotificationChannel) OnState(fn func(State)) (unsubscribe func()) {
	return n.sock.states.Subscribe(fn)
}

func (n *NotificationChannel) handleData(_ ID, data []byte) {
	ev, err := DecodeNotification(data)
	if err != nil {
		n.logger.Debug("dropping notification", "error", err)
		return
	}
	n.onEvent(ev)
}
