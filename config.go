package chatsync

import (
	"io"
	"log/slog"
	"time"
)

// Config configures an Engine and its sockets. Zero values take defaults.
type Config struct {
	// BaseURL is the server root, e.g. "https://chat.example.com". Socket URLs
	// are derived from it by switching the scheme to ws/wss.
	BaseURL string

	// ReconnectDelay is the wait before re-dialing a session that closed
	// abnormally. ReconnectMaxDelay caps the exponential growth between
	// consecutive failures; leaving it zero keeps the delay fixed.
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// PreloadStagger spaces background preloads after a list refresh.
	PreloadStagger time.Duration
	// DedupWindow is how far apart an optimistic message and its stream echo
	// may be timestamped and still be treated as the same message.
	DedupWindow time.Duration
	// TypingTimeout sends an automatic "stopped typing" after this much idle time.
	TypingTimeout time.Duration

	Logger    *slog.Logger
	Scheduler Scheduler
	Dial      DialFunc
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = c.ReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PreloadStagger == 0 {
		c.PreloadStagger = 100 * time.Millisecond
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Scheduler == nil {
		c.Scheduler = WallClock
	}
	if c.Dial == nil {
		c.Dial = DialWebSocket
	}
}
