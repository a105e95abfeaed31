package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/obs"
)

var errNotLoggedIn = errors.New("not logged in, run 'chatsync login <token>' first")

// session bundles everything a command needs to talk to the server.
type session struct {
	cfg    *Config
	creds  *chatsync.Credentials
	client *chatsync.Client
	engine *chatsync.Engine
	logger *slog.Logger
}

// newSession loads the config and builds a logged-in client and engine. The
// engine is not started.
func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errNotLoggedIn
	}
	if cfg.Default.BaseURL == "" {
		return nil, errors.New("no server configured, run 'chatsync config set default.base_url <url>'")
	}

	engineCfg, err := cfg.Sync.engineConfig()
	if err != nil {
		return nil, err
	}
	logger := obs.NewLogger(os.Stderr, cfg.Default.Environment, cfg.Default.LogLevel)
	engineCfg.BaseURL = cfg.Default.BaseURL
	engineCfg.Logger = logger

	creds := chatsync.NewCredentials()
	client := chatsync.NewClient(creds, chatsync.WithBaseURL(cfg.Default.BaseURL))
	engine := chatsync.NewEngine(client, creds, engineCfg)

	creds.OnAuthFailure(func(err error) {
		logger.Error("credential rejected, run 'chatsync login' again", "error", err)
	})
	creds.SetSession(cfg.Auth.Token, &chatsync.User{
		ID:       chatsync.ID(cfg.Auth.UserID),
		Username: cfg.Auth.Username,
	})

	return &session{cfg: cfg, creds: creds, client: client, engine: engine, logger: logger}, nil
}

// displayName picks the most readable name a user has.
func displayName(u chatsync.User) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	case u.Handle != "":
		return u.Handle
	default:
		return "user " + u.ID.String()
	}
}

// formatMessage renders one line of chat history.
func formatMessage(m chatsync.Message) string {
	var b strings.Builder
	b.WriteString(m.CreatedAt.Local().Format(time.Kitchen))
	b.WriteString("  ")
	b.WriteString(displayName(m.Sender))
	b.WriteString(": ")
	b.WriteString(m.Content)
	if m.Image != "" {
		fmt.Fprintf(&b, " [image %s]", m.Image)
	}
	if m.Pending {
		b.WriteString(" (sending)")
	}
	return b.String()
}

// formatConversation renders one row of the conversation list.
func formatConversation(c chatsync.Conversation) string {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	preview := ""
	if c.LastMessage != nil {
		preview = " - " + truncate(c.LastMessage.Content, 40)
	}
	return fmt.Sprintf("  %s: %s%s%s", c.ID, displayName(c.OtherParticipant), unread, preview)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
