package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// ID identifies a conversation, message or user. The server emits integer ids;
// locally synthesized ids are strings, so ID accepts both JSON forms.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the id is empty.
func (id ID) IsZero() bool { return id == "" }

// IsTemporary reports whether the id was synthesized for an optimistic message.
func (id ID) IsTemporary() bool { return strings.HasPrefix(string(id), tempIDPrefix) }

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as JSON numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

const tempIDPrefix = "local-"

// ============================================================================
// Data Types
// ============================================================================

// User is a participant identity. It belongs to the external user system and
// is only ever read here.
type User struct {
	ID          ID     `json:"id"`
	Username    string `json:"username"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Message is a single chat message. Pending marks an optimistic message that
// the server has not confirmed yet.
type Message struct {
	ID             ID        `json:"id"`
	ConversationID ID        `json:"conversation_id,omitempty"`
	Content        string    `json:"content"`
	Image          string    `json:"image,omitempty"`
	Sender         User      `json:"sender"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
	Pending        bool      `json:"-"`
}

// Conversation is a direct-message conversation summary as shown in the list.
type Conversation struct {
	ID               ID         `json:"id"`
	Participants     []User     `json:"participants"`
	OtherParticipant User       `json:"other_participant"`
	LastMessage      *Message   `json:"last_message,omitempty"`
	UnreadCount      int        `json:"unread_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
}

// ConversationDetail is a conversation with its message window, oldest first.
type ConversationDetail struct {
	Conversation Conversation
	Messages     []Message
}

// Image is an attachment for an outgoing message.
type Image struct {
	FileName string
	MimeType string
	Data     []byte
}

// Draft is the user's unsent input. A failed send hands it back untouched.
type Draft struct {
	Content string
	Image   *Image
}

// IsEmpty reports whether there is nothing to send.
func (d Draft) IsEmpty() bool {
	return strings.TrimSpace(d.Content) == "" && d.Image == nil
}

// MessagePage is one page of history as returned by the server, newest first.
type MessagePage struct {
	Results []Message `json:"results"`
	Next    *string   `json:"next"`
}

// HasMore reports whether an older page exists.
func (p *MessagePage) HasMore() bool { return p.Next != nil && *p.Next != "" }

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized matches any request rejected for its credential.
	ErrUnauthorized = errors.New("chatsync: unauthorized")
	// ErrNotConnected is reported when a session is required but none is live.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrUnknownFrame is returned for inbound frames of an unrecognized kind.
	ErrUnknownFrame = errors.New("chatsync: unknown frame type")
	// ErrSuperseded is returned when a newer open replaced the request's target.
	ErrSuperseded = errors.New("chatsync: superseded by a newer request")
	// ErrEmptyMessage is returned when a draft has neither content nor image.
	ErrEmptyMessage = errors.New("chatsync: empty message")
	// ErrNoUser is returned when an operation needs an authenticated user.
	ErrNoUser = errors.New("chatsync: no authenticated user")
)

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, msg)
}

// Is makes errors.Is(err, ErrUnauthorized) true for 401 and 403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// IsAuthError reports whether err was caused by a rejected credential.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// SendError is returned by a failed send. Draft is exactly what the caller
// passed in, so the input can be restored.
type SendError struct {
	Draft Draft
	Err   error
}

func (e *SendError) Error() string { return "send message: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }
