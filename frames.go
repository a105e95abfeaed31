package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Inbound frames (server -> client)
// ============================================================================

// Frame is a decoded server frame on a conversation session. The set of
// implementations is closed: *ChatMessageFrame and *TypingFrame.
type Frame interface {
	frameType() string
}

// ChatMessageFrame carries a message posted to the conversation.
type ChatMessageFrame struct {
	Message Message `json:"message"`
}

// TypingFrame reports that a participant started or stopped typing.
type TypingFrame struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

func (*ChatMessageFrame) frameType() string { return frameChatMessage }
func (*TypingFrame) frameType() string      { return frameTypingIndicator }

const (
	frameChatMessage     = "chat_message"
	frameTypingIndicator = "typing_indicator"
)

// DecodeFrame parses one text frame from a conversation session.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch head.Type {
	case frameChatMessage:
		var f ChatMessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if f.Message.ID.IsZero() {
			return nil, fmt.Errorf("decode %s: message without id", head.Type)
		}
		return &f, nil
	case frameTypingIndicator:
		var f TypingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
}

// ============================================================================
// Notification frames
// ============================================================================

// Notification is a lightweight "new message" event from the global channel.
// It carries no message id.
type Notification struct {
	ConversationID ID        `json:"conversation_id"`
	Sender         User      `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DecodeNotification parses one notification frame.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.ConversationID.IsZero() {
		return nil, fmt.Errorf("decode notification: missing conversation_id")
	}
	return &n, nil
}

// preview turns the notification into a message suitable for a list preview.
func (n *Notification) preview() Message {
	return Message{
		ConversationID: n.ConversationID,
		Content:        n.Content,
		Sender:         n.Sender,
		CreatedAt:      n.CreatedAt,
	}
}

// ============================================================================
// Outbound commands (client -> server)
// ============================================================================

// SendMessageCommand is the legacy socket send path. The HTTP send is
// authoritative; this exists for servers that still accept it.
type SendMessageCommand struct {
	Action  string `json:"action"`
	Content string `json:"content"`
}

// TypingCommand announces the local user's typing state.
type TypingCommand struct {
	Action   string `json:"action"`
	IsTyping bool   `json:"is_typing"`
}

// MarkAsReadCommand advances the conversation read cursor to MessageID.
type MarkAsReadCommand struct {
	Action    string `json:"action"`
	MessageID ID     `json:"message_id"`
}

func NewSendMessageCommand(content string) SendMessageCommand {
	return SendMessageCommand{Action: "send_message", Content: content}
}

func NewTypingCommand(isTyping bool) TypingCommand {
	return TypingCommand{Action: "typing", IsTyping: isTyping}
}

func NewMarkAsReadCommand(messageID ID) MarkAsReadCommand {
	return MarkAsReadCommand{Action: "mark_as_read", MessageID: messageID}
}
