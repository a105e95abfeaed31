// Package chatsync keeps a client-side view of direct-message conversations
// in sync with a chat server.
//
// It combines an HTTP API client, a per-conversation websocket session, a
// global notification socket, an in-memory conversation cache with background
// preloading, and a message store with optimistic sends.
//
// Example:
//
//	creds := chatsync.NewCredentials()
//	api := chatsync.NewClient(creds, chatsync.WithBaseURL("https://chat.example.com"))
//	engine := chatsync.NewEngine(api, creds, &chatsync.Config{BaseURL: "https://chat.example.com"})
//	engine.Start()
//	defer engine.Stop()
//
//	creds.SetSession(token, &me)
//	conv, _ := engine.OpenConversation(ctx, "42")
//	engine.SendMessage(ctx, conv.ID, chatsync.Draft{Content: "hi"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
)

// API is the HTTP surface the sync core consumes.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id ID) (*Conversation, error)
	GetOrCreateConversation(ctx context.Context, peerUserID ID) (*Conversation, error)
	// ListMessages returns one page of history, newest first. Page numbers start at 1.
	ListMessages(ctx context.Context, conversationID ID, page int) (*MessagePage, error)
	SendMessage(ctx context.Context, conversationID ID, content string, image *Image) (*Message, error)
	MarkAsRead(ctx context.Context, conversationID ID) error
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() string
}

// ============================================================================
// Client
// ============================================================================

// Client is the default API implementation.
type Client struct {
	tokens     TokenSource
	baseURL    string
	httpClient *http.Client
}

var _ API = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates an HTTP client that authenticates with tokens.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	if body == nil {
		return c.doRequest(ctx, method, path, nil, "", query)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRequest(ctx, method, path, bytes.NewReader(b), "application/json", query)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func conversationPath(id ID, rest string) string {
	return "/api/conversations/" + url.PathEscape(id.String()) + "/" + rest
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the user's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/api/conversations/", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

func (c *Client) GetConversation(ctx context.Context, id ID) (*Conversation, error) {
	data, err := c.doJSON(ctx, http.MethodGet, conversationPath(id, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// GetOrCreateConversation returns the direct conversation with a peer,
// creating it on the server if needed.
func (c *Client) GetOrCreateConversation(ctx context.Context, peerUserID ID) (*Conversation, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/api/conversations/", map[string]ID{"user_id": peerUserID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (c *Client) MarkAsRead(ctx context.Context, conversationID ID) error {
	_, err := c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "read/"), nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) ListMessages(ctx context.Context, conversationID ID, page int) (*MessagePage, error) {
	var query url.Values
	if page > 1 {
		query = url.Values{"page": {strconv.Itoa(page)}}
	}
	data, err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "messages/"), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// SendMessage posts a message as multipart form data so an image can ride
// along with the text.
func (c *Client) SendMessage(ctx context.Context, conversationID ID, content string, image *Image) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("content", content); err != nil {
		return nil, fmt.Errorf("failed to write content field: %w", err)
	}
	if image != nil {
		fileName := image.FileName
		if fileName == "" {
			fileName = "image"
		}
		mimeType := image.MimeType
		if mimeType == "" {
			mimeType = guessMimeType(fileName)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, fileName))
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(image.Data); err != nil {
			return nil, fmt.Errorf("failed to write image data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "messages/"), &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID.IsZero() {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	if ext == ".webp" {
		return "image/webp"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
