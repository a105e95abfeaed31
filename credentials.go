package chatsync

import "sync"

// CredentialSource is the external authentication collaborator. The engine
// only reads from it, except to report credentials the server rejected.
type CredentialSource interface {
	TokenSource
	// CurrentUser returns the authenticated user, or nil when logged out.
	CurrentUser() *User
	// Subscribe registers fn to be called whenever the current user changes.
	// A nil user means logged out.
	Subscribe(fn func(*User)) (unsubscribe func())
	// AuthFailed reports a request that was rejected for its credential. The
	// source decides whether to refresh or log out.
	AuthFailed(err error)
}

// Credentials is an in-memory CredentialSource.
type Credentials struct {
	users    *Broadcaster[*User]
	failures *Broadcaster[error]

	mu    sync.RWMutex
	token string
	user  *User
}

// NewCredentials returns an empty, logged-out credential source.
func NewCredentials() *Credentials {
	return &Credentials{
		users:    newBroadcaster[*User](nil),
		failures: newBroadcaster[error](nil),
	}
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Credentials) CurrentUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *Credentials) Subscribe(fn func(*User)) (unsubscribe func()) {
	return c.users.Subscribe(fn)
}

// SetSession stores a token and user and notifies subscribers.
func (c *Credentials) SetSession(token string, user *User) {
	var u *User
	if user != nil {
		cp := *user
		u = &cp
	}
	c.mu.Lock()
	c.token = token
	c.user = u
	c.mu.Unlock()
	c.users.publish(c.CurrentUser())
}

// Clear logs out. Subscribers are told only if there was a session.
func (c *Credentials) Clear() {
	c.mu.Lock()
	had := c.user != nil || c.token != ""
	c.token = ""
	c.user = nil
	c.mu.Unlock()
	if had {
		c.users.publish(nil)
	}
}

// OnAuthFailure registers fn to receive rejected-credential errors.
func (c *Credentials) OnAuthFailure(fn func(error)) (unsubscribe func()) {
	return c.failures.Subscribe(fn)
}

func (c *Credentials) AuthFailed(err error) {
	c.failures.publish(err)
}
