// Package auth defines the pluggable user-database contract: backends
// register load/exists/authenticate/unload operations and are tried in
// registration order per domain, first success wins.
package auth

import "context"

// Handle is an opaque reference to a loaded backend's internal state,
// returned by Load and passed back into every subsequent call.
type Handle any

// Backend is implemented by a pluggable user database.
type Backend interface {
	// Name identifies the backend for logging and configuration.
	Name() string
	// Load opens the backend's data at path and returns a handle.
	Load(ctx context.Context, path string) (Handle, error)
	// UserExists reports whether username is known to the backend.
	UserExists(ctx context.Context, h Handle, username string) (bool, error)
	// Authenticate validates username/password (clientID is supplied for
	// backends that bind credentials to a specific client identity).
	Authenticate(ctx context.Context, h Handle, username, password, clientID string) (bool, error)
	// Unload releases any resources associated with h.
	Unload(ctx context.Context, h Handle) error
}

// Chain tries a list of backends, each against its own loaded handle, in
// registration order; the first backend that authenticates the
// credentials wins.
type Chain struct {
	entries []chainEntry
}

type chainEntry struct {
	backend Backend
	handle  Handle
}

// NewChain loads every backend against its data path, in order, and
// returns a Chain ready to authenticate. If any Load fails the error is
// returned and no handles are leaked (those already opened are unloaded).
func NewChain(ctx context.Context, backends []Backend, paths []string) (*Chain, error) {
	c := &Chain{}
	for i, b := range backends {
		h, err := b.Load(ctx, paths[i])
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		c.entries = append(c.entries, chainEntry{backend: b, handle: h})
	}
	return c, nil
}

// Authenticate tries each backend in order; the first success wins.
func (c *Chain) Authenticate(ctx context.Context, username, password, clientID string) (bool, error) {
	for _, e := range c.entries {
		ok, err := e.backend.Authenticate(ctx, e.handle, username, password, clientID)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// UserExists reports whether any backend in the chain knows username.
func (c *Chain) UserExists(ctx context.Context, username string) (bool, error) {
	for _, e := range c.entries {
		ok, err := e.backend.UserExists(ctx, e.handle, username)
		if err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// Close unloads every backend in the chain, in reverse registration
// order, collecting nothing but best-effort releasing resources.
func (c *Chain) Close(ctx context.Context) {
	for i := len(c.entries) - 1; i >= 0; i-- {
		_ = c.entries[i].backend.Unload(ctx, c.entries[i].handle)
	}
	c.entries = nil
}
