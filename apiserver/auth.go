// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// Authenticator resolves a request to the user it was made by.
type Authenticator interface {
	// Authenticate returns the user's email, or an Unauthorized error.
	Authenticate(r *http.Request) (string, error)
}

// bearerToken extracts a bearer credential from the Authorization
// header, falling back to the token query parameter for websocket
// clients that cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// TokenAuthenticator authenticates users by opaque session tokens. The
// production deployment loads these from the identity frontend; tests
// seed them directly.
type TokenAuthenticator struct {
	mu    sync.RWMutex
	users map[string]string // token to email
}

// NewTokenAuthenticator returns an authenticator with the given
// token-to-email bindings.
func NewTokenAuthenticator(users map[string]string) *TokenAuthenticator {
	a := &TokenAuthenticator{users: make(map[string]string, len(users))}
	for token, email := range users {
		a.users[token] = email
	}
	return a
}

// AddToken binds a session token to a user.
func (a *TokenAuthenticator) AddToken(token, email string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[token] = email
}

// Authenticate is part of the Authenticator interface.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", errors.Unauthorizedf("missing credentials")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	email, ok := a.users[token]
	if !ok {
		return "", errors.Unauthorizedf("unknown token")
	}
	return email, nil
}
