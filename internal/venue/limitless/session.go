package limitless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oddsflow/internal/creds"
	"oddsflow/internal/venue"
)

// expirySlack renews the token this long before the server-side expiry so
// subscribe frames never carry a token about to lapse.
const expirySlack = 30 * time.Second

// session holds the login token for the venue. Tokens are renewed lazily:
// Token logs in again when the cached token is missing or near expiry.
type session struct {
	http  *venue.HTTPClient
	creds creds.Provider

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newSession(http *venue.HTTPClient, provider creds.Provider) *session {
	return &session{http: http, creds: provider}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Token returns a live session token, logging in when needed. Credential
// problems wrap venue.ErrAuthentication.
func (s *session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt.Add(-expirySlack)) {
		return s.token, nil
	}

	c, ok := s.creds.Credentials(VenueName)
	if !ok || !c.HasLogin() {
		return "", fmt.Errorf("%w: limitless requires email and password", venue.ErrAuthentication)
	}

	var resp loginResponse
	err := s.http.PostJSON(ctx, "/auth/login", loginRequest{Email: c.Email, Password: c.Password}, &resp)
	if err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) && (se.Code == 401 || se.Code == 403) {
			return "", fmt.Errorf("%w: login rejected with status %d", venue.ErrAuthentication, se.Code)
		}
		return "", fmt.Errorf("limitless login: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: login response carried no token", venue.ErrAuthentication)
	}

	s.token = resp.Token
	if resp.ExpiresAt > 0 {
		s.expiresAt = time.Unix(resp.ExpiresAt, 0)
	} else {
		s.expiresAt = time.Now().Add(time.Hour)
	}
	return s.token, nil
}

// CachedToken returns the current token without renewing it. Empty when no
// login has happened yet.
func (s *session) CachedToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Invalidate drops the cached token, forcing a fresh login on next use.
func (s *session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}
