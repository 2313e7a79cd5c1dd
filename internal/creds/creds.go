// Package creds supplies per-venue authentication material. Absent
// credentials mean "feed unavailable" for venues that need them, never a
// crash: adapters surface venue.ErrAuthentication and the rest of the
// engine keeps running.
package creds

import (
	"os"
	"strings"
)

// Credentials is the auth material for one venue. Which fields matter
// depends on the venue's scheme: API key + signing secret, or a
// login/password pair exchanged for a session token.
type Credentials struct {
	APIKeyID  string
	APISecret string
	Email     string
	Password  string
}

// HasAPIKey reports whether key-signature auth material is present.
func (c Credentials) HasAPIKey() bool {
	return c.APIKeyID != "" && c.APISecret != ""
}

// HasLogin reports whether session-login auth material is present.
func (c Credentials) HasLogin() bool {
	return c.Email != "" && c.Password != ""
}

// Provider resolves credentials for a venue key.
type Provider interface {
	// Credentials returns the venue's auth material; false when none is
	// configured.
	Credentials(venue string) (Credentials, bool)
}

// EnvProvider reads credentials from the environment using the
// <VENUE>_API_KEY_ID / <VENUE>_API_SECRET / <VENUE>_EMAIL /
// <VENUE>_PASSWORD convention. Values typically arrive via the .env file
// loaded at startup.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Credentials(venue string) (Credentials, bool) {
	prefix := strings.ToUpper(venue)
	c := Credentials{
		APIKeyID:  os.Getenv(prefix + "_API_KEY_ID"),
		APISecret: os.Getenv(prefix + "_API_SECRET"),
		Email:     os.Getenv(prefix + "_EMAIL"),
		Password:  os.Getenv(prefix + "_PASSWORD"),
	}
	return c, c.HasAPIKey() || c.HasLogin()
}

// Static is a fixed-map provider, used in tests and embedded setups.
type Static map[string]Credentials

func (s Static) Credentials(venue string) (Credentials, bool) {
	c, ok := s[venue]
	return c, ok
}
