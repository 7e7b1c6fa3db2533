// Package auth defines the optional bearer-token check applied to the MCP
// endpoint. The server runs open by default (a local collaboration tool);
// shared deployments configure a JWT authenticator.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens. It returns ErrUnauthorized for
// invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
