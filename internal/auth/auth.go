// Package auth resolves the caller identity for every inbound relay message.
// Identity is re-verified per message rather than per connection, so a revoked
// credential cuts a live socket off at the next message it sends.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated reports a missing, malformed, or rejected credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified caller profile attached to relay operations.
type Identity struct {
	Principal string
	Name      string
}

// Authenticator verifies the credential carried by an inbound message.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// CredentialFromRequest extracts the caller credential from an upgrade
// request, preferring the Authorization bearer header over the token query
// parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			return strings.TrimSpace(header[len(prefix):]), nil
		}
		return "", fmt.Errorf("malformed authorization header: %w", ErrUnauthenticated)
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("missing credential: %w", ErrUnauthenticated)
}
