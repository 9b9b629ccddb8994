package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 210000
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
)

// staticEntry is one row of the token file.
type staticEntry struct {
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
	TokenHash string `json:"tokenHash"`
}

// StaticAuthenticator verifies pre-shared tokens against hashes loaded from a
// JSON file. It exists for development and test deployments where the
// authentication service is unavailable.
type StaticAuthenticator struct {
	entries []staticEntry
}

// NewStaticAuthenticator loads the token file at path.
func NewStaticAuthenticator(path string) (*StaticAuthenticator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var entries []staticEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.Principal) == "" {
			return nil, fmt.Errorf("token file %s: entry %d missing principal", path, i)
		}
		if strings.TrimSpace(entry.TokenHash) == "" {
			return nil, fmt.Errorf("token file %s: entry %d missing tokenHash", path, i)
		}
	}
	return &StaticAuthenticator{entries: entries}, nil
}

// Authenticate checks the token against every stored hash. The scan is linear
// so a miss costs the same work regardless of which entries exist.
func (a *StaticAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("empty token: %w", ErrUnauthenticated)
	}
	for _, entry := range a.entries {
		if err := verifyToken(entry.TokenHash, credential); err == nil {
			return Identity{Principal: entry.Principal, Name: entry.Name}, nil
		}
	}
	return Identity{}, fmt.Errorf("unknown token: %w", ErrUnauthenticated)
}

// HashToken derives a storable hash for a pre-shared token. Used by operators
// to populate the token file.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token is required")
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

func verifyToken(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrUnauthenticated
	}
	return nil
}
