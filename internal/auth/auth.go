// Package auth resolves an already-issued bearer token into the acting
// identity. The engine never creates or manages identities; it only needs a
// trustworthy actor name to stamp on audit entries and signatures.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "aprovo"
	secretEnvVariable = "APROVO_AUTH_SECRET"
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the JWT claims the identity provider issues for us.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID   string
	Name string
}

// String returns the display form used in audit entries.
func (a Actor) String() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// GenerateToken signs a JWT for the given actor using HS256. Used by dev
// tooling and tests; production tokens come from the identity provider.
func GenerateToken(actorID, name string, ttl time.Duration) (string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", errors.New("actorID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		Name: strings.TrimSpace(name),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the token signature and returns the actor it names.
func ParseToken(token string) (Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Actor{}, ErrInvalidToken
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return Actor{}, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secretBytes, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: claims.Subject, Name: claims.Name}, nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret = cachedSecret{err: errMissingSecret, ready: true}
	} else {
		secret = cachedSecret{value: []byte(raw), ready: true}
	}
	return secret.value, secret.err
}

// Enabled reports whether token verification is configured at all. When no
// secret is present the API falls back to an anonymous actor; deployments
// behind a trusted gateway run in that mode.
func Enabled() bool {
	_, err := loadSecret()
	return err == nil
}

// ResetSecretForTests clears the cached secret so tests can swap it via env.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
