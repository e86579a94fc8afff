package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrShortSecret  = errors.New("secret must be at least 32 characters")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

const (
	// DefaultTTL bounds how long an issued token is accepted.
	DefaultTTL = time.Minute
	keySalt    = "cluso-kv/auth/v1"
	leeway     = 5 * time.Second
)

// Authenticator issues and verifies short-lived HS256 tokens for links
// between nodes and monitors that share a secret. Each audience signs with
// its own key derived from the secret, so a token for one link type is
// useless on another.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration

	mu   sync.Mutex
	keys map[string][]byte
}

// New creates an Authenticator. issuer names this process in issued tokens.
func New(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		keys:   make(map[string][]byte),
	}, nil
}

func (a *Authenticator) key(audience string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if k, ok := a.keys[audience]; ok {
		return k, nil
	}
	k := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, a.secret, []byte(keySalt), []byte(audience)), k); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	a.keys[audience] = k
	return k, nil
}

// Issue returns a signed token valid for audience.
func (a *Authenticator) Issue(audience string) (string, error) {
	key, err := a.key(audience)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and audience of token.
func (a *Authenticator) Verify(token, audience string) error {
	if token == "" {
		return ErrMissingToken
	}
	key, err := a.key(audience)
	if err != nil {
		return err
	}
	_, err = jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
