package sigrelay

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthRequired       = errors.New("sigrelay: authentication required")
	ErrInvalidCredentials = errors.New("sigrelay: invalid credentials")
)

// Authorizer validates the credential presented in a client's auth message
// and returns the authenticated subject (participant id), or "" when the
// mode carries no identity.
type Authorizer interface {
	Authorize(credential string) (subject string, err error)
}

// AllowAll accepts any connection without credentials. Intended for dev
// deployments and tests.
type AllowAll struct{}

func (AllowAll) Authorize(string) (string, error) { return "", nil }

// APIKeyAuthorizer compares the presented credential against a single static
// key in constant time.
type APIKeyAuthorizer struct {
	Key string
}

func (a APIKeyAuthorizer) Authorize(credential string) (string, error) {
	if credential == "" {
		return "", ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(a.Key)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}

// JWTAuthorizer validates an HS256 token and returns its subject claim. The
// subject names the participant the connection signals on behalf of.
type JWTAuthorizer struct {
	Secret []byte
}

func (a JWTAuthorizer) Authorize(credential string) (string, error) {
	if credential == "" {
		return "", ErrAuthRequired
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(credential, claims,
		func(*jwt.Token) (any, error) { return a.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	return claims.Subject, nil
}
