// Package auth verifies credentials presented on the relay's signaling
// websocket. Three modes are supported: none (open relay, development),
// api_key (shared secret) and jwt (HS256 bearer tokens).
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

type Mode string

const (
	ModeNone   Mode = "none"
	ModeAPIKey Mode = "api_key"
	ModeJWT    Mode = "jwt"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(mode Mode, apiKey, jwtSecret string) (Verifier, error) {
	switch mode {
	case ModeNone:
		return noneVerifier{}, nil
	case ModeAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("auth mode %q requires an api key", mode)
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	case ModeJWT:
		if jwtSecret == "" {
			return nil, fmt.Errorf("auth mode %q requires a jwt secret", mode)
		}
		return JWTVerifier{secret: []byte(jwtSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromQuery extracts the credential for the configured mode from
// the websocket upgrade request's query parameters.
func CredentialFromQuery(mode Mode, q url.Values) (string, error) {
	switch mode {
	case ModeNone:
		return "", nil
	case ModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case ModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) error { return nil }

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// JWTVerifier accepts HS256 tokens signed with the shared secret. Expiry is
// required: a token without exp is rejected so revocation stays bounded.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret)}
}

func (v JWTVerifier) Verify(token string) error {
	if token == "" {
		return ErrInvalidCredentials
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return nil
}
