// Package token verifies HS256 bearer tokens and turns their payload into claims.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/golang-jwt/jwt/v5"
)

// ErrEmptyKey is returned by NewVerifier when no signing key bytes are given.
var ErrEmptyKey = errors.New("signing key is empty")

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// Verifier checks tokens against a symmetric key bound at construction.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	key    []byte
	leeway time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for the given HS256 key.
func NewVerifier(key []byte, opts ...Option) (*Verifier, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	v := &Verifier{
		key: append([]byte(nil), key...),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

// Verify validates raw (without the "Bearer " prefix) and returns its claims.
// Errors are always *AuthError.
func (v *Verifier) Verify(raw string) (claims.Claims, error) {
	mapClaims := jwt.MapClaims{}
	tok, err := v.parser.ParseWithClaims(raw, mapClaims, v.keyFunc)
	if err != nil {
		return claims.Claims{}, classify(err)
	}
	if !tok.Valid {
		return claims.Claims{}, &AuthError{Kind: ErrInvalidSignature}
	}
	return claims.New(mapClaims), nil
}

// Verify is a convenience for one-off checks with a key that is not reused.
func Verify(raw string, key []byte) (claims.Claims, error) {
	v, err := NewVerifier(key)
	if err != nil {
		return claims.Claims{}, &AuthError{Kind: ErrInvalidSignature, Err: err}
	}
	return v.Verify(raw)
}

// BearerToken extracts the token from an Authorization header value.
// ok is false when the header does not use the Bearer scheme.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return v.key, nil
}

// classify maps library errors onto the three failure kinds.
// Signature problems win over claim problems since the library verifies
// the signature before validating claims.
func classify(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &AuthError{Kind: ErrMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return &AuthError{Kind: ErrInvalidSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return &AuthError{Kind: ErrExpired, Err: err}
	default:
		return &AuthError{Kind: ErrMalformed, Err: err}
	}
}
