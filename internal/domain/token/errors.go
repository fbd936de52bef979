package token

import "errors"

// Authentication failure kinds. Match them with errors.Is.
var (
	// ErrMalformed means the token is not a well-formed compact JWS with a JSON object payload.
	ErrMalformed = errors.New("malformed token")
	// ErrInvalidSignature means the HS256 signature does not verify, or another algorithm was used.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrExpired means the token is outside its validity window (exp, nbf or iat).
	ErrExpired = errors.New("token expired")
)

// AuthError is returned by Verify. Kind is one of the sentinel errors above and
// Err is the underlying cause reported by the JWT library.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
