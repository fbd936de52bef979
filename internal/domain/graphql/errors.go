package graphql

import (
	"errors"
	"fmt"
)

// Parse failure kinds. Match them with errors.Is.
var (
	// ErrMissingQuery means a JSON body had no usable "query" member.
	ErrMissingQuery = errors.New("missing query")
	// ErrSyntax means the document could not be reduced to one operation with fields.
	ErrSyntax = errors.New("graphql syntax error")
)

// ParseError describes why a request body could not be parsed.
// Line and Column are 1-based and zero when unknown.
type ParseError struct {
	Kind    error
	Message string
	Line    int
	Column  int
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: %s (line %d, column %d)", e.Kind, e.Message, e.Line, e.Column)
	}
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

// Unwrap exposes the kind and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func syntaxErrorf(format string, args ...any) *ParseError {
	return &ParseError{Kind: ErrSyntax, Message: fmt.Sprintf(format, args...)}
}
