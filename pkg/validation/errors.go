// Package validation provides the error buffer, error tokens and check
// helpers used while a graph transaction validates its entities.
//
// Validation never stops at the first problem. Every entity in a transaction
// is checked and every failure is recorded as a Token in a shared
// ErrorBuffer, so a client receives all field-level errors at once. A token
// carries the entity type, the property key and a machine-readable reason
// code; API layers render these without parsing messages.
//
// Example:
//
//	buf := validation.NewErrorBuffer()
//	validation.CheckStringNotBlank(obj, "name", buf)
//	validation.CheckStringMinLength(obj, "password", 8, buf)
//	if buf.HasError() {
//		return validation.NewValidationError(buf)
//	}
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Reason codes carried by tokens.
const (
	CodeMustNotBeEmpty  = "must_not_be_empty"
	CodeTooShort        = "too_short"
	CodeMustBeOneOf     = "must_be_one_of"
	CodeMustLieBefore   = "must_lie_before"
	CodeInvalidDate     = "invalid_date"
	CodeIDNotFound      = "id_not_found"
	CodeReadOnly        = "read_only_property"
	CodeInvalidType     = "invalid_type"
	CodeNotAllowed      = "not_allowed"
	CodeCallbackFailure = "callback_failed"
)

// Token is a single validation or referential error.
type Token struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Code  string `json:"token"`
	Value any    `json:"value,omitempty"`
}

func (t Token) Error() string {
	var b strings.Builder
	if t.Type != "" {
		b.WriteString(t.Type)
		b.WriteByte('.')
	}
	b.WriteString(t.Key)
	b.WriteByte(' ')
	b.WriteString(t.Code)
	if t.Value != nil {
		fmt.Fprintf(&b, " (%v)", t.Value)
	}
	return b.String()
}

// EmptyPropertyToken reports a missing or blank value.
func EmptyPropertyToken(key string) Token {
	return Token{Key: key, Code: CodeMustNotBeEmpty}
}

// TooShortToken reports a string shorter than min characters.
func TooShortToken(key string, min int) Token {
	return Token{Key: key, Code: CodeTooShort, Value: min}
}

// ValueToken reports a value outside the allowed set.
func ValueToken(key string, allowed []string) Token {
	return Token{Key: key, Code: CodeMustBeOneOf, Value: "[" + strings.Join(allowed, ", ") + "]"}
}

// ChronologicalOrderToken reports that key must lie before other.
func ChronologicalOrderToken(key, other string) Token {
	return Token{Key: key, Code: CodeMustLieBefore, Value: other}
}

// DateFormatToken reports a value that is not a date.
func DateFormatToken(key string) Token {
	return Token{Key: key, Code: CodeInvalidDate}
}

// IDNotFoundToken reports a uuid or id that does not resolve.
func IDNotFoundToken(key string, id any) Token {
	return Token{Key: key, Code: CodeIDNotFound, Value: id}
}

// ReadOnlyPropertyToken reports a write to a read-only key.
func ReadOnlyPropertyToken(key string) Token {
	return Token{Key: key, Code: CodeReadOnly}
}

// ErrorBuffer accumulates tokens across all entities of a transaction.
// It is safe for concurrent use by callbacks of the same transaction.
type ErrorBuffer struct {
	mu     sync.Mutex
	tokens []Token
}

// NewErrorBuffer returns an empty buffer.
func NewErrorBuffer() *ErrorBuffer {
	return &ErrorBuffer{}
}

// Add records a token for an entity type. The type argument overrides the
// token's own Type when non-empty.
func (b *ErrorBuffer) Add(typeName string, tok Token) {
	if typeName != "" {
		tok.Type = typeName
	}
	b.mu.Lock()
	b.tokens = append(b.tokens, tok)
	b.mu.Unlock()
}

// HasError reports whether any token was recorded.
func (b *ErrorBuffer) HasError() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens) > 0
}

// Len returns the number of tokens.
func (b *ErrorBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

// Tokens returns a copy of the recorded tokens in insertion order.
func (b *ErrorBuffer) Tokens() []Token {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Token(nil), b.tokens...)
}

// Has reports whether a token with the given key and code was recorded.
func (b *ErrorBuffer) Has(key, code string) bool {
	for _, t := range b.Tokens() {
		if t.Key == key && t.Code == code {
			return true
		}
	}
	return false
}

// Err combines the tokens into one error, or nil when the buffer is empty.
// multierr.Errors recovers the individual tokens.
func (b *ErrorBuffer) Err() error {
	var err error
	for _, t := range b.Tokens() {
		err = multierr.Append(err, t)
	}
	return err
}

func (b *ErrorBuffer) String() string {
	if err := b.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// FrameworkError is the structured error returned to callers of the graph
// layer. Status follows HTTP semantics so presentation layers can map it
// directly.
type FrameworkError struct {
	Status  int
	Message string
	Buffer  *ErrorBuffer
	Err     error
}

func (e *FrameworkError) Error() string {
	msg := e.Message
	if e.Buffer.HasError() {
		if msg != "" {
			msg += ": "
		}
		msg += e.Buffer.String()
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return msg
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// Tokens returns the tokens of the attached buffer.
func (e *FrameworkError) Tokens() []Token {
	return e.Buffer.Tokens()
}

// NewValidationError wraps a filled buffer as an unprocessable-entity error.
func NewValidationError(buf *ErrorBuffer) *FrameworkError {
	return &FrameworkError{Status: http.StatusUnprocessableEntity, Message: "validation failed", Buffer: buf}
}

// NewNotFoundError builds a referential error for a single token.
func NewNotFoundError(typeName string, tok Token) *FrameworkError {
	buf := NewErrorBuffer()
	buf.Add(typeName, tok)
	return &FrameworkError{Status: http.StatusNotFound, Buffer: buf}
}

// Wrap attaches a status and message to an underlying error.
func Wrap(status int, message string, err error) *FrameworkError {
	return &FrameworkError{Status: status, Message: message, Err: err}
}

// AsFrameworkError extracts a FrameworkError from an error chain.
func AsFrameworkError(err error) (*FrameworkError, bool) {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
