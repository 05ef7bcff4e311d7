package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoQuestionsConfigured = errors.New("challenge: no questions configured")
	ErrNoClientIdentity      = errors.New("challenge: client identity is empty")
	ErrRejected              = errors.New("challenge: answer rejected")
	ErrMissingField          = errors.New("challenge: missing field")
	ErrInvalidFormat         = errors.New("challenge: field has invalid format")
)

// NewError builds an *Error for a rejected challenge. publicReason is a
// localization message id that is safe to show to the client.
func NewError(verb, publicReason string, privateReason error, outcome Outcome) *Error {
	return &Error{
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		Outcome:       outcome,
		StatusCode:    http.StatusBadRequest,
	}
}

// Error carries everything the HTTP layer needs to render a rejection.
type Error struct {
	PrivateReason error
	Verb          string
	PublicReason  string
	Outcome       Outcome
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: error when processing challenge: %s: %s: %v", e.Verb, e.Outcome, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}
