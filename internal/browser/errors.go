// internal/browser/errors.go
package browser

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies agent failures.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not-found"
	KindTimeout     ErrorKind = "timeout"
	KindIntercepted ErrorKind = "intercepted"
	KindClosed      ErrorKind = "closed"
)

// Error is returned by every Agent operation.
type Error struct {
	Op      string
	Locator string
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("browser %s", e.Op)
	if e.Locator != "" {
		msg += fmt.Sprintf(" %s", e.Locator)
	}
	msg += fmt.Sprintf(": %s", e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// classify maps a chromedp failure onto an ErrorKind. sessionErr is the error of
// the session's own context, which is non-nil once the agent has been closed.
func classify(op string, loc Locator, err error, sessionErr error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	kind := KindNotFound
	switch {
	case sessionErr != nil:
		kind = KindClosed
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindClosed
	}
	return &Error{Op: op, Locator: loc.String(), Kind: kind, Err: err}
}
