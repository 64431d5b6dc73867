// internal/checkout/errors.go
package checkout

import "fmt"

// FatalError ends the session. Phase names the checkout step that failed.
type FatalError struct {
	Phase   string
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("checkout %s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("checkout %s: %s: %v", e.Phase, e.Message, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(phase, message string, err error) *FatalError {
	return &FatalError{Phase: phase, Message: message, Err: err}
}
