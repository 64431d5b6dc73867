// internal/browser/interface.go
package browser

import (
	"context"
	"net/http"
)

// Agent is the exclusively owned handle to one remote browser session. Every
// blocking call honours ctx and fails with a *Error once the agent is closed.
type Agent interface {
	// Navigate loads url in the active window.
	Navigate(ctx context.Context, url string) error
	// Click waits for the element, scrolls it to the centre and clicks it. A click
	// point covered by another element fails with KindIntercepted.
	Click(ctx context.Context, loc Locator) error
	// JSClick dispatches a DOM click on the element without hit testing.
	JSClick(ctx context.Context, loc Locator) error
	// Fill clears the field and types text into it.
	Fill(ctx context.Context, loc Locator, text string) error
	// Text returns the visible text of the element.
	Text(ctx context.Context, loc Locator) (string, error)
	// Attribute reads an attribute of the element.
	Attribute(ctx context.Context, loc Locator, name string) (string, bool, error)
	// Probe reports whether the element is present and visible, without waiting.
	Probe(ctx context.Context, loc Locator) (Presence, error)
	// CurrentURL returns the URL of the active window.
	CurrentURL(ctx context.Context) (string, error)
	// Windows lists the open top-level windows.
	Windows(ctx context.Context) ([]Window, error)
	// SwitchTo makes the given window the active one.
	SwitchTo(ctx context.Context, windowID string) error
	// Cookies returns the cookies the browser would send to url.
	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
	// Close releases the browser. It is idempotent.
	Close(ctx context.Context) error
}

// Window is one open top-level browsing context.
type Window struct {
	ID  string
	URL string
}

// Presence is the instantaneous state of an element.
type Presence struct {
	Found   bool
	Visible bool
	Text    string
}
