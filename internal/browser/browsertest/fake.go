// internal/browser/browsertest/fake.go
package browsertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/xkilldash9x/quoteflow/internal/browser"
)

// Element is the fake DOM state behind one locator.
type Element struct {
	Visible bool
	Text    string
	Value   string
	Attrs   map[string]string
	// Covered makes Click fail with KindIntercepted.
	Covered bool
}

// Call records one agent operation.
type Call struct {
	Op      string
	Locator browser.Locator
	Text    string
}

// FakeAgent is a scripted, in-memory browser.Agent.
//
// In lenient mode (the default) clicks and fills on unknown locators succeed,
// while Probe and Text only see elements that were registered with Set.
// Hooks registered with OnClick run after a successful click and may reshape
// the page, which is how tests script portal reactions.
type FakeAgent struct {
	mu       sync.Mutex
	strict   bool
	elements map[browser.Locator]*Element
	onClick  map[browser.Locator][]func(*FakeAgent)
	failures map[browser.Locator]error
	windows  []browser.Window
	active   string
	cookies  []*http.Cookie
	calls    []Call
	closes   int
	closed   bool
}

var _ browser.Agent = (*FakeAgent)(nil)

// New creates a lenient fake with a single window.
func New() *FakeAgent {
	return &FakeAgent{
		elements: make(map[browser.Locator]*Element),
		onClick:  make(map[browser.Locator][]func(*FakeAgent)),
		failures: make(map[browser.Locator]error),
		windows:  []browser.Window{{ID: "main", URL: "about:blank"}},
		active:   "main",
	}
}

// Strict makes operations on unregistered locators fail with KindNotFound.
func (f *FakeAgent) Strict() *FakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict = true
	return f
}

// Set registers or replaces the element behind loc.
func (f *FakeAgent) Set(loc browser.Locator, el Element) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(loc, el)
}

func (f *FakeAgent) setLocked(loc browser.Locator, el Element) {
	copied := el
	f.elements[loc] = &copied
}

// Remove deletes the element behind loc.
func (f *FakeAgent) Remove(loc browser.Locator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.elements, loc)
}

// OnClick registers a hook run after every successful click on loc.
func (f *FakeAgent) OnClick(loc browser.Locator, hook func(*FakeAgent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClick[loc] = append(f.onClick[loc], hook)
}

// FailOn makes every operation on loc return err.
func (f *FakeAgent) FailOn(loc browser.Locator, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[loc] = err
}

// OpenWindow adds a window, as a click that opens a popup would.
func (f *FakeAgent) OpenWindow(w browser.Window) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, w)
}

// SetCookies sets the cookies returned by Cookies.
func (f *FakeAgent) SetCookies(cookies ...*http.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = cookies
}

// Calls returns a copy of the recorded operations.
func (f *FakeAgent) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Filled returns every value typed into loc, in order.
func (f *FakeAgent) Filled(loc browser.Locator) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Op == "fill" && c.Locator == loc {
			out = append(out, c.Text)
		}
	}
	return out
}

// Clicks returns how many times loc was clicked, by either click method.
func (f *FakeAgent) Clicks(loc browser.Locator) int {
	n := 0
	for _, c := range f.Calls() {
		if (c.Op == "click" || c.Op == "js-click") && c.Locator == loc {
			n++
		}
	}
	return n
}

// Closes returns how many times Close was called.
func (f *FakeAgent) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// ActiveWindow returns the id of the active window.
func (f *FakeAgent) ActiveWindow() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// begin records the call and resolves the element. Caller holds f.mu.
func (f *FakeAgent) begin(ctx context.Context, op string, loc browser.Locator, text string) (*Element, error) {
	if f.closed {
		return nil, &browser.Error{Op: op, Locator: loc.String(), Kind: browser.KindClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, Call{Op: op, Locator: loc, Text: text})
	if err, ok := f.failures[loc]; ok {
		return nil, err
	}
	el, ok := f.elements[loc]
	if !ok {
		if f.strict || op == "text" || op == "attribute" {
			return nil, &browser.Error{Op: op, Locator: loc.String(), Kind: browser.KindNotFound}
		}
		el = &Element{Visible: true}
		f.elements[loc] = el
	}
	return el, nil
}

func (f *FakeAgent) runHooks(loc browser.Locator) {
	f.mu.Lock()
	hooks := append([](func(*FakeAgent))(nil), f.onClick[loc]...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(f)
	}
}

// Navigate implements browser.Agent.
func (f *FakeAgent) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.begin(ctx, "navigate", browser.Locator{}, url); err != nil {
		return err
	}
	for i := range f.windows {
		if f.windows[i].ID == f.active {
			f.windows[i].URL = url
		}
	}
	return nil
}

// Click implements browser.Agent.
func (f *FakeAgent) Click(ctx context.Context, loc browser.Locator) error {
	f.mu.Lock()
	el, err := f.begin(ctx, "click", loc, "")
	if err == nil && !el.Visible {
		err = &browser.Error{Op: "click", Locator: loc.String(), Kind: browser.KindTimeout}
	}
	if err == nil && el.Covered {
		err = &browser.Error{Op: "click", Locator: loc.String(), Kind: browser.KindIntercepted}
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.runHooks(loc)
	return nil
}

// JSClick implements browser.Agent.
func (f *FakeAgent) JSClick(ctx context.Context, loc browser.Locator) error {
	f.mu.Lock()
	_, err := f.begin(ctx, "js-click", loc, "")
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.runHooks(loc)
	return nil
}

// Fill implements browser.Agent.
func (f *FakeAgent) Fill(ctx context.Context, loc browser.Locator, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, err := f.begin(ctx, "fill", loc, text)
	if err != nil {
		return err
	}
	if !el.Visible {
		return &browser.Error{Op: "fill", Locator: loc.String(), Kind: browser.KindTimeout}
	}
	el.Value = text
	return nil
}

// Text implements browser.Agent.
func (f *FakeAgent) Text(ctx context.Context, loc browser.Locator) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, err := f.begin(ctx, "text", loc, "")
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

// Attribute implements browser.Agent.
func (f *FakeAgent) Attribute(ctx context.Context, loc browser.Locator, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, err := f.begin(ctx, "attribute", loc, name)
	if err != nil {
		return "", false, err
	}
	v, ok := el.Attrs[name]
	return v, ok, nil
}

// Probe implements browser.Agent.
func (f *FakeAgent) Probe(ctx context.Context, loc browser.Locator) (browser.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return browser.Presence{}, &browser.Error{Op: "probe", Locator: loc.String(), Kind: browser.KindClosed}
	}
	if err := ctx.Err(); err != nil {
		return browser.Presence{}, err
	}
	el, ok := f.elements[loc]
	if !ok {
		return browser.Presence{}, nil
	}
	return browser.Presence{Found: true, Visible: el.Visible, Text: el.Text}, nil
}

// CurrentURL implements browser.Agent.
func (f *FakeAgent) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", &browser.Error{Op: "location", Kind: browser.KindClosed}
	}
	for _, w := range f.windows {
		if w.ID == f.active {
			return w.URL, nil
		}
	}
	return "", fmt.Errorf("active window %q missing", f.active)
}

// Windows implements browser.Agent.
func (f *FakeAgent) Windows(ctx context.Context) ([]browser.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &browser.Error{Op: "windows", Kind: browser.KindClosed}
	}
	return append([]browser.Window(nil), f.windows...), nil
}

// SwitchTo implements browser.Agent.
func (f *FakeAgent) SwitchTo(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &browser.Error{Op: "switch", Kind: browser.KindClosed}
	}
	for _, w := range f.windows {
		if w.ID == id {
			f.active = id
			f.calls = append(f.calls, Call{Op: "switch", Text: id})
			return nil
		}
	}
	return &browser.Error{Op: "switch", Kind: browser.KindNotFound}
}

// Cookies implements browser.Agent.
func (f *FakeAgent) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &browser.Error{Op: "cookies", Kind: browser.KindClosed}
	}
	return append([]*http.Cookie(nil), f.cookies...), nil
}

// Close implements browser.Agent.
func (f *FakeAgent) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	return nil
}

// Launcher hands out pre-built fakes in order.
type Launcher struct {
	mu     sync.Mutex
	agents []*FakeAgent
	Err    error
	opts   []browser.SessionOptions
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher that yields the given agents.
func NewLauncher(agents ...*FakeAgent) *Launcher {
	return &Launcher{agents: agents}
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, sessionID string, opts browser.SessionOptions) (browser.Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	if len(l.agents) == 0 {
		return New(), nil
	}
	a := l.agents[0]
	l.agents = l.agents[1:]
	return a, nil
}

// Options returns the launch options seen so far.
func (l *Launcher) Options() []browser.SessionOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.SessionOptions(nil), l.opts...)
}
