// internal/pipeline/actions.go
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

// actor bundles the agent with the progress sink so stages read as a list of
// portal actions.
type actor struct {
	agent browser.Agent
	emit  progress.EmitFunc
	poll  time.Duration
}

// Click clicks loc, falling back to a script click when another element
// covers the click point, and emits msg on success.
func Click(ctx context.Context, agent browser.Agent, emit progress.EmitFunc, loc browser.Locator, msg string) error {
	err := agent.Click(ctx, loc)
	switch {
	case err == nil:
	case browser.IsKind(err, browser.KindIntercepted):
		emit(MsgClickIntercepted)
		if err := agent.JSClick(ctx, loc); err != nil {
			return err
		}
		emit(MsgJSClickOK)
		return nil
	case browser.IsKind(err, browser.KindTimeout), browser.IsKind(err, browser.KindNotFound):
		emit(MsgElementMissing)
		return err
	default:
		return err
	}
	if msg != "" {
		emit(msg)
	}
	return nil
}

func (a actor) click(ctx context.Context, loc browser.Locator, msg string) error {
	return Click(ctx, a.agent, a.emit, loc, msg)
}

func (a actor) jsClick(ctx context.Context, loc browser.Locator, msg string) error {
	if err := a.agent.JSClick(ctx, loc); err != nil {
		return err
	}
	if msg != "" {
		a.emit(msg)
	}
	return nil
}

func (a actor) step(ctx context.Context, s Step) error {
	if s.JS {
		return a.jsClick(ctx, s.Click, s.Message)
	}
	return a.click(ctx, s.Click, s.Message)
}

func (a actor) fill(ctx context.Context, loc browser.Locator, text, msg string) error {
	if err := a.agent.Fill(ctx, loc, text); err != nil {
		return err
	}
	if msg != "" {
		a.emit(msg)
	}
	return nil
}

// choose opens a dropdown and picks the option for value.
func (a actor) choose(ctx context.Context, c Choice, value string) error {
	open := Step{Click: c.Open, JS: c.JSOpen, Message: c.Message}
	if err := a.step(ctx, open); err != nil {
		return err
	}
	option := render(c.Option, map[string]string{"value": value})
	return a.click(ctx, option, fmt.Sprintf("%s %s", c.Message, value))
}

// waitVisible polls until loc is visible. Pages reached through navigation
// can take far longer than a single element wait.
func (a actor) waitVisible(ctx context.Context, loc browser.Locator, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poll := a.poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		p, err := a.agent.Probe(waitCtx, loc)
		if err != nil && waitCtx.Err() == nil {
			return err
		}
		if p.Found && p.Visible {
			return nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return &browser.Error{Op: "wait", Locator: loc.String(), Kind: browser.KindTimeout, Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}
