// internal/browser/windows.go
package browser

import (
	"context"
	"fmt"
	"time"
)

// WaitNewWindow polls until a window not present in before (and accepted by
// match, when given) appears, then switches the agent to it.
func WaitNewWindow(ctx context.Context, a Agent, before []Window, match func(Window) bool, timeout, poll time.Duration) (Window, error) {
	known := make(map[string]struct{}, len(before))
	for _, w := range before {
		known[w.ID] = struct{}{}
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		windows, err := a.Windows(waitCtx)
		if err != nil && !IsKind(err, KindTimeout) {
			return Window{}, err
		}
		for _, w := range windows {
			if _, seen := known[w.ID]; seen {
				continue
			}
			if match != nil && !match(w) {
				continue
			}
			if err := a.SwitchTo(ctx, w.ID); err != nil {
				return Window{}, err
			}
			return w, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Window{}, ctx.Err()
			}
			return Window{}, &Error{Op: "wait-window", Kind: KindTimeout, Err: fmt.Errorf("no new window within %s", timeout)}
		case <-ticker.C:
		}
	}
}
