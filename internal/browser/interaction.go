// internal/browser/interaction.go
package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

const (
	hitOK      = "ok"
	hitMissing = "missing"
	hitCovered = "covered"
)

// scrollCenterJS scrolls the element to the middle of the viewport.
func scrollCenterJS(loc Locator) string {
	return fmt.Sprintf(`(function(){
		const el = %s;
		if (!el) { return %q; }
		el.scrollIntoView({block: 'center', inline: 'center'});
		return %q;
	})()`, loc.jsElement(), hitMissing, hitOK)
}

// hitTestJS reports whether a click at the element's centre would land on it.
func hitTestJS(loc Locator) string {
	return fmt.Sprintf(`(function(){
		const el = %s;
		if (!el) { return %q; }
		const r = el.getBoundingClientRect();
		const hit = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
		if (!hit) { return %q; }
		return (hit === el || el.contains(hit) || hit.contains(el)) ? %q : %q;
	})()`, loc.jsElement(), hitMissing, hitCovered, hitOK, hitCovered)
}

func jsClickJS(loc Locator) string {
	return fmt.Sprintf(`(function(){
		const el = %s;
		if (!el) { return %q; }
		el.click();
		return %q;
	})()`, loc.jsElement(), hitMissing, hitOK)
}

func selectAllJS(loc Locator) string {
	return fmt.Sprintf(`(function(){
		const el = %s;
		if (el && typeof el.select === 'function') { el.select(); }
		return true;
	})()`, loc.jsElement())
}

func probeJS(loc Locator) string {
	return fmt.Sprintf(`(function(){
		const el = %s;
		if (!el) { return {found: false, visible: false, text: ""}; }
		const style = window.getComputedStyle(el);
		const visible = el.getClientRects().length > 0 &&
			style.visibility !== 'hidden' && style.display !== 'none';
		return {found: true, visible: visible, text: (el.innerText || el.textContent || "").trim()};
	})()`, loc.jsElement())
}

// waitVisible blocks up to the configured element wait.
func (s *Session) waitVisible(ctx context.Context, op string, loc Locator) error {
	sel, opts := loc.query()
	return s.run(ctx, op, loc, s.cfg.ElementWait, chromedp.WaitVisible(sel, opts...))
}

func (s *Session) evalString(ctx context.Context, op string, loc Locator, script string) (string, error) {
	var res string
	if err := s.run(ctx, op, loc, s.cfg.ElementWait, chromedp.Evaluate(script, &res)); err != nil {
		return "", err
	}
	if res == hitMissing {
		return res, &Error{Op: op, Locator: loc.String(), Kind: KindNotFound}
	}
	return res, nil
}

// Click implements Agent.
func (s *Session) Click(ctx context.Context, loc Locator) error {
	s.logger.Debug("Clicking.", zap.Stringer("locator", loc))
	if err := s.waitVisible(ctx, "click", loc); err != nil {
		return err
	}
	if _, err := s.evalString(ctx, "click", loc, scrollCenterJS(loc)); err != nil {
		return err
	}
	if s.cfg.ClickSettle > 0 {
		if err := s.run(ctx, "click", loc, 0, chromedp.Sleep(s.cfg.ClickSettle)); err != nil {
			return err
		}
	}
	hit, err := s.evalString(ctx, "click", loc, hitTestJS(loc))
	if err != nil {
		return err
	}
	if hit == hitCovered {
		return &Error{Op: "click", Locator: loc.String(), Kind: KindIntercepted}
	}
	sel, opts := loc.query()
	return s.run(ctx, "click", loc, s.cfg.ElementWait, chromedp.Click(sel, opts...))
}

// JSClick implements Agent.
func (s *Session) JSClick(ctx context.Context, loc Locator) error {
	s.logger.Debug("Clicking through script.", zap.Stringer("locator", loc))
	_, err := s.evalString(ctx, "js-click", loc, jsClickJS(loc))
	return err
}

// Fill implements Agent. The existing value is selected and deleted with key
// events so controlled inputs observe the change.
func (s *Session) Fill(ctx context.Context, loc Locator, text string) error {
	s.logger.Debug("Filling.", zap.Stringer("locator", loc), zap.Int("text_length", len(text)))
	if err := s.waitVisible(ctx, "fill", loc); err != nil {
		return err
	}
	if _, err := s.evalString(ctx, "fill", loc, scrollCenterJS(loc)); err != nil {
		return err
	}
	sel, opts := loc.query()
	var ignored bool
	return s.run(ctx, "fill", loc, s.cfg.ElementWait,
		chromedp.Focus(sel, opts...),
		chromedp.Evaluate(selectAllJS(loc), &ignored),
		chromedp.KeyEvent(kb.Delete),
		chromedp.SendKeys(sel, text, opts...),
	)
}

// Text implements Agent.
func (s *Session) Text(ctx context.Context, loc Locator) (string, error) {
	if err := s.waitVisible(ctx, "text", loc); err != nil {
		return "", err
	}
	sel, opts := loc.query()
	var text string
	err := s.run(ctx, "text", loc, s.cfg.ElementWait, chromedp.Text(sel, &text, opts...))
	return text, err
}

// Attribute implements Agent.
func (s *Session) Attribute(ctx context.Context, loc Locator, name string) (string, bool, error) {
	sel, opts := loc.query()
	var (
		value string
		ok    bool
	)
	err := s.run(ctx, "attribute", loc, s.cfg.ElementWait,
		chromedp.WaitReady(sel, opts...),
		chromedp.AttributeValue(sel, name, &value, &ok, opts...),
	)
	return value, ok, err
}

// Probe implements Agent.
func (s *Session) Probe(ctx context.Context, loc Locator) (Presence, error) {
	var res struct {
		Found   bool   `json:"found"`
		Visible bool   `json:"visible"`
		Text    string `json:"text"`
	}
	if err := s.run(ctx, "probe", loc, s.cfg.ElementWait, chromedp.Evaluate(probeJS(loc), &res)); err != nil {
		return Presence{}, err
	}
	return Presence{Found: res.Found, Visible: res.Visible, Text: res.Text}, nil
}
