// internal/browser/locator.go
package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
)

// LocatorKind is the strategy used to find an element.
type LocatorKind string

const (
	ByXPath LocatorKind = "xpath"
	ByCSS   LocatorKind = "css"
	ByName  LocatorKind = "name"
	ByID    LocatorKind = "id"
	// ByLabelFor finds the control referenced by the `for` attribute of the
	// label whose text equals Value.
	ByLabelFor LocatorKind = "label-for"
)

// Locator identifies one element on the page.
type Locator struct {
	By    LocatorKind `yaml:"by" json:"by"`
	Value string      `yaml:"value" json:"value"`
}

func XPath(expr string) Locator   { return Locator{By: ByXPath, Value: expr} }
func CSS(sel string) Locator      { return Locator{By: ByCSS, Value: sel} }
func Name(name string) Locator    { return Locator{By: ByName, Value: name} }
func ID(id string) Locator        { return Locator{By: ByID, Value: id} }
func LabelFor(text string) Locator { return Locator{By: ByLabelFor, Value: text} }

func (l Locator) String() string { return fmt.Sprintf("%s=%s", l.By, l.Value) }

// Validate rejects locators that cannot be resolved.
func (l Locator) Validate() error {
	if strings.TrimSpace(l.Value) == "" {
		return fmt.Errorf("locator %q has an empty value", l.By)
	}
	switch l.By {
	case ByXPath, ByCSS, ByName, ByID, ByLabelFor:
		return nil
	default:
		return fmt.Errorf("unknown locator kind %q", l.By)
	}
}

// query translates the locator into a chromedp selector and its query options.
func (l Locator) query() (string, []chromedp.QueryOption) {
	switch l.By {
	case ByCSS:
		return l.Value, []chromedp.QueryOption{chromedp.ByQuery}
	case ByName:
		return fmt.Sprintf(`[name=%s]`, cssString(l.Value)), []chromedp.QueryOption{chromedp.ByQuery}
	case ByID:
		return l.Value, []chromedp.QueryOption{chromedp.ByID}
	case ByLabelFor:
		return l.xpath(), []chromedp.QueryOption{chromedp.BySearch}
	default:
		return l.Value, []chromedp.QueryOption{chromedp.BySearch}
	}
}

// xpath expresses the locator as an XPath 1.0 expression where possible.
func (l Locator) xpath() string {
	switch l.By {
	case ByName:
		return fmt.Sprintf(`//*[@name=%s]`, XPathLiteral(l.Value))
	case ByID:
		return fmt.Sprintf(`//*[@id=%s]`, XPathLiteral(l.Value))
	case ByLabelFor:
		return fmt.Sprintf(`//*[@id=//label[normalize-space(text())=%s]/@for]`, XPathLiteral(l.Value))
	default:
		return l.Value
	}
}

// jsElement returns a JavaScript expression evaluating to the element or null.
func (l Locator) jsElement() string {
	if l.By == ByCSS {
		return fmt.Sprintf(`document.querySelector(%s)`, jsString(l.Value))
	}
	return fmt.Sprintf(
		`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
		jsString(l.xpath()))
}

// XPathLiteral quotes s as an XPath 1.0 string literal.
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func cssString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
