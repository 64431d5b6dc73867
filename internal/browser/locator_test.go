// internal/browser/locator_test.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocatorXPath(t *testing.T) {
	testCases := []struct {
		name string
		loc  Locator
		want string
	}{
		{"xpath passthrough", XPath("//button[text()='核對']"), "//button[text()='核對']"},
		{"name", Name("form.fla.surName"), "//*[@name='form.fla.surName']"},
		{"id", ID("mat-input-17"), "//*[@id='mat-input-17']"},
		{"label for", LabelFor("SA"), "//*[@id=//label[normalize-space(text())='SA']/@for]"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.loc.xpath())
		})
	}
}

func TestLocatorQuery(t *testing.T) {
	sel, opts := CSS("div.MuiGrid2-root iframe").query()
	assert.Equal(t, "div.MuiGrid2-root iframe", sel)
	assert.Len(t, opts, 1)

	sel, _ = Name(`form."odd"`).query()
	assert.Equal(t, `[name="form.\"odd\""]`, sel)

	sel, _ = ID("submit").query()
	assert.Equal(t, "submit", sel)
}

func TestLocatorJSElement(t *testing.T) {
	assert.Equal(t, `document.querySelector(".title")`, CSS(".title").jsElement())
	assert.Contains(t, Name("password").jsElement(), `document.evaluate("//*[@name='password']"`)
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, "'plain'", XPathLiteral("plain"))
	assert.Equal(t, `"it's"`, XPathLiteral("it's"))
	assert.Equal(t, `concat('a',"'",'b"c')`, XPathLiteral(`a'b"c`))
	assert.Equal(t, `"'"`, XPathLiteral(`'`))
}

func TestLocatorValidate(t *testing.T) {
	require.NoError(t, LabelFor("SA").Validate())
	assert.Error(t, Locator{By: ByXPath}.Validate())
	assert.Error(t, Locator{By: "shadow", Value: "x"}.Validate())
}

func TestClassify(t *testing.T) {
	loc := XPath("//a")

	assert.Nil(t, classify("click", loc, nil, nil))

	err := classify("click", loc, context.DeadlineExceeded, nil)
	assert.True(t, IsKind(err, KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = classify("click", loc, errors.New("boom"), context.Canceled)
	assert.True(t, IsKind(err, KindClosed))

	err = classify("click", loc, errors.New("could not find node"), nil)
	assert.True(t, IsKind(err, KindNotFound))
	assert.Contains(t, err.Error(), "browser click xpath=//a: not-found")

	original := &Error{Op: "fill", Kind: KindIntercepted}
	assert.Same(t, original, classify("click", loc, original, nil))

	wrapped := fmt.Errorf("stage failed: %w", original)
	assert.True(t, IsKind(wrapped, KindIntercepted))
	assert.False(t, IsKind(errors.New("plain"), KindIntercepted))
}
