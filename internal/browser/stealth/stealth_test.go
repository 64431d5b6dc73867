// internal/browser/stealth/stealth_test.go
package stealth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "zh-HK,zh;q=0.9,en;q=0.8", DefaultPersona.AcceptLanguage())
	assert.Equal(t, "en-US", Persona{Languages: []string{"en-US"}}.AcceptLanguage())
	assert.Equal(t, "", Persona{}.AcceptLanguage())
}

func TestApply(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	tasks := Apply(DefaultPersona, zap.New(core))
	assert.Len(t, tasks, 5, "user agent, script, timezone, locale, headers")
	assert.Equal(t, 1, logs.FilterMessage("Applying browser stealth persona").Len())

	minimal := Apply(Persona{UserAgent: "ua"}, zap.NewNop())
	assert.Len(t, minimal, 2, "optional overrides are skipped when unset")
}

func TestEvasionsScriptEmbedded(t *testing.T) {
	assert.NotEmpty(t, evasionsScript)
	assert.Contains(t, evasionsScript, "webdriver")
}
