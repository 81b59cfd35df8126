package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"en_US.UTF-8", language.English},
		{"de_DE.UTF-8", language.German},
		{"de-DE,de;q=0.9", language.German},
		{"fr_FR", language.English},
		{"C", language.English},
		{"", language.English},
	}
	for _, tt := range tests {
		got := MatchLanguage(tt.locale)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "locale %q", tt.locale)
	}
}

func TestLocaleFromEnv(t *testing.T) {
	env := map[string]string{"LANG": "en_US.UTF-8", "LC_MESSAGES": "de_DE.UTF-8"}
	assert.Equal(t, "de_DE.UTF-8", LocaleFromEnv(func(k string) string { return env[k] }))

	env["LC_ALL"] = "C"
	assert.Equal(t, "C", LocaleFromEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "", LocaleFromEnv(func(string) string { return "" }))
}

func TestPrinterGroupsNumbers(t *testing.T) {
	assert.Equal(t, "1,234", message.NewPrinter(MatchLanguage("en_US")).Sprintf("%d", 1234))
	assert.Equal(t, "1.234", message.NewPrinter(MatchLanguage("de_DE")).Sprintf("%d", 1234))
}
