package localization

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LoadsBuiltinLanguages(t *testing.T) {
	l, err := Default()
	require.NoError(t, err)

	for _, lang := range []string{"en", "uk"} {
		for _, key := range []string{"friendship_requested", "friendship_accepted", "friendship_declined", "linked", "help"} {
			assert.NotEqual(t, key, l.GetString(lang, key), "%s/%s missing", lang, key)
		}
	}
}

func TestGetString_Fallbacks(t *testing.T) {
	fsys := fstest.MapFS{
		"tr/en.json": {Data: []byte(`{"hello":"Hello %s","only_en":"English"}`)},
		"tr/uk.json": {Data: []byte(`{"hello":"Привіт %s"}`)},
		"tr/notes.txt": {Data: []byte(`ignored`)},
	}
	l, err := NewLocalizer(fsys, "tr")
	require.NoError(t, err)

	assert.Equal(t, "Привіт Олю", l.Format("uk", "hello", "Олю"))
	assert.Equal(t, "English", l.GetString("uk", "only_en"))
	assert.Equal(t, "English", l.GetString("de", "only_en"))
	assert.Equal(t, "missing", l.GetString("uk", "missing"))

	assert.True(t, l.Supports("uk"))
	assert.False(t, l.Supports("notes"))
	assert.False(t, l.Supports("de"))
}

func TestNewLocalizer_BadJSON(t *testing.T) {
	fsys := fstest.MapFS{"tr/en.json": {Data: []byte(`{`)}}
	_, err := NewLocalizer(fsys, "tr")
	assert.Error(t, err)
}
