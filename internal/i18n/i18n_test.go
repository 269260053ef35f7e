package i18n

import (
	"testing"
	"testing/fstest"

	"retouchbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLocalizer(t *testing.T) *Localizer {
	t.Helper()

	fsys := fstest.MapFS{
		"EN.json": {Data: []byte(`{"welcome":"Hi, ${name}!","photo_sent":"Processing ${progress}"}`)},
		"ru.json": {Data: []byte(`{"welcome":"Привет, ${name}!"}`)},
	}
	l, err := NewLocalizer(fsys, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestLocalizer_Get(t *testing.T) {
	l := testLocalizer(t)

	tests := []struct {
		name   string
		lang   models.Language
		key    string
		params map[string]string
		want   string
	}{
		{"substitutes params", models.LanguageEN, "welcome", map[string]string{"name": "Ann"}, "Hi, Ann!"},
		{"file name case is ignored", models.LanguageRU, "welcome", map[string]string{"name": "Аня"}, "Привет, Аня!"},
		{"unknown params stay", models.LanguageEN, "photo_sent", nil, "Processing ${progress}"},
		{"missing key", models.LanguageRU, "photo_sent", nil, Missing},
		{"unknown language", models.Language{Value: "DE"}, "welcome", nil, Missing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Get(tt.lang, tt.key, tt.params))
		})
	}
}

func TestNewLocalizer_Errors(t *testing.T) {
	_, err := NewLocalizer(fstest.MapFS{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewLocalizer(fstest.MapFS{"EN.json": {Data: []byte(`not json`)}}, zap.NewNop())
	assert.Error(t, err)
}
