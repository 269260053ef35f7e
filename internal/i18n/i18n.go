// Package i18n renders user facing texts from per-language JSON templates.
package i18n

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"retouchbot/internal/models"

	"go.uber.org/zap"
)

// Missing is shown instead of a template that does not exist
const Missing = "❌ ERROR"

// Localizer looks up templates by language and key
type Localizer struct {
	translations map[string]map[string]string
	logger       *zap.Logger
}

// NewLocalizer loads every <LANG>.json file found at the root of fsys
func NewLocalizer(fsys fs.FS, logger *zap.Logger) (*Localizer, error) {
	files, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list locale files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no locale files found")
	}

	l := &Localizer{
		translations: make(map[string]map[string]string, len(files)),
		logger:       logger,
	}
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read locale file %s: %w", file, err)
		}

		var data map[string]string
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, fmt.Errorf("failed to parse locale file %s: %w", file, err)
		}

		lang := strings.ToUpper(strings.TrimSuffix(path.Base(file), ".json"))
		l.translations[lang] = data
		logger.Info("Loaded locale", zap.String("lang", lang), zap.Int("keys", len(data)))
	}
	return l, nil
}

// Get renders the template for key, replacing ${name} placeholders with params
func (l *Localizer) Get(lang models.Language, key string, params map[string]string) string {
	tmpl, ok := l.translations[lang.Value][key]
	if !ok {
		l.logger.Warn("Missing translation",
			zap.String("lang", lang.Value),
			zap.String("key", key))
		return Missing
	}
	for name, value := range params {
		tmpl = strings.ReplaceAll(tmpl, "${"+name+"}", value)
	}
	return tmpl
}

// Has reports whether a template exists
func (l *Localizer) Has(lang models.Language, key string) bool {
	_, ok := l.translations[lang.Value][key]
	return ok
}
