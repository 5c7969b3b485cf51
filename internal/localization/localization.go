// Package localization holds the texts the Telegram bot sends, one JSON file per language.
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

//go:embed translations/*.json
var builtin embed.FS

// DefaultLang is used when a key is missing in the requested language.
const DefaultLang = "en"

// Localizer is read-only after construction and safe for concurrent use.
type Localizer struct {
	// lang -> key -> text
	texts map[string]map[string]string
}

// NewLocalizer loads every "<lang>.json" file found in dir of fsys.
func NewLocalizer(fsys fs.FS, dir string) (*Localizer, error) {
	names, err := fs.Glob(fsys, path.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("localization: %w", err)
	}

	l := &Localizer{texts: make(map[string]map[string]string, len(names))}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("localization: read %s: %w", name, err)
		}
		texts := make(map[string]string)
		if err := json.Unmarshal(data, &texts); err != nil {
			return nil, fmt.Errorf("localization: parse %s: %w", name, err)
		}
		l.texts[strings.TrimSuffix(path.Base(name), ".json")] = texts
	}
	return l, nil
}

// Default returns a Localizer with the translations compiled into the binary.
func Default() (*Localizer, error) {
	return NewLocalizer(builtin, "translations")
}

// Supports reports whether a translation file for lang was loaded.
func (l *Localizer) Supports(lang string) bool {
	_, ok := l.texts[lang]
	return ok
}

// GetString returns the text for key in lang, then in DefaultLang, then the key itself.
func (l *Localizer) GetString(lang, key string) string {
	if text, ok := l.texts[lang][key]; ok {
		return text
	}
	if text, ok := l.texts[DefaultLang][key]; ok {
		return text
	}
	return key
}

// Format looks up key and fills it with args.
func (l *Localizer) Format(lang, key string, args ...any) string {
	return fmt.Sprintf(l.GetString(lang, key), args...)
}
