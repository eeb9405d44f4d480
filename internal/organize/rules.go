package organize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultCategories maps well-known file extensions to the category
// directory they should be filed under. User configuration can extend or
// override these via RuleSet.Extend.
var defaultCategories = map[string][]string{
	"Videos":    {"mp4", "mkv", "webm", "avi", "mov", "wmv", "flv", "m4v", "mpg", "mpeg", "ts"},
	"Pictures":  {"jpg", "jpeg", "png", "gif", "bmp", "webp", "tiff", "svg", "heic", "ico"},
	"Music":     {"mp3", "wav", "flac", "aac", "ogg", "m4a", "opus", "wma"},
	"Documents": {"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "md", "odt", "csv", "rtf", "epub"},
	"Archives":  {"zip", "rar", "7z", "tar", "gz", "bz2", "xz", "iso"},
	"Apps":      {"exe", "msi", "dmg", "pkg", "deb", "rpm", "appimage", "apk"},
}

// RuleSet decides which category a file belongs to based on it's
// extension. Lookups are case-insensitive.
type RuleSet struct {
	categories map[string]string
}

func DefaultRules() *RuleSet {
	rules := &RuleSet{categories: make(map[string]string)}
	rules.Extend(defaultCategories)
	return rules
}

// Extend merges the category -> extensions mapping provided in to the rule
// set. An extension appearing in multiple categories resolves to the one
// added last, so user configuration overrides the defaults.
func (rules *RuleSet) Extend(overrides map[string][]string) {
	for category, extensions := range overrides {
		for _, ext := range extensions {
			rules.categories[strings.ToLower(strings.TrimPrefix(ext, "."))] = category
		}
	}
}

// CategoryFor returns the category for the path provided, or false if no
// rule matches it's extension.
func (rules *RuleSet) CategoryFor(path string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "", false
	}

	category, ok := rules.categories[ext]
	return category, ok
}

// Categories returns the set of category names known to this rule set.
func (rules *RuleSet) Categories() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, category := range rules.categories {
		if !seen[category] {
			seen[category] = true
			out = append(out, category)
		}
	}

	return out
}

// EnsureUniquePath returns the path provided if nothing exists there, or
// the first variant with ' (n)' inserted before the extension that does
// not collide with an existing file. Existing files are never overwritten.
func EnsureUniquePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", err
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}
