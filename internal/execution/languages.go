// ABOUTME: Language tag normalization applied before dispatch
// ABOUTME: Maps common short names to the runner's canonical identifiers

package execution

import "strings"

var languageAliases = map[string]string{
	"js":     "javascript",
	"node":   "javascript",
	"py":     "python",
	"py3":    "python",
	"ts":     "typescript",
	"c++":    "cpp",
	"golang": "go",
	"rb":     "ruby",
	"rs":     "rust",
	"sh":     "bash",
}

// NormalizeLanguage lowercases lang and resolves known aliases.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if canonical, ok := languageAliases[lang]; ok {
		return canonical
	}
	return lang
}
