// Package match routes documents by their original filename using
// doublestar glob semantics.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizeFilename converts an uploaded filename to slash form. Browsers on
// Windows may submit backslash-separated paths.
func NormalizeFilename(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Unescaped backslashes become forward slashes; escaped glob metacharacters
// (\*, \?, \[ ...) are preserved for literal matching.
//
//	"contracts\**\*.pdf"  → "contracts/**/*.pdf"
//	"report\*.pdf"        → "report\*.pdf"
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			result.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		result.WriteRune('/')
	}
	return result.String()
}
