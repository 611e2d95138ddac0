package rules

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"repofs/internal/common"
)

// DefaultTempPatterns are the names editors use for transient save files.
// "~*" also covers the "~$name" owner files Office keeps next to a document.
var DefaultTempPatterns = []string{
	"*.tmp",
	"~*",
	"*~",
	"*.wbk",
	"*.bak",
	".~lock*",
}

// TempMatcher decides whether a file name looks like a transient save file.
// Patterns use gitignore syntax and match case-insensitively.
type TempMatcher struct {
	patterns []string
	matcher  *ignore.GitIgnore
}

// NewTempMatcher compiles patterns, falling back to DefaultTempPatterns when
// none are given.
func NewTempMatcher(patterns []string) *TempMatcher {
	if len(patterns) == 0 {
		patterns = DefaultTempPatterns
	}
	lines := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, strings.ToLower(p))
		}
	}
	return &TempMatcher{
		patterns: lines,
		matcher:  ignore.CompileIgnoreLines(lines...),
	}
}

// Patterns returns the compiled patterns.
func (m *TempMatcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// IsTemp reports whether the last element of name matches a temp pattern.
func (m *TempMatcher) IsTemp(name string) bool {
	base := strings.ToLower(common.BaseName(common.NormalizePath(name)))
	if base == "" {
		return false
	}
	return m.matcher.MatchesPath(base)
}
