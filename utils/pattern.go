package utils

import (
	"regexp"
	"strings"

	"github.com/saiset-co/sai-cache/types"
)

// Matcher matches raw cache keys against a glob pattern where '*' is the
// only wildcard. Everything else is literal.
type Matcher struct {
	pattern string
	exact   bool
	re      *regexp.Regexp
}

func CompilePattern(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, types.ErrInvalidPattern
	}

	if !strings.Contains(pattern, "*") {
		return &Matcher{pattern: pattern, exact: true}, nil
	}

	parts := strings.Split(pattern, "*")
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = regexp.QuoteMeta(part)
	}

	re, err := regexp.Compile("^" + strings.Join(quoted, ".*") + "$")
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidPattern, "pattern: %s", pattern)
	}

	return &Matcher{pattern: pattern, re: re}, nil
}

func (m *Matcher) Match(key string) bool {
	if m.exact {
		return key == m.pattern
	}
	return m.re.MatchString(key)
}

func (m *Matcher) Pattern() string {
	return m.pattern
}

// MatchAll reports whether the pattern matches every key ("*").
func (m *Matcher) MatchAll() bool {
	return m.pattern == "*"
}
