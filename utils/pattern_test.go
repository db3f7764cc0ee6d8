package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func TestCompilePatternEmpty(t *testing.T) {
	_, err := CompilePattern("")
	assert.ErrorIs(t, err, types.ErrInvalidPattern)
}

func TestMatcherExact(t *testing.T) {
	m, err := CompilePattern("user:42")
	require.NoError(t, err)

	assert.True(t, m.Match("user:42"))
	assert.False(t, m.Match("user:421"))
	assert.False(t, m.Match("user:4"))
	assert.False(t, m.MatchAll())
	assert.Equal(t, "user:42", m.Pattern())
}

func TestMatcherWildcard(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"user:*", "user:42", true},
		{"user:*", "user:", true},
		{"user:*", "order:42", false},
		{"*:42", "user:42", true},
		{"*:42", "user:43", false},
		{"user:*:profile", "user:42:profile", true},
		{"user:*:profile", "user:42:settings", false},
		{"*", "anything", true},
		{"*", "", true},
	}

	for _, tc := range cases {
		m, err := CompilePattern(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.match, m.Match(tc.key), "%s against %s", tc.pattern, tc.key)
	}
}

func TestMatcherLiteralRegexChars(t *testing.T) {
	// Regex metacharacters in the pattern are literal.
	m, err := CompilePattern("price[USD]:*")
	require.NoError(t, err)

	assert.True(t, m.Match("price[USD]:item"))
	assert.False(t, m.Match("priceU:item"))
}

func TestMatcherMatchAll(t *testing.T) {
	m, err := CompilePattern("*")
	require.NoError(t, err)
	assert.True(t, m.MatchAll())
}
