package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"Empty pattern", ""},
		{"Empty segment", "orders..daily"},
		{"Trailing separator", "orders."},
		{"Leading separator", ".orders"},
		{"Multi wildcard not final", "orders.**.daily"},
		{"Partial wildcard in segment", "orders.dai*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompilePattern(tt.pattern)
			require.Error(t, err)
			assert.True(t, hasCode(err, ErrCodeInvalidPattern))
		})
	}
}

func TestPattern_Matches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		target  string
		want    bool
	}{
		{"Exact match", "orders.daily", "orders.daily", true},
		{"Exact mismatch", "orders.daily", "orders.weekly", false},
		{"Single wildcard matches one segment", "ai.models.*", "ai.models.gpt4", true},
		{"Single wildcard rejects deeper target", "ai.models.*", "ai.models.gpt4.turbo", false},
		{"Single wildcard rejects shorter target", "ai.models.*", "ai.models", false},
		{"Single wildcard mid-pattern", "ai.*.status", "ai.gpt4.status", true},
		{"Single wildcard mid-pattern mismatch", "ai.*.status", "ai.gpt4.health", false},
		{"Multi wildcard matches one level", "reports.**", "reports.daily", true},
		{"Multi wildcard matches any depth", "reports.**", "reports.daily.summary.q3", true},
		{"Multi wildcard requires a segment below prefix", "reports.**", "reports", false},
		{"Multi wildcard prefix mismatch", "reports.**", "alerts.daily", false},
		{"Global wildcard matches flat name", "*", "inbox", true},
		{"Global wildcard matches deep name", "*", "reports.daily.summary", true},
		{"Empty target never matches", "*", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompilePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Matches(tt.target))
		})
	}
}

func TestPattern_IsLiteral(t *testing.T) {
	literal, err := CompilePattern("orders.daily")
	require.NoError(t, err)
	assert.True(t, literal.IsLiteral())

	wild, err := CompilePattern("orders.*")
	require.NoError(t, err)
	assert.False(t, wild.IsLiteral())

	global, err := CompilePattern("*")
	require.NoError(t, err)
	assert.False(t, global.IsLiteral())
}

func TestPatternCache(t *testing.T) {
	cache := NewPatternCache()

	p1, err := cache.Get("orders.*")
	require.NoError(t, err)
	p2, err := cache.Get("orders.*")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Get("bad..pattern")
	assert.Error(t, err)
	assert.Equal(t, 1, cache.Len())

	cache.Invalidate("orders.*")
	assert.Equal(t, 0, cache.Len())

	_, err = cache.Get("a.b")
	require.NoError(t, err)
	cache.Reset()
	assert.Equal(t, 0, cache.Len())
}

func TestStoreChannelPattern(t *testing.T) {
	assert.Equal(t, "*", StoreChannelPattern("*"))
	assert.Equal(t, "ai.models.*", StoreChannelPattern("ai.models.*"))
	assert.Equal(t, "ai.*", StoreChannelPattern("ai.**"))
	assert.Equal(t, "ai.*", StoreChannelPattern("ai.*.status"))
	assert.Equal(t, "orders.daily", StoreChannelPattern("orders.daily"))
}
