package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
)

func TestCompile_BadExpression(t *testing.T) {
	_, err := Compile(Selection{Expression: `{"unterminated`})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadExpression)
}

func TestMatcher_FieldPredicate(t *testing.T) {
	m, err := Compile(Selection{Expression: `{"views": {"$gt": 100}}`})
	require.NoError(t, err)

	hot := document.New("doc:hot", "article")
	hot.Fields["views"] = float64(250)
	cold := document.New("doc:cold", "article")
	cold.Fields["views"] = float64(3)

	match, err := m.MatchDocument(hot)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = m.MatchDocument(cold)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestMatcher_TombstonesAlwaysMatch(t *testing.T) {
	m, err := Compile(Selection{Expression: `{"author": "alice"}`})
	require.NoError(t, err)

	// Tombstones carry no fields; reconciliation must still see them.
	match, err := m.MatchDocument(nil)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestMatcher_TimestampRange(t *testing.T) {
	m, err := Compile(Selection{From: 10, To: 20})
	require.NoError(t, err)

	assert.False(t, m.MatchTimestamp(9))
	assert.True(t, m.MatchTimestamp(10))
	assert.True(t, m.MatchTimestamp(20))
	assert.False(t, m.MatchTimestamp(21))
}

func TestMatcher_ZeroToIsUnbounded(t *testing.T) {
	m, err := Compile(Selection{From: 5})
	require.NoError(t, err)
	assert.True(t, m.MatchTimestamp(model.MaxTimestamp))
}

func TestMatcher_TimestampSubset(t *testing.T) {
	m, err := Compile(Selection{From: 100, To: 200, Timestamps: []model.Timestamp{7, 42}})
	require.NoError(t, err)

	// An explicit subset overrides the range.
	assert.True(t, m.MatchTimestamp(7))
	assert.True(t, m.MatchTimestamp(42))
	assert.False(t, m.MatchTimestamp(150))
}
