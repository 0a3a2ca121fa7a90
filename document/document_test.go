package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo/codec"
)

func TestFieldSet_Apply(t *testing.T) {
	doc := New("doc:a", "article")
	doc.Fields["title"] = "hello"
	doc.Fields["views"] = float64(7)

	sub := Fields("title").Apply(doc)
	assert.Equal(t, "hello", sub.Fields["title"])
	assert.NotContains(t, sub.Fields, "views")

	none := NoFields().Apply(doc)
	assert.Empty(t, none.Fields)
	assert.Equal(t, doc.ID, none.ID)

	all := AllFields().Apply(doc)
	assert.Equal(t, doc.Fields, all.Fields)

	// Apply never aliases the source.
	all.Fields["title"] = "mutated"
	assert.Equal(t, "hello", doc.Fields["title"])
}

func TestUpdate_MergePatch(t *testing.T) {
	doc := New("doc:a", "article")
	doc.Fields["title"] = "hello"
	doc.Fields["views"] = float64(7)

	upd, err := NewUpdate("doc:a", "article", map[string]any{
		"views": float64(8),
		"tags":  []any{"go"},
	})
	require.NoError(t, err)

	patched, err := upd.Apply(doc)
	require.NoError(t, err)
	assert.Equal(t, "hello", patched.Fields["title"])
	assert.Equal(t, float64(8), patched.Fields["views"])
	assert.Equal(t, []any{"go"}, patched.Fields["tags"])
}

func TestUpdate_NullRemovesField(t *testing.T) {
	doc := New("doc:a", "article")
	doc.Fields["stale"] = true

	upd, err := NewUpdate("doc:a", "article", map[string]any{"stale": nil})
	require.NoError(t, err)

	patched, err := upd.Apply(doc)
	require.NoError(t, err)
	assert.NotContains(t, patched.Fields, "stale")
}

func TestUpdate_ApplyToNil(t *testing.T) {
	upd, err := NewUpdate("doc:new", "article", map[string]any{"title": "fresh"})
	require.NoError(t, err)

	created, err := upd.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", created.Fields["title"])
	assert.Equal(t, "article", created.Type)
}

func TestRepo_Decode(t *testing.T) {
	repo := NewRepo(&DocType{Name: "article"})

	doc := New("doc:a", "article")
	doc.Fields["n"] = float64(1)
	payload, err := codec.Default.Marshal(doc)
	require.NoError(t, err)

	decoded, err := repo.Decode(codec.Default, payload)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, decoded.ID)
	assert.Equal(t, float64(1), decoded.Fields["n"])

	stranger := New("doc:b", "unknown")
	payload, err = codec.Default.Marshal(stranger)
	require.NoError(t, err)
	_, err = repo.Decode(codec.Default, payload)
	assert.ErrorIs(t, err, ErrUnknownType)
}
