package document

import (
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/hupe1980/bucketgo/codec"
	"github.com/hupe1980/bucketgo/model"
)

// Update is a partial field update for one document, expressed as a JSON
// merge patch (RFC 7386) over the document's field map.
type Update struct {
	ID   model.DocumentID
	Type string
	// Patch is the merge patch applied to the field map. Fields set to null
	// are removed, other fields are replaced or added.
	Patch []byte
	// CreateIfMissing makes the update synthesize a new document from the
	// patch when no live document exists.
	CreateIfMissing bool
}

// NewUpdate builds an update whose patch is the encoded form of fields.
func NewUpdate(id model.DocumentID, docType string, fields map[string]any) (*Update, error) {
	patch, err := codec.Default.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode update patch: %w", err)
	}
	return &Update{ID: id, Type: docType, Patch: patch}, nil
}

// Apply merges the patch onto doc and returns the patched document. When doc
// is nil the patch is applied to an empty document of the update's type;
// callers gate that path on CreateIfMissing.
func (u *Update) Apply(doc *Document) (*Document, error) {
	base := doc
	if base == nil {
		base = New(u.ID, u.Type)
	}
	original, err := codec.Default.Marshal(base.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode document fields: %w", err)
	}
	merged, err := jsonpatch.MergePatch(original, u.Patch)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	out := New(base.ID, base.Type)
	if err := codec.Default.Unmarshal(merged, &out.Fields); err != nil {
		return nil, fmt.Errorf("decode patched fields: %w", err)
	}
	return out, nil
}
