// Package document holds document values, field subsets and partial updates.
//
// A document is an id plus a type name and a flat field map. Field values
// are plain JSON-compatible Go values (string, float64, bool, nested maps
// and slices), matching what the configured codec produces on decode.
package document

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bucketgo/codec"
	"github.com/hupe1980/bucketgo/model"
)

// ErrUnknownType is returned when a payload references a document type the
// repo does not know.
var ErrUnknownType = errors.New("unknown document type")

// Document is one version of a stored document.
type Document struct {
	ID     model.DocumentID `json:"id"`
	Type   string           `json:"type"`
	Fields map[string]any   `json:"fields"`
}

// New creates a document with an empty field map.
func New(id model.DocumentID, docType string) *Document {
	return &Document{ID: id, Type: docType, Fields: map[string]any{}}
}

// Clone returns a deep-enough copy: the field map is copied one level deep,
// which is sufficient as long as callers treat nested values as immutable.
func (d *Document) Clone() *Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return &Document{ID: d.ID, Type: d.Type, Fields: fields}
}

// EncodedSize returns the byte size of the document under c. It is used for
// bucket size accounting and iterator chunk budgeting.
func (d *Document) EncodedSize(c codec.Codec) int {
	if c == nil {
		c = codec.Default
	}
	b, err := c.Marshal(d)
	if err != nil {
		return 0
	}
	return len(b)
}

// DocType describes one document type known to the repo.
type DocType struct {
	Name string
}

// Repo is the registry of document types used to validate payloads when they
// cross node boundaries (merge diff application, snapshot restore).
type Repo struct {
	types map[string]*DocType
}

// NewRepo creates a repo holding the given types.
func NewRepo(types ...*DocType) *Repo {
	r := &Repo{types: make(map[string]*DocType, len(types))}
	for _, t := range types {
		r.types[t.Name] = t
	}
	return r
}

// Lookup returns the named type.
func (r *Repo) Lookup(name string) (*DocType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Decode deserializes a document payload and validates its type against the
// repo. A nil repo accepts every type.
func (r *Repo) Decode(c codec.Codec, payload []byte) (*Document, error) {
	if c == nil {
		c = codec.Default
	}
	var d Document
	if err := c.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	if r != nil && r.types != nil {
		if _, ok := r.types[d.Type]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
		}
	}
	return &d, nil
}
