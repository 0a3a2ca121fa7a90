package document

// FieldSet selects a subset of a document's fields for retrieval.
type FieldSet struct {
	all   bool
	names map[string]struct{}
}

// AllFields selects every field.
func AllFields() FieldSet { return FieldSet{all: true} }

// NoFields selects only document identity, no field content.
func NoFields() FieldSet { return FieldSet{} }

// Fields selects the named fields.
func Fields(names ...string) FieldSet {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return FieldSet{names: set}
}

// All reports whether the set selects every field.
func (fs FieldSet) All() bool { return fs.all }

// Contains reports whether the named field is selected.
func (fs FieldSet) Contains(name string) bool {
	if fs.all {
		return true
	}
	_, ok := fs.names[name]
	return ok
}

// Apply returns a copy of doc restricted to the selected fields.
// The input document is never modified.
func (fs FieldSet) Apply(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	if fs.all {
		return doc.Clone()
	}
	out := New(doc.ID, doc.Type)
	for name := range fs.names {
		if v, ok := doc.Fields[name]; ok {
			out.Fields[name] = v
		}
	}
	return out
}
