// Package selection describes which document versions an iterator visits.
//
// A selection combines an optional document predicate with optional
// timestamp constraints. Predicates use the connor filter language encoded
// as JSON, evaluated against the document's field map, e.g.
//
//	{"headerval": {"$eq": 3}}
//	{"author": "alice", "views": {"$gt": 100}}
//
// An empty expression matches every document.
package selection

import (
	"errors"
	"fmt"

	"github.com/SierraSoftworks/connor"

	"github.com/hupe1980/bucketgo/codec"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
)

// ErrBadExpression is returned when a selection expression does not parse.
var ErrBadExpression = errors.New("malformed selection expression")

// IncludedVersions controls which entry versions an iterator returns.
type IncludedVersions uint8

const (
	// NewestOnly returns the newest put per document id; ids whose newest
	// entry is a tombstone are skipped.
	NewestOnly IncludedVersions = iota
	// NewestOrRemove returns the newest entry per document id, tombstones
	// included.
	NewestOrRemove
	// AllVersions returns every retained entry.
	AllVersions
)

// Selection is a predicate plus timestamp filter over a bucket's entries.
type Selection struct {
	// Expression is a JSON-encoded connor filter over document fields.
	// Empty matches all documents.
	Expression string
	// From and To bound entry timestamps inclusively. A zero To means
	// unbounded.
	From model.Timestamp
	To   model.Timestamp
	// Timestamps, when non-empty, restricts iteration to exactly these
	// timestamps and overrides From/To.
	Timestamps []model.Timestamp
}

// All matches every entry.
func All() Selection { return Selection{} }

// Matcher is a compiled selection.
type Matcher struct {
	filter     map[string]any
	from, to   model.Timestamp
	timestamps map[model.Timestamp]struct{}
}

// Compile parses the selection. A malformed expression yields
// ErrBadExpression; by contract callers surface that as a permanent error.
func Compile(sel Selection) (*Matcher, error) {
	m := &Matcher{from: sel.From, to: sel.To}
	if m.to == 0 {
		m.to = model.MaxTimestamp
	}
	if sel.Expression != "" {
		var filter map[string]any
		if err := codec.Default.Unmarshal([]byte(sel.Expression), &filter); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadExpression, err)
		}
		m.filter = filter
	}
	if len(sel.Timestamps) > 0 {
		m.timestamps = make(map[model.Timestamp]struct{}, len(sel.Timestamps))
		for _, ts := range sel.Timestamps {
			m.timestamps[ts] = struct{}{}
		}
	}
	return m, nil
}

// MatchTimestamp reports whether an entry at ts passes the timestamp filter.
func (m *Matcher) MatchTimestamp(ts model.Timestamp) bool {
	if m.timestamps != nil {
		_, ok := m.timestamps[ts]
		return ok
	}
	return ts >= m.from && ts <= m.to
}

// MatchDocument reports whether doc passes the field predicate. Tombstones
// carry no fields; callers pass nil and tombstones always match, so removes
// stay visible to reconciliation regardless of the predicate.
func (m *Matcher) MatchDocument(doc *document.Document) (bool, error) {
	if m.filter == nil || doc == nil {
		return true, nil
	}
	match, err := connor.Match(m.filter, doc.Fields)
	if err != nil {
		return false, fmt.Errorf("evaluate selection: %w", err)
	}
	return match, nil
}
