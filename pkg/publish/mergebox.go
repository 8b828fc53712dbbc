package publish

import (
	"sort"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/l7mp/dpublish/pkg/metrics"
	"github.com/l7mp/dpublish/pkg/object"
)

// entry is a published document with the number of tree paths that include it.
type entry struct {
	count  int
	fields map[string]any
}

// MergeBox merges the documents published by the nodes of a composite publication into a single
// output. Each document is reference-counted by the number of node memberships that include it:
// the first membership publishes the document, the last one to go unpublishes it.
//
// The MergeBox is not safe for concurrent use, the publication serializes access.
type MergeBox struct {
	name    string
	entries map[object.Key]*entry
	sink    Sink
	log     logr.Logger
}

// NewMergeBox creates an empty merge box emitting to a sink.
func NewMergeBox(name string, sink Sink, logger logr.Logger) *MergeBox {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	return &MergeBox{
		name:    name,
		entries: make(map[object.Key]*entry),
		sink:    sink,
		log:     logger,
	}
}

// Acquire registers a membership for a document. The first membership publishes the document,
// further memberships only publish a change when they carry different fields.
func (m *MergeBox) Acquire(key object.Key, fields map[string]any) error {
	if e, ok := m.entries[key]; ok {
		e.count++
		m.log.V(5).Info("acquire", "key", key.String(), "count", e.count)
		if !object.FieldsEqual(e.fields, fields) {
			e.fields = fields
			m.emitChanged(key, fields)
		}
		return nil
	}

	m.entries[key] = &entry{count: 1, fields: fields}
	m.log.V(5).Info("acquire", "key", key.String(), "count", 1)
	metrics.PublishedDocuments.WithLabelValues(m.name).Inc()
	metrics.EmittedEvents.WithLabelValues(m.name, "added").Inc()
	m.sink.Added(key, copyFields(fields))

	return nil
}

// Release drops a membership. The document is unpublished when the last membership goes.
// Releasing a document without memberships is an invariant violation.
func (m *MergeBox) Release(key object.Key) error {
	e, ok := m.entries[key]
	if !ok {
		return &InvariantError{Op: "release", Key: key, Message: "no membership to release"}
	}

	e.count--
	m.log.V(5).Info("release", "key", key.String(), "count", e.count)
	if e.count > 0 {
		return nil
	}

	delete(m.entries, key)
	metrics.PublishedDocuments.WithLabelValues(m.name).Dec()
	metrics.EmittedEvents.WithLabelValues(m.name, "removed").Inc()
	m.sink.Removed(key)

	return nil
}

// NoteFieldsChanged publishes new fields for a document, at most once however many memberships
// the document has.
func (m *MergeBox) NoteFieldsChanged(key object.Key, fields map[string]any) error {
	e, ok := m.entries[key]
	if !ok {
		return &InvariantError{Op: "change", Key: key, Message: "document not published"}
	}

	if object.FieldsEqual(e.fields, fields) {
		return nil
	}

	e.fields = fields
	m.emitChanged(key, fields)

	return nil
}

func (m *MergeBox) emitChanged(key object.Key, fields map[string]any) {
	m.log.V(5).Info("changed", "key", key.String(), "fields", object.DumpFields(fields))
	metrics.EmittedEvents.WithLabelValues(m.name, "changed").Inc()
	m.sink.Changed(key, copyFields(fields))
}

// Len returns the number of published documents.
func (m *MergeBox) Len() int { return len(m.entries) }

// Count returns the number of memberships of a document, 0 if it is not published.
func (m *MergeBox) Count(key object.Key) int {
	if e, ok := m.entries[key]; ok {
		return e.count
	}
	return 0
}

// Fields returns the last published fields of a document.
func (m *MergeBox) Fields(key object.Key) (map[string]any, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return copyFields(e.fields), true
}

// Keys returns the keys of the published documents, sorted.
func (m *MergeBox) Keys() []object.Key {
	ret := make([]object.Key, 0, len(m.entries))
	for k := range m.entries {
		ret = append(ret, k)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Collection != ret[j].Collection {
			return ret[i].Collection < ret[j].Collection
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// Reset drops all entries without emitting anything. It returns the number of entries dropped.
func (m *MergeBox) Reset() int {
	n := len(m.entries)
	if n > 0 {
		metrics.PublishedDocuments.WithLabelValues(m.name).Sub(float64(n))
	}
	m.entries = make(map[object.Key]*entry)
	return n
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return runtime.DeepCopyJSON(fields)
}
