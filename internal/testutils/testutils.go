// Package testutils provides helpers to test publications.
package testutils

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/l7mp/dpublish/pkg/object"
	"github.com/l7mp/dpublish/pkg/util"
)

// Event is a sink call recorded by a Recorder.
type Event struct {
	// Type is one of "added", "changed", "removed", "ready" or "error".
	Type   string
	Key    object.Key
	Fields map[string]any
	Err    error
}

func (e Event) String() string {
	switch e.Type {
	case "ready":
		return "ready"
	case "error":
		return fmt.Sprintf("error:%v", e.Err)
	default:
		return e.Type + ":" + e.Key.String()
	}
}

// Recorder is a sink that logs every call and maintains the document set a subscriber would
// see. Protocol violations, like adding a published document or removing an unknown one, are
// collected instead of panicking. Recorder is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	events     []Event
	docs       map[object.Key]map[string]any
	ready      int
	err        error
	violations []string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{docs: make(map[object.Key]map[string]any)}
}

func (r *Recorder) Added(key object.Key, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkTerminated("added", key)
	if _, ok := r.docs[key]; ok {
		r.violations = append(r.violations, "duplicate added: "+key.String())
	}
	r.docs[key] = runtime.DeepCopyJSON(fields)
	r.events = append(r.events, Event{Type: "added", Key: key, Fields: fields})
}

func (r *Recorder) Changed(key object.Key, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkTerminated("changed", key)
	prev, ok := r.docs[key]
	if !ok {
		r.violations = append(r.violations, "changed unknown: "+key.String())
	} else if equality.Semantic.DeepEqual(prev, fields) {
		r.violations = append(r.violations, "no-op changed: "+key.String())
	}
	r.docs[key] = runtime.DeepCopyJSON(fields)
	r.events = append(r.events, Event{Type: "changed", Key: key, Fields: fields})
}

func (r *Recorder) Removed(key object.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkTerminated("removed", key)
	if _, ok := r.docs[key]; !ok {
		r.violations = append(r.violations, "removed unknown: "+key.String())
	}
	delete(r.docs, key)
	r.events = append(r.events, Event{Type: "removed", Key: key})
}

func (r *Recorder) Ready() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready++
	if r.ready > 1 {
		r.violations = append(r.violations, "ready sent more than once")
	}
	r.events = append(r.events, Event{Type: "ready"})
}

func (r *Recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		r.violations = append(r.violations, "error sent more than once")
	}
	r.err = err
	r.events = append(r.events, Event{Type: "error", Err: err})
}

func (r *Recorder) checkTerminated(op string, key object.Key) {
	if r.err != nil {
		r.violations = append(r.violations, fmt.Sprintf("%s after error: %s", op, key))
	}
}

// Events returns the recorded events in the order received.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// EventStrings returns the recorded events rendered as "type:collection/id".
func (r *Recorder) EventStrings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return util.Map(Event.String, r.events)
}

// EventsFor returns the event types recorded for a document, in order.
func (r *Recorder) EventsFor(collection, id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := object.Key{Collection: collection, ID: id}
	ret := []string{}
	for _, e := range r.events {
		if e.Key == key {
			ret = append(ret, e.Type)
		}
	}
	return ret
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Published returns the sorted ids of the documents published in a collection.
func (r *Recorder) Published(collection string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := []string{}
	for k := range r.docs {
		if k.Collection == collection {
			ret = append(ret, k.ID)
		}
	}
	sort.Strings(ret)
	return ret
}

// Count returns the number of published documents.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Fields returns the current fields of a published document.
func (r *Recorder) Fields(collection, id string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.docs[object.Key{Collection: collection, ID: id}]
	if !ok {
		return nil, false
	}
	return runtime.DeepCopyJSON(f), true
}

// IsReady reports whether Ready was received.
func (r *Recorder) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready > 0
}

// Err returns the error received, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Violations returns the protocol violations observed.
func (r *Recorder) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.violations...)
}
