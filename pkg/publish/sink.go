package publish

import (
	"sync/atomic"

	"github.com/l7mp/dpublish/pkg/object"
)

// Sink receives the output of a publication. Calls are serialized. A sink must not call Stop on
// its own publication synchronously from a callback.
type Sink interface {
	// Added is called when a document becomes published.
	Added(key object.Key, fields map[string]any)
	// Changed is called with the full new field set of a published document.
	Changed(key object.Key, fields map[string]any)
	// Removed is called when a document is no longer published.
	Removed(key object.Key)
	// Ready is called once the initial set of documents has been published.
	Ready()
	// Error is called when the session terminates with a fatal error. No call follows.
	Error(err error)
}

// SinkFuncs is an adaptor to implement Sink from functions. Nil functions are no-ops.
type SinkFuncs struct {
	AddedFunc   func(key object.Key, fields map[string]any)
	ChangedFunc func(key object.Key, fields map[string]any)
	RemovedFunc func(key object.Key)
	ReadyFunc   func()
	ErrorFunc   func(err error)
}

func (s SinkFuncs) Added(key object.Key, fields map[string]any) {
	if s.AddedFunc != nil {
		s.AddedFunc(key, fields)
	}
}

func (s SinkFuncs) Changed(key object.Key, fields map[string]any) {
	if s.ChangedFunc != nil {
		s.ChangedFunc(key, fields)
	}
}

func (s SinkFuncs) Removed(key object.Key) {
	if s.RemovedFunc != nil {
		s.RemovedFunc(key)
	}
}

func (s SinkFuncs) Ready() {
	if s.ReadyFunc != nil {
		s.ReadyFunc()
	}
}

func (s SinkFuncs) Error(err error) {
	if s.ErrorFunc != nil {
		s.ErrorFunc(err)
	}
}

// gatedSink drops every call once muted.
type gatedSink struct {
	sink  Sink
	muted atomic.Bool
}

func newGatedSink(s Sink) *gatedSink { return &gatedSink{sink: s} }

func (g *gatedSink) mute() { g.muted.Store(true) }

func (g *gatedSink) Added(key object.Key, fields map[string]any) {
	if !g.muted.Load() {
		g.sink.Added(key, fields)
	}
}

func (g *gatedSink) Changed(key object.Key, fields map[string]any) {
	if !g.muted.Load() {
		g.sink.Changed(key, fields)
	}
}

func (g *gatedSink) Removed(key object.Key) {
	if !g.muted.Load() {
		g.sink.Removed(key)
	}
}

func (g *gatedSink) Ready() {
	if !g.muted.Load() {
		g.sink.Ready()
	}
}

// Error mutes the sink and forwards the error: the error is always the last call.
func (g *gatedSink) Error(err error) {
	if !g.muted.Swap(true) {
		g.sink.Error(err)
	}
}
