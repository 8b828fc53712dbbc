package store

import (
	"sync/atomic"

	toolscache "k8s.io/client-go/tools/cache"

	"github.com/l7mp/dpublish/pkg/object"
)

// Handler receives the changes of the matching set of a live query.
type Handler interface {
	// OnAdded is called when a document enters the matching set.
	OnAdded(obj object.Object)
	// OnChanged is called when a document in the matching set is updated and still matches.
	OnChanged(oldObj, newObj object.Object)
	// OnRemoved is called when a document leaves the matching set, either because it was
	// removed or because an update made it stop matching. The last matching version is passed.
	OnRemoved(obj object.Object)
}

// HandlerFuncs is an adaptor to let you easily specify as many or as few of the notification
// functions as you want while still implementing Handler.
type HandlerFuncs struct {
	AddedFunc   func(obj object.Object)
	ChangedFunc func(oldObj, newObj object.Object)
	RemovedFunc func(obj object.Object)
}

// OnAdded calls AddedFunc if it's not nil.
func (h HandlerFuncs) OnAdded(obj object.Object) {
	if h.AddedFunc != nil {
		h.AddedFunc(obj)
	}
}

// OnChanged calls ChangedFunc if it's not nil.
func (h HandlerFuncs) OnChanged(oldObj, newObj object.Object) {
	if h.ChangedFunc != nil {
		h.ChangedFunc(oldObj, newObj)
	}
}

// OnRemoved calls RemovedFunc if it's not nil.
func (h HandlerFuncs) OnRemoved(obj object.Object) {
	if h.RemovedFunc != nil {
		h.RemovedFunc(obj)
	}
}

var _ toolscache.ResourceEventHandler = &LiveQuery{}

// LiveQuery is a query registered against a collection. It converts the raw collection events
// into enter/change/leave events relative to the query.
type LiveQuery struct {
	query        *Query
	informer     *Informer
	handler      Handler
	registration toolscache.ResourceEventHandlerRegistration
	stopped      atomic.Bool
}

// Query returns the query observed.
func (l *LiveQuery) Query() *Query { return l.query }

// Stop deregisters the live query. No handler call starts after Stop returns. Stop is
// idempotent.
func (l *LiveQuery) Stop() {
	if l.stopped.Swap(true) {
		return
	}
	if l.registration != nil {
		l.informer.RemoveEventHandler(l.registration) //nolint:errcheck
	}
}

// OnAdd implements toolscache.ResourceEventHandler.
func (l *LiveQuery) OnAdd(obj any, _ bool) {
	o, ok := obj.(object.Object)
	if !ok || l.stopped.Load() {
		return
	}
	if l.query.Matches(o) {
		l.handler.OnAdded(o)
	}
}

// OnUpdate implements toolscache.ResourceEventHandler.
func (l *LiveQuery) OnUpdate(oldObj, newObj any) {
	oldO, ok1 := oldObj.(object.Object)
	newO, ok2 := newObj.(object.Object)
	if !ok1 || !ok2 || l.stopped.Load() {
		return
	}

	oldMatch, newMatch := l.query.Matches(oldO), l.query.Matches(newO)
	switch {
	case oldMatch && newMatch:
		l.handler.OnChanged(oldO, newO)
	case !oldMatch && newMatch:
		l.handler.OnAdded(newO)
	case oldMatch && !newMatch:
		l.handler.OnRemoved(oldO)
	}
}

// OnDelete implements toolscache.ResourceEventHandler.
func (l *LiveQuery) OnDelete(obj any) {
	o, ok := obj.(object.Object)
	if !ok || l.stopped.Load() {
		return
	}
	if l.query.Matches(o) {
		l.handler.OnRemoved(o)
	}
}
