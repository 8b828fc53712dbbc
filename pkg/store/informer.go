package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	toolscache "k8s.io/client-go/tools/cache"

	"github.com/l7mp/dpublish/pkg/object"
)

// Informer holds the documents of a single collection and fans out change events to the
// registered handlers. Mutations and handler registration are serialized by the write lock, so
// every handler observes the mutations of a collection in the same order. Handlers registered
// earlier are notified first.
type Informer struct {
	collection     string
	cache          toolscache.Indexer
	handlers       map[int64]*handlerEntry
	handlerCounter int64
	mutex          sync.RWMutex
	writeMu        sync.Mutex
	log            logr.Logger
}

// handlerEntry defines a handler.
type handlerEntry struct {
	toolscache.ResourceEventHandler
	id int64
}

// HasSynced return true if the informers underlying store has synced.
func (h *handlerEntry) HasSynced() bool {
	return true
}

// NewInformer returns a new informer for a collection.
func NewInformer(collection string, logger logr.Logger) *Informer {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	return &Informer{
		collection: collection,
		cache:      toolscache.NewIndexer(toolscache.MetaNamespaceKeyFunc, toolscache.Indexers{}),
		handlers:   make(map[int64]*handlerEntry),
		log:        logger.WithValues("collection", collection),
	}
}

// AddEventHandler registers a handler and returns the documents stored at the time of
// registration. The handler will see every mutation applied after the returned snapshot. The
// snapshot is not replayed into the handler: the caller processes it synchronously.
func (c *Informer) AddEventHandler(handler toolscache.ResourceEventHandler) (toolscache.ResourceEventHandlerRegistration, []object.Object, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	id := atomic.AddInt64(&c.handlerCounter, 1)
	he := &handlerEntry{
		ResourceEventHandler: handler,
		id:                   id,
	}

	c.mutex.Lock()
	c.handlers[id] = he
	c.mutex.Unlock()

	items := c.cache.List()
	snapshot := make([]object.Object, 0, len(items))
	for _, item := range items {
		obj, ok := item.(object.Object)
		if !ok {
			return nil, nil, apierrors.NewInternalError(errors.New("cache must store object.Objects only"))
		}
		snapshot = append(snapshot, object.DeepCopy(obj))
	}
	object.SortByID(snapshot)

	c.log.V(4).Info("registered event handler", "handler-id", id, "cache-size", len(snapshot))

	return he, snapshot, nil
}

// RemoveEventHandler removes a previously added event handler given by its registration handle.
func (c *Informer) RemoveEventHandler(registration toolscache.ResourceEventHandlerRegistration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if reg, ok := registration.(*handlerEntry); ok {
		c.log.V(4).Info("removing event handler", "handler-id", reg.id)
		delete(c.handlers, reg.id)
		return nil
	}

	return fmt.Errorf("unknown registration type")
}

// HandlerCount returns the number of registered handlers.
func (c *Informer) HandlerCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.handlers)
}

// triggerEvent sends an event to all registered handlers. For all event types except Updated
// the oldObj is ignored. Must be called with the write lock held.
func (c *Informer) triggerEvent(eventType toolscache.DeltaType, oldObj, newObj object.Object) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if len(c.handlers) == 0 {
		c.log.V(8).Info("suppressing event trigger: no handlers", "event", eventType,
			"object", object.Dump(newObj))
		return
	}

	c.log.V(8).Info("triggering event", "event", eventType, "object", object.Dump(newObj))

	// handlers are notified in registration order
	ids := make([]int64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		handler := c.handlers[id]
		switch eventType {
		case toolscache.Added:
			handler.OnAdd(object.DeepCopy(newObj), false)
		case toolscache.Updated:
			handler.OnUpdate(object.DeepCopy(oldObj), object.DeepCopy(newObj))
		case toolscache.Deleted:
			handler.OnDelete(object.DeepCopy(newObj))
		default:
			c.log.V(4).Info("trigger-event: ignoring event", "event", eventType)
		}
	}
}

// get returns the stored document with the given id. Must be called with the write lock held.
func (c *Informer) get(id string) (object.Object, bool, error) {
	item, exists, err := c.cache.GetByKey(id)
	if err != nil || !exists {
		return nil, exists, err
	}
	obj, ok := item.(object.Object)
	if !ok {
		return nil, false, apierrors.NewInternalError(errors.New("cache must store object.Objects only"))
	}
	return obj, true, nil
}

// list returns a deep copy of all documents sorted by id.
func (c *Informer) list() []object.Object {
	items := c.cache.List()
	ret := make([]object.Object, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(object.Object); ok {
			ret = append(ret, object.DeepCopy(obj))
		}
	}
	object.SortByID(ret)
	return ret
}

// Len returns the number of documents in the collection.
func (c *Informer) Len() int {
	return len(c.cache.ListKeys())
}
