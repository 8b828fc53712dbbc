package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	toolscache "k8s.io/client-go/tools/cache"

	"github.com/l7mp/dpublish/pkg/metrics"
	"github.com/l7mp/dpublish/pkg/object"
)

// Options defines the store configuration.
type Options struct {
	// Logger is the logger to use. Defaults to a discard logger.
	Logger logr.Logger
}

// Store is an in-memory document store. Documents are held per collection, each collection in
// its own informer that fans out change notifications to live queries. The store deep-copies
// documents on the way in and out.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*Informer
	logger, log logr.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	return &Store{
		collections: make(map[string]*Informer),
		logger:      logger,
		log:         logger.WithName("store"),
	}
}

// GetInformer returns the informer of a collection, creating it on first use.
func (s *Store) GetInformer(collection string) *Informer {
	s.mu.RLock()
	informer, exists := s.collections[collection]
	s.mu.RUnlock()
	if exists {
		return informer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if informer, exists := s.collections[collection]; exists {
		return informer
	}

	s.log.V(1).Info("registering collection", "collection", collection)
	informer = NewInformer(collection, s.logger.WithName("informer"))
	s.collections[collection] = informer

	return informer
}

// Collections returns the names of the known collections, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]string, 0, len(s.collections))
	for c := range s.collections {
		ret = append(ret, c)
	}
	sort.Strings(ret)
	return ret
}

// Insert adds a new document. It is an error to insert a document with an id that already
// exists in the collection.
func (s *Store) Insert(obj object.Object) error {
	if err := validate(obj); err != nil {
		return err
	}

	informer := s.GetInformer(object.GetCollection(obj))
	informer.writeMu.Lock()
	defer informer.writeMu.Unlock()

	return s.insert(informer, obj)
}

// Update replaces an existing document. Updating a document to its current content is a no-op
// and triggers no notification.
func (s *Store) Update(obj object.Object) error {
	if err := validate(obj); err != nil {
		return err
	}

	informer := s.GetInformer(object.GetCollection(obj))
	informer.writeMu.Lock()
	defer informer.writeMu.Unlock()

	return s.update(informer, obj)
}

// Upsert inserts a document or updates it if it already exists.
func (s *Store) Upsert(obj object.Object) error {
	if err := validate(obj); err != nil {
		return err
	}

	informer := s.GetInformer(object.GetCollection(obj))
	informer.writeMu.Lock()
	defer informer.writeMu.Unlock()

	_, exists, err := informer.get(object.GetID(obj))
	if err != nil {
		return err
	}
	if exists {
		return s.update(informer, obj)
	}
	return s.insert(informer, obj)
}

// Remove deletes a document from a collection.
func (s *Store) Remove(collection, id string) error {
	informer := s.GetInformer(collection)
	informer.writeMu.Lock()
	defer informer.writeMu.Unlock()

	existing, exists, err := informer.get(id)
	if err != nil {
		return err
	}
	if !exists {
		return apierrors.NewNotFound(groupResource(collection), id)
	}

	s.log.V(5).Info("remove", "collection", collection, "id", id)

	if err := informer.cache.Delete(existing); err != nil {
		return err
	}
	metrics.StoreDocuments.WithLabelValues(collection).Dec()

	informer.triggerEvent(toolscache.Deleted, nil, existing)

	return nil
}

// Get returns a copy of a document.
func (s *Store) Get(collection, id string) (object.Object, error) {
	informer := s.GetInformer(collection)
	item, exists, err := informer.cache.GetByKey(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apierrors.NewNotFound(groupResource(collection), id)
	}
	obj, ok := item.(object.Object)
	if !ok {
		return nil, apierrors.NewInternalError(errors.New("cache must store object.Objects only"))
	}
	return object.DeepCopy(obj), nil
}

// List returns the documents matching a query, sorted by id.
func (s *Store) List(q *Query) ([]object.Object, error) {
	if q == nil || q.Collection == "" {
		return nil, apierrors.NewBadRequest("query must specify a collection")
	}

	s.log.V(5).Info("list", "query", q.String())

	ret := []object.Object{}
	for _, obj := range s.GetInformer(q.Collection).list() {
		if q.Matches(obj) {
			ret = append(ret, obj)
		}
	}
	return ret, nil
}

// Observe registers a live query. It returns the handle of the live query and the documents
// matching the query at registration time. Every subsequent change to the matching set is
// delivered to the handler, synchronously from the mutating goroutine: handlers must not block
// and must not call back into the store synchronously.
func (s *Store) Observe(q *Query, h Handler) (*LiveQuery, []object.Object, error) {
	if q == nil || q.Collection == "" {
		return nil, nil, apierrors.NewBadRequest("query must specify a collection")
	}
	if h == nil {
		return nil, nil, apierrors.NewBadRequest("live query requires a handler")
	}

	informer := s.GetInformer(q.Collection)
	lq := &LiveQuery{query: q, informer: informer, handler: h}

	reg, snapshot, err := informer.AddEventHandler(lq)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register live query %s: %w", q.String(), err)
	}
	lq.registration = reg

	initial := []object.Object{}
	for _, obj := range snapshot {
		if q.Matches(obj) {
			initial = append(initial, obj)
		}
	}

	s.log.V(4).Info("live query registered", "query", q.String(), "initial", len(initial))

	return lq, initial, nil
}

func (s *Store) insert(informer *Informer, obj object.Object) error {
	collection, id := object.GetCollection(obj), object.GetID(obj)
	_, exists, err := informer.get(id)
	if err != nil {
		return err
	}
	if exists {
		return apierrors.NewAlreadyExists(groupResource(collection), id)
	}

	s.log.V(5).Info("insert", "collection", collection, "id", id, "object", object.Dump(obj))

	obj = object.DeepCopy(obj)
	if err := informer.cache.Add(obj); err != nil {
		return err
	}
	metrics.StoreDocuments.WithLabelValues(collection).Inc()

	informer.triggerEvent(toolscache.Added, nil, obj)

	return nil
}

func (s *Store) update(informer *Informer, obj object.Object) error {
	collection, id := object.GetCollection(obj), object.GetID(obj)
	existing, exists, err := informer.get(id)
	if err != nil {
		return err
	}
	if !exists {
		return apierrors.NewNotFound(groupResource(collection), id)
	}

	if object.DeepEqual(existing, obj) {
		s.log.V(4).Info("update: suppressing object update", "collection", collection, "id", id)
		return nil
	}

	s.log.V(5).Info("update", "collection", collection, "id", id, "object", object.Dump(obj))

	obj = object.DeepCopy(obj)
	if err := informer.cache.Update(obj); err != nil {
		return err
	}

	informer.triggerEvent(toolscache.Updated, existing, obj)

	return nil
}

func validate(obj object.Object) error {
	if obj == nil {
		return apierrors.NewBadRequest("nil document")
	}
	if object.GetCollection(obj) == "" {
		return apierrors.NewBadRequest("document must specify a collection")
	}
	if object.GetID(obj) == "" {
		return apierrors.NewBadRequest(fmt.Sprintf("document in collection %q must have an id",
			object.GetCollection(obj)))
	}
	return nil
}

func groupResource(collection string) schema.GroupResource {
	return schema.GroupResource{Group: "dpublish.l7mp.io", Resource: collection}
}
