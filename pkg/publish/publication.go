// Package publish implements composite publications: a tree of live queries over the store whose
// union is streamed to a subscriber as a single, deduplicated document set.
//
// A publication is described by a tree of specs. The root spec's find function computes the
// top-level query, each child spec is evaluated once per document matched by its parent and
// receives that document (and its ancestors) to compute its own query. Documents reached over
// multiple paths of the tree are published once and unpublished only when the last path goes.
//
// Example usage:
//
//	pub := publish.New(publish.Static(spec), st, publish.Options{Name: "allPosts"})
//	if err := pub.Start(ctx, sink); err != nil {
//	    return err
//	}
//	defer pub.Stop()
package publish

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/l7mp/dpublish/pkg/metrics"
	"github.com/l7mp/dpublish/pkg/object"
	"github.com/l7mp/dpublish/pkg/store"
)

// Options defines the publication configuration.
type Options struct {
	// Name identifies the publication in logs and metrics. Defaults to "publication".
	Name string
	// Logger is the logger to use. Defaults to a discard logger.
	Logger logr.Logger
}

// Publication is a single subscriber session of a composite publication. Store notifications
// are processed one at a time in arrival order by a dedicated goroutine.
type Publication struct {
	name  string
	root  Root
	store *store.Store

	mu       sync.Mutex
	sink     *gatedSink
	mergebox *MergeBox
	rootNode *node
	queue    workqueue.TypedInterface[task]
	revision uint64
	started  bool
	stopped  bool
	active   bool
	err      error
	done     chan struct{}

	logger, log logr.Logger
}

// New creates a publication session over a store. The session publishes nothing until started.
func New(root Root, st *store.Store, opts Options) *Publication {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	name := opts.Name
	if name == "" {
		name = "publication"
	}

	return &Publication{
		name:   name,
		root:   root,
		store:  st,
		done:   make(chan struct{}),
		logger: logger,
		log:    logger.WithName("publication").WithValues("name", name),
	}
}

// Name returns the name of the publication.
func (p *Publication) Name() string { return p.name }

// Start resolves the root spec from the subscription arguments, publishes the initial document
// set to the sink and then signals Ready. Start returns once Ready was sent. Subsequent store
// changes are processed in the background until the context is canceled, Stop is called or a
// fatal error occurs.
//
// If building the initial tree fails, the partial tree is torn down, the error is delivered to
// the sink in place of Ready and returned. Documents published before the failure are not
// removed, the error invalidates them.
func (p *Publication) Start(ctx context.Context, sink Sink, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	if sink == nil {
		return errors.New("nil sink")
	}
	p.started = true
	p.sink = newGatedSink(sink)
	p.queue = newTaskQueue(p.name)

	spec, err := p.root.Resolve(args...)
	if err != nil {
		return p.abort(err)
	}
	if err := spec.Validate(); err != nil {
		return p.abort(err)
	}

	p.mergebox = NewMergeBox(p.name, p.sink, p.logger.WithName("mergebox"))
	p.rootNode = newNode(p, spec, "root", nil, "")

	p.log.V(2).Info("starting publication", "args", args)

	if err := p.rootNode.start(); err != nil {
		return p.abort(err)
	}

	p.sink.Ready()
	p.active = true
	metrics.ActivePublications.Inc()

	p.log.V(1).Info("publication ready", "documents", p.mergebox.Len(),
		"pending-tasks", p.queue.Len())

	go p.watchContext(ctx)
	go p.run(ctx, p.queue)

	return nil
}

// abort tears down a failed start. Must be called with the lock held.
func (p *Publication) abort(err error) error {
	p.log.Error(err, "failed to start publication")
	p.err = err
	p.stopped = true
	p.sink.Error(err)
	p.teardown()
	close(p.done)
	return err
}

// Stop terminates the session: all live queries are deregistered and the sink receives no
// further calls once Stop returns. Stop does not emit removals for the published documents.
// Stop is idempotent and safe to call concurrently with store mutations, but a sink must not
// call it synchronously from a callback.
func (p *Publication) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	p.log.V(2).Info("stopping publication", "revision", p.revision)

	p.teardown()
	close(p.done)
}

// teardown mutes the sink, stops the node tree and drops the published set. Must be called with
// the lock held.
func (p *Publication) teardown() {
	if p.sink != nil {
		p.sink.mute()
	}

	if p.queue != nil {
		p.queue.ShutDown()
	}

	if p.rootNode != nil {
		if err := p.rootNode.stop(); err != nil {
			p.log.Error(err, "error stopping node tree")
		}
	}

	if p.mergebox != nil {
		if n := p.mergebox.Reset(); n > 0 {
			p.log.Info("dropping documents after teardown", "documents", n)
		}
	}

	if p.active {
		p.active = false
		metrics.ActivePublications.Dec()
	}
}

// fail terminates the session with a fatal error delivered to the sink.
func (p *Publication) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	p.log.Error(err, "publication failed", "revision", p.revision)

	p.err = err
	p.stopped = true
	// error is delivered first, teardown runs behind a muted sink
	p.sink.Error(err)
	p.teardown()
	close(p.done)
}

func (p *Publication) enqueue(t task) {
	p.log.V(6).Info("enqueue", "kind", t.kind.String(), "node", t.node.path,
		"id", object.GetID(t.obj))
	p.queue.Add(t)
}

// watchContext stops the session when the context is canceled.
func (p *Publication) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.log.V(4).Info("context canceled")
		p.Stop()
	case <-p.done:
	}
}

// run processes the queued tasks one by one until the queue is shut down or the context is
// canceled.
func (p *Publication) run(ctx context.Context, queue workqueue.TypedInterface[task]) {
	defer p.log.V(4).Info("worker exiting")

	for {
		t, shutdown := queue.Get()
		if shutdown {
			return
		}

		// the backlog of a terminated session is dropped
		if ctx.Err() != nil {
			queue.Done(t)
			p.Stop()
			return
		}
		select {
		case <-p.done:
			queue.Done(t)
			return
		default:
		}

		err := p.process(t)
		queue.Done(t)
		if err != nil {
			p.fail(err)
			return
		}
	}
}

// process applies a single store notification to its node. Notifications for nodes that have
// been stopped in the meantime are dropped.
func (p *Publication) process(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || !t.node.running() {
		p.log.V(6).Info("dropping task", "kind", t.kind.String(), "node", t.node.path)
		return nil
	}

	var err error
	switch t.kind {
	case taskAdded:
		err = t.node.add(t.obj)
	case taskChanged:
		err = t.node.change(t.obj)
	case taskRemoved:
		err = t.node.remove(t.obj)
	}
	if err != nil {
		return err
	}

	p.revision++
	metrics.ProcessedTasks.WithLabelValues(p.name).Inc()

	return nil
}

// Revision returns the number of store notifications processed so far.
func (p *Publication) Revision() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revision
}

// Published returns the keys of the currently published documents, sorted.
func (p *Publication) Published() []object.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mergebox == nil {
		return []object.Key{}
	}
	return p.mergebox.Keys()
}

// Count returns the number of tree paths that currently publish a document.
func (p *Publication) Count(key object.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mergebox == nil {
		return 0
	}
	return p.mergebox.Count(key)
}

// Done returns a channel that is closed when the session terminates.
func (p *Publication) Done() <-chan struct{} { return p.done }

// Err returns the error that terminated the session, if any.
func (p *Publication) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
