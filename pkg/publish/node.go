package publish

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/looplab/fsm"
	"k8s.io/apimachinery/pkg/api/equality"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/l7mp/dpublish/pkg/object"
	"github.com/l7mp/dpublish/pkg/store"
	"github.com/l7mp/dpublish/pkg/util"
)

// Node lifecycle: unstarted -> running -> stopped. A stopped node is never restarted, a
// re-parented child is replaced by a fresh node.
const (
	stateUnstarted = "unstarted"
	stateRunning   = "running"
	stateStopped   = "stopped"

	eventStart = "start"
	eventStop  = "stop"
)

// childKey addresses the child node evaluating a child spec for a matched document. There is at
// most one child per key.
type childKey struct {
	index int
	id    string
}

// node is a spec bound to one parent document: it runs the live query computed by the spec's
// find function and owns one child node per child spec and matched document.
type node struct {
	pub      *Publication
	spec     *Spec
	path     string
	owner    *node
	parentID string

	query    *store.Query
	live     *store.LiveQuery
	docs     map[string]object.Object
	children map[childKey]*node
	fsm      *fsm.FSM
	log      logr.Logger
}

func newNode(pub *Publication, spec *Spec, path string, owner *node, parentID string) *node {
	log := pub.log.WithName("node").WithValues("path", path)
	if parentID != "" {
		log = log.WithValues("parent", parentID)
	}

	n := &node{
		pub:      pub,
		spec:     spec,
		path:     path,
		owner:    owner,
		parentID: parentID,
		docs:     make(map[string]object.Object),
		children: make(map[childKey]*node),
		log:      log,
	}

	n.fsm = fsm.NewFSM(
		stateUnstarted,
		fsm.Events{
			{Name: eventStart, Src: []string{stateUnstarted}, Dst: stateRunning},
			{Name: eventStop, Src: []string{stateUnstarted, stateRunning}, Dst: stateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				n.log.V(4).Info("state transition", "from", e.Src, "to", e.Dst)
			},
		},
	)

	return n
}

// running reports whether the node still processes events.
func (n *node) running() bool { return n.fsm.Is(stateRunning) }

// parent returns the current version of the parent document, nil for the root.
func (n *node) parent() object.Object {
	if n.owner == nil {
		return nil
	}
	return n.owner.docs[n.parentID]
}

// ancestors returns the ancestors of the parent document, nearest first.
func (n *node) ancestors() []object.Object {
	ret := []object.Object{}
	for o := n.owner; o != nil && o.owner != nil; o = o.owner {
		ret = append(ret, o.parent())
	}
	return ret
}

// key returns the published identity of a document matched by this node.
func (n *node) key(id string) object.Key {
	collection := n.spec.CollectionName
	if collection == "" && n.query != nil {
		collection = n.query.Collection
	}
	return object.Key{Collection: collection, ID: id}
}

func (n *node) find(parent object.Object, ancestors []object.Object) (*store.Query, error) {
	q, err := n.spec.Find(parent, ancestors...)
	if err != nil {
		fe := &FindError{Path: n.spec.pathName(n.path), Err: err}
		if parent != nil {
			fe.Parent = object.KeyOf(parent)
		}
		return nil, fe
	}
	return q, nil
}

// start runs the find function, registers the live query and adds the initial documents before
// returning.
func (n *node) start() error {
	if err := n.fsm.Event(context.Background(), eventStart); err != nil {
		return fmt.Errorf("cannot start node %s: %w", n.path, err)
	}

	q, err := n.find(n.parent(), n.ancestors())
	if err != nil {
		return err
	}
	n.query = q

	if q == nil {
		n.log.V(4).Info("find returned no query, publishing nothing")
		return nil
	}

	lq, initial, err := n.pub.store.Observe(q, n.handler())
	if err != nil {
		return &FindError{Path: n.spec.pathName(n.path), Parent: n.parentKey(), Err: err}
	}
	n.live = lq

	n.log.V(4).Info("node started", "query", q.String(), "initial", util.Map(object.GetID, initial))

	for _, doc := range initial {
		if err := n.add(doc); err != nil {
			return err
		}
	}

	return nil
}

func (n *node) parentKey() object.Key {
	if p := n.parent(); p != nil {
		return object.KeyOf(p)
	}
	return object.Key{}
}

// add processes a document entering the result set of the node.
func (n *node) add(doc object.Object) error {
	id := object.GetID(doc)
	if _, ok := n.docs[id]; ok {
		// the live query event raced the initial snapshot
		return n.change(doc)
	}

	n.log.V(5).Info("add", "id", id)

	n.docs[id] = doc
	if err := n.pub.mergebox.Acquire(n.key(id), object.Fields(doc)); err != nil {
		return err
	}

	for i, cs := range n.spec.Children {
		if err := n.startChild(i, cs, id); err != nil {
			return err
		}
	}

	return nil
}

// change processes an update of a document in the result set of the node. Children whose
// dependency changed are rebuilt: the old child is torn down before the new one starts.
func (n *node) change(doc object.Object) error {
	id := object.GetID(doc)
	prev, ok := n.docs[id]
	if !ok {
		return n.add(doc)
	}

	n.log.V(5).Info("change", "id", id)

	n.docs[id] = doc
	if err := n.pub.mergebox.NoteFieldsChanged(n.key(id), object.Fields(doc)); err != nil {
		return err
	}

	for i, cs := range n.spec.Children {
		ck := childKey{index: i, id: id}
		child, ok := n.children[ck]
		if ok {
			restart, err := child.dependencyChanged(prev, doc)
			if err != nil {
				return err
			}
			if !restart {
				continue
			}

			n.log.V(4).Info("re-parenting child", "child", child.path, "id", id)
			if err := child.stop(); err != nil {
				return err
			}
			delete(n.children, ck)
		}

		if err := n.startChild(i, cs, id); err != nil {
			return err
		}
	}

	return nil
}

// remove processes a document leaving the result set of the node.
func (n *node) remove(doc object.Object) error {
	id := object.GetID(doc)
	if _, ok := n.docs[id]; !ok {
		return nil
	}

	n.log.V(5).Info("remove", "id", id)

	errs := []error{}
	for i := range n.spec.Children {
		ck := childKey{index: i, id: id}
		if child, ok := n.children[ck]; ok {
			errs = append(errs, child.stop())
			delete(n.children, ck)
		}
	}

	delete(n.docs, id)
	errs = append(errs, n.pub.mergebox.Release(n.key(id)))

	return utilerrors.NewAggregate(errs)
}

// stop tears down the children, deregisters the live query and releases every document of the
// node. Stopping a stopped node is a no-op.
func (n *node) stop() error {
	if n.fsm.Is(stateStopped) {
		return nil
	}
	if err := n.fsm.Event(context.Background(), eventStop); err != nil {
		return fmt.Errorf("cannot stop node %s: %w", n.path, err)
	}

	errs := []error{}
	for ck, child := range n.children {
		errs = append(errs, child.stop())
		delete(n.children, ck)
	}

	if n.live != nil {
		n.live.Stop()
		n.live = nil
	}

	for id := range n.docs {
		errs = append(errs, n.pub.mergebox.Release(n.key(id)))
		delete(n.docs, id)
	}

	n.log.V(4).Info("node stopped")

	return utilerrors.NewAggregate(errs)
}

func (n *node) startChild(index int, spec *Spec, id string) error {
	ck := childKey{index: index, id: id}
	if _, ok := n.children[ck]; ok {
		return &InvariantError{Op: "start-child", Key: n.key(id),
			Message: fmt.Sprintf("child %d already running", index)}
	}

	if n.expanded(spec, n.key(id)) {
		n.log.V(4).Info("skipping recursive child: document already expanded on this path",
			"child", index, "id", id)
		return nil
	}

	child := newNode(n.pub, spec, fmt.Sprintf("%s/%d", n.path, index), n, id)
	// register first so that a failed start is torn down with the parent
	n.children[ck] = child

	return child.start()
}

// expanded reports whether spec already runs for the parent document key on the path from the
// root to this node.
func (n *node) expanded(spec *Spec, parent object.Key) bool {
	for a := n; a != nil && a.owner != nil; a = a.owner {
		if a.spec == spec && a.owner.key(a.parentID) == parent {
			return true
		}
	}
	return false
}

// dependencyChanged reports whether the child must be rebuilt after its parent changed from
// oldParent to newParent. Must be called after the owner stored newParent.
func (n *node) dependencyChanged(oldParent, newParent object.Object) (bool, error) {
	if len(n.spec.DependsOn) > 0 {
		for _, path := range n.spec.DependsOn {
			ov, _ := object.GetField(oldParent, path)
			nv, _ := object.GetField(newParent, path)
			if !equality.Semantic.DeepEqual(ov, nv) {
				return true, nil
			}
		}
		return false, nil
	}

	q, err := n.find(newParent, n.ancestors())
	if err != nil {
		return false, err
	}
	return !store.Equal(q, n.query), nil
}

// handler forwards the live query events of the node to the publication queue.
func (n *node) handler() store.Handler {
	return store.HandlerFuncs{
		AddedFunc: func(obj object.Object) {
			n.pub.enqueue(task{node: n, kind: taskAdded, obj: obj})
		},
		ChangedFunc: func(_, newObj object.Object) {
			n.pub.enqueue(task{node: n, kind: taskChanged, obj: newObj})
		},
		RemovedFunc: func(obj object.Object) {
			n.pub.enqueue(task{node: n, kind: taskRemoved, obj: obj})
		},
	}
}
