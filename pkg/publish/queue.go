package publish

import (
	"k8s.io/client-go/util/workqueue"

	"github.com/l7mp/dpublish/pkg/object"
)

type taskKind int

const (
	taskAdded taskKind = iota
	taskChanged
	taskRemoved
)

func (k taskKind) String() string {
	switch k {
	case taskAdded:
		return "added"
	case taskChanged:
		return "changed"
	case taskRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// task is a live query notification addressed to a node. The store hands each handler a fresh
// copy of the document, so no two tasks compare equal and the queue never merges them.
type task struct {
	node *node
	kind taskKind
	obj  object.Object
}

// newTaskQueue creates the FIFO feeding the worker of a publication. Adding a task never
// blocks, tasks added after shutdown are dropped. Queue metrics are reported under the
// publication name.
func newTaskQueue(name string) workqueue.TypedInterface[task] {
	return workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[task]{Name: "publication-" + name})
}
