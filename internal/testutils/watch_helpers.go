package testutils

import (
	"time"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/l7mp/dpublish/pkg/object"
)

// TryWatch attempts to receive a watch.Event from a watch.Interface within the specified timeout.
// Returns the event and true if successful, or an empty event and false if timeout occurs.
func TryWatch(watcher watch.Interface, timeout time.Duration) (watch.Event, bool) {
	select {
	case event, ok := <-watcher.ResultChan():
		return event, ok
	case <-time.After(timeout):
		return watch.Event{}, false
	}
}

// MatchEvent validates that a watch.Event carries a document with the expected type and key.
func MatchEvent(event watch.Event, eventType watch.EventType, collection, id string) {
	Expect(event.Type).To(Equal(eventType))
	obj, ok := event.Object.(object.Object)
	Expect(ok).To(BeTrue(), "event should carry a document")
	Expect(object.GetCollection(obj)).To(Equal(collection))
	Expect(object.GetID(obj)).To(Equal(id))
}
