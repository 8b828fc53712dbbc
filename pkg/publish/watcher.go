package publish

import (
	"context"
	"errors"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/util/workqueue"

	"github.com/l7mp/dpublish/pkg/object"
)

var _ watch.Interface = &watcher{}

// watcher adapts a publication to a watch stream. Events are buffered without bound so that a
// slow consumer never blocks the publication.
type watcher struct {
	pub    *Publication
	queue  workqueue.TypedInterface[watch.Event]
	result chan watch.Event
	stopCh chan struct{}
	once   sync.Once
}

// Watch starts the publication and returns its output as a watch stream:
//   - Added, Modified and Deleted events carry an object built from the document key and fields
//     (Deleted events carry the key only),
//   - the end of the initial document set is marked with a Bookmark event annotated with
//     metav1.InitialEventsAnnotationKey,
//   - a fatal error is reported in an Error event carrying a metav1.Status.
//
// The result channel is closed when the publication terminates. Canceling the context or
// stopping the watcher stops the publication.
func Watch(ctx context.Context, p *Publication, args ...any) (watch.Interface, error) {
	if p == nil {
		return nil, errors.New("nil publication")
	}

	w := &watcher{
		pub:    p,
		queue:  workqueue.NewTyped[watch.Event](),
		result: make(chan watch.Event, 64),
		stopCh: make(chan struct{}),
	}

	if err := p.Start(ctx, w.sink(), args...); err != nil {
		w.queue.ShutDown()
		return nil, err
	}

	go w.pump()
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		case <-p.Done():
			// nothing is queued after the publication terminated: flush and close
			w.queue.ShutDown()
		}
	}()

	return w, nil
}

// ResultChan implements watch.Interface.
func (w *watcher) ResultChan() <-chan watch.Event { return w.result }

// Stop implements watch.Interface. It stops the publication and closes the result channel
// without delivering pending events.
func (w *watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.pub.Stop()
		w.queue.ShutDown()
	})
}

// pump forwards the queued events to the result channel. It is the only writer of the result
// channel.
func (w *watcher) pump() {
	defer close(w.result)

	for {
		ev, shutdown := w.queue.Get()
		if shutdown {
			return
		}

		select {
		case <-w.stopCh:
			w.queue.Done(ev)
			return
		default:
		}

		select {
		case w.result <- ev:
			w.queue.Done(ev)
		case <-w.stopCh:
			w.queue.Done(ev)
			return
		}
	}
}

func (w *watcher) sink() Sink {
	return SinkFuncs{
		AddedFunc: func(key object.Key, fields map[string]any) {
			w.queue.Add(watch.Event{Type: watch.Added, Object: object.NewFromFields(key.Collection, key.ID, fields)})
		},
		ChangedFunc: func(key object.Key, fields map[string]any) {
			w.queue.Add(watch.Event{Type: watch.Modified, Object: object.NewFromFields(key.Collection, key.ID, fields)})
		},
		RemovedFunc: func(key object.Key) {
			w.queue.Add(watch.Event{Type: watch.Deleted, Object: object.New(key.Collection, key.ID)})
		},
		ReadyFunc: func() {
			obj := object.New("", "")
			obj.SetAnnotations(map[string]string{metav1.InitialEventsAnnotationKey: "true"})
			w.queue.Add(watch.Event{Type: watch.Bookmark, Object: obj})
		},
		ErrorFunc: func(err error) {
			status := apierrors.NewInternalError(err).ErrStatus
			w.queue.Add(watch.Event{Type: watch.Error, Object: &status})
		},
	}
}
