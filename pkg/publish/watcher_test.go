package publish

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/l7mp/dpublish/internal/testutils"
	"github.com/l7mp/dpublish/pkg/metrics"
	"github.com/l7mp/dpublish/pkg/object"
	"github.com/l7mp/dpublish/pkg/store"
)

var _ = Describe("Watch", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		st     *store.Store
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		st = loadStore()
	})

	AfterEach(func() { cancel() })

	It("should stream the initial set followed by a bookmark", func() {
		pub := New(Static(postTree(store.ByID("posts", "post1"))), st, Options{Name: "watch-initial", Logger: logger})
		w, err := Watch(ctx, pub)
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		ev, ok := testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		testutils.MatchEvent(ev, watch.Added, "posts", "post1")
		obj := ev.Object.(object.Object)
		Expect(object.Fields(obj)).To(HaveKeyWithValue("title", "Radium"))

		ev, ok = testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		testutils.MatchEvent(ev, watch.Added, "users", "marie")

		ev, ok = testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		testutils.MatchEvent(ev, watch.Added, "comments", "comment1")

		ev, ok = testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal(watch.Bookmark))
		Expect(ev.Object.(object.Object).GetAnnotations()).
			To(HaveKeyWithValue(metav1.InitialEventsAnnotationKey, "true"))

		Expect(testutil.ToFloat64(metrics.PublishedDocuments.WithLabelValues("watch-initial"))).
			To(Equal(float64(3)))
	})

	It("should stream changes", func() {
		pub := New(Static(postTree(store.ByID("posts", "post1"))), st, Options{Logger: logger})
		w, err := Watch(ctx, pub)
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		for i := 0; i < 4; i++ {
			_, ok := testutils.TryWatch(w, timeout)
			Expect(ok).To(BeTrue())
		}

		Expect(st.Update(doc("posts", "post1", map[string]any{"author": "marie", "title": "Polonium"}))).To(Succeed())
		ev, ok := testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		testutils.MatchEvent(ev, watch.Modified, "posts", "post1")
		Expect(object.Fields(ev.Object.(object.Object))).To(HaveKeyWithValue("title", "Polonium"))

		Expect(st.Remove("comments", "comment1")).To(Succeed())
		ev, ok = testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		testutils.MatchEvent(ev, watch.Deleted, "comments", "comment1")
	})

	It("should report a fatal error and close the stream", func() {
		spec := postTree(store.NewQuery("posts"))
		spec.Children[0] = &Spec{Find: func(parent object.Object, _ ...object.Object) (*store.Query, error) {
			if object.GetID(parent) == "post3" {
				return nil, errors.New("boom")
			}
			return nil, nil
		}}

		pub := New(Static(spec), st, Options{Logger: logger})
		w, err := Watch(ctx, pub)
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		Expect(st.Insert(doc("posts", "post3", map[string]any{}))).To(Succeed())

		var ev watch.Event
		Eventually(func() watch.EventType {
			e, ok := testutils.TryWatch(w, interval)
			if ok {
				ev = e
			}
			return ev.Type
		}, timeout, interval).Should(Equal(watch.Error))

		status, ok := ev.Object.(*metav1.Status)
		Expect(ok).To(BeTrue())
		Expect(status.Reason).To(Equal(metav1.StatusReasonInternalError))
		Expect(status.Message).To(ContainSubstring("boom"))

		Eventually(w.ResultChan(), timeout, interval).Should(BeClosed())
	})

	It("should stop the publication when the watcher is stopped", func() {
		pub := New(Static(postTree(store.NewQuery("posts"))), st, Options{Logger: logger})
		w, err := Watch(ctx, pub)
		Expect(err).NotTo(HaveOccurred())

		w.Stop()
		w.Stop()
		Expect(pub.Done()).To(BeClosed())
		Expect(handlers(st)).To(Equal(0))
		Eventually(w.ResultChan(), timeout, interval).Should(BeClosed())
	})

	It("should stop the publication when the context is canceled", func() {
		pub := New(Static(postTree(store.NewQuery("posts"))), st, Options{Logger: logger})
		w, err := Watch(ctx, pub)
		Expect(err).NotTo(HaveOccurred())

		cancel()
		Eventually(pub.Done(), timeout, interval).Should(BeClosed())
		Eventually(w.ResultChan(), timeout, interval).Should(BeClosed())
	})

	It("should buffer an initial set larger than the result channel", func() {
		for i := 0; i < 200; i++ {
			Expect(st.Insert(doc("comments", fmt.Sprintf("c-%03d", i),
				map[string]any{"postId": "post1"}))).To(Succeed())
		}
		spec := &Spec{Find: func(_ object.Object, _ ...object.Object) (*store.Query, error) {
			return store.NewQuery("comments"), nil
		}}
		pub := New(Static(spec), st, Options{Name: "watch-large", Logger: logger})
		w, err := Watch(ctx, pub)
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		for i := 0; i < 202; i++ {
			ev, ok := testutils.TryWatch(w, timeout)
			Expect(ok).To(BeTrue())
			Expect(ev.Type).To(Equal(watch.Added))
		}
		ev, ok := testutils.TryWatch(w, timeout)
		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal(watch.Bookmark))
	})

	It("should return start errors", func() {
		root := Factory(func(args ...any) (*Spec, error) { return nil, errors.New("bad args") })
		_, err := Watch(ctx, New(root, st, Options{Logger: logger}))
		Expect(err).To(MatchError("bad args"))

		_, err = Watch(ctx, nil)
		Expect(err).To(HaveOccurred())
	})
})
