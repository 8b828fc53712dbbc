package publish

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/util/workqueue"

	"github.com/l7mp/dpublish/pkg/object"
)

var _ = Describe("TaskQueue", func() {
	var n *node

	BeforeEach(func() {
		n = &node{path: "root"}
	})

	drain := func(q workqueue.TypedInterface[task]) []task {
		ret := []task{}
		for q.Len() > 0 {
			t, shutdown := q.Get()
			if shutdown {
				break
			}
			ret = append(ret, t)
			q.Done(t)
		}
		return ret
	}

	It("should return tasks in FIFO order", func() {
		q := newTaskQueue("fifo")
		defer q.ShutDown()
		for _, id := range []string{"a", "b", "c"} {
			q.Add(task{node: n, kind: taskAdded, obj: object.New("c", id)})
		}
		Expect(q.Len()).To(Equal(3))

		ids := []string{}
		for _, t := range drain(q) {
			ids = append(ids, object.GetID(t.obj))
		}
		Expect(ids).To(Equal([]string{"a", "b", "c"}))
		Expect(q.Len()).To(Equal(0))
	})

	It("should keep repeated notifications for the same document", func() {
		q := newTaskQueue("repeated")
		defer q.ShutDown()
		o := object.NewFromFields("posts", "p1", map[string]any{"title": "x"})
		for i := 0; i < 3; i++ {
			q.Add(task{node: n, kind: taskChanged, obj: object.DeepCopy(o)})
		}
		q.Add(task{node: n, kind: taskRemoved, obj: object.DeepCopy(o)})
		Expect(q.Len()).To(Equal(4))

		kinds := []string{}
		for _, t := range drain(q) {
			kinds = append(kinds, t.kind.String())
		}
		Expect(kinds).To(Equal([]string{"changed", "changed", "changed", "removed"}))
	})

	It("should unblock the consumer and drop tasks after shutdown", func() {
		q := newTaskQueue("shutdown")
		done := make(chan bool)
		go func() {
			_, shutdown := q.Get()
			done <- shutdown
		}()

		q.ShutDown()
		Eventually(done).Should(Receive(BeTrue()))

		q.Add(task{node: n, kind: taskRemoved, obj: object.New("c", "a")})
		Expect(q.Len()).To(Equal(0))
	})

	It("should accept concurrent producers", func() {
		q := newTaskQueue("concurrent")
		defer q.ShutDown()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					q.Add(task{node: n, kind: taskChanged, obj: object.New("c", "a")})
				}
			}()
		}
		wg.Wait()
		Expect(q.Len()).To(Equal(1000))
	})

	It("should render task kinds", func() {
		Expect(taskAdded.String()).To(Equal("added"))
		Expect(taskChanged.String()).To(Equal("changed"))
		Expect(taskRemoved.String()).To(Equal("removed"))
		Expect(taskKind(42).String()).To(Equal("unknown"))
	})
})
