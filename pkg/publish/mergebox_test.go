package publish

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dpublish/internal/testutils"
	"github.com/l7mp/dpublish/pkg/object"
)

var _ = Describe("MergeBox", func() {
	var (
		rec *testutils.Recorder
		mb  *MergeBox
		k1  = object.Key{Collection: "users", ID: "marie"}
		k2  = object.Key{Collection: "posts", ID: "post1"}
	)

	BeforeEach(func() {
		rec = testutils.NewRecorder()
		mb = NewMergeBox("test-mergebox", rec, logger)
	})

	It("should publish a document on the first membership only", func() {
		Expect(mb.Acquire(k1, map[string]any{"name": "Marie"})).To(Succeed())
		Expect(mb.Acquire(k1, map[string]any{"name": "Marie"})).To(Succeed())
		Expect(mb.Count(k1)).To(Equal(2))
		Expect(mb.Len()).To(Equal(1))
		Expect(rec.EventStrings()).To(Equal([]string{"added:users/marie"}))
	})

	It("should unpublish a document when the last membership goes", func() {
		Expect(mb.Acquire(k1, map[string]any{})).To(Succeed())
		Expect(mb.Acquire(k1, map[string]any{})).To(Succeed())

		Expect(mb.Release(k1)).To(Succeed())
		Expect(rec.EventsFor("users", "marie")).To(Equal([]string{"added"}))
		Expect(mb.Count(k1)).To(Equal(1))

		Expect(mb.Release(k1)).To(Succeed())
		Expect(rec.EventsFor("users", "marie")).To(Equal([]string{"added", "removed"}))
		Expect(mb.Count(k1)).To(Equal(0))
		Expect(mb.Len()).To(Equal(0))
	})

	It("should publish a change once per field change", func() {
		Expect(mb.Acquire(k1, map[string]any{"name": "Marie"})).To(Succeed())
		Expect(mb.Acquire(k1, map[string]any{"name": "Marie"})).To(Succeed())

		Expect(mb.NoteFieldsChanged(k1, map[string]any{"name": "Marie Curie"})).To(Succeed())
		Expect(mb.NoteFieldsChanged(k1, map[string]any{"name": "Marie Curie"})).To(Succeed())
		Expect(rec.EventsFor("users", "marie")).To(Equal([]string{"added", "changed"}))

		fields, ok := rec.Fields("users", "marie")
		Expect(ok).To(BeTrue())
		Expect(fields).To(Equal(map[string]any{"name": "Marie Curie"}))
		Expect(rec.Violations()).To(BeEmpty())
	})

	It("should publish a change when a new membership carries different fields", func() {
		Expect(mb.Acquire(k1, map[string]any{"name": "Marie"})).To(Succeed())
		Expect(mb.Acquire(k1, map[string]any{"name": "M. Curie"})).To(Succeed())
		Expect(rec.EventsFor("users", "marie")).To(Equal([]string{"added", "changed"}))

		fields, ok := mb.Fields(k1)
		Expect(ok).To(BeTrue())
		Expect(fields).To(HaveKeyWithValue("name", "M. Curie"))
	})

	It("should keep documents with the same id in different collections apart", func() {
		Expect(mb.Acquire(object.Key{Collection: "posts", ID: "x"}, map[string]any{})).To(Succeed())
		Expect(mb.Acquire(object.Key{Collection: "users", ID: "x"}, map[string]any{})).To(Succeed())
		Expect(mb.Len()).To(Equal(2))
		Expect(rec.Count()).To(Equal(2))
	})

	It("should not leak internal state to the sink", func() {
		fields := map[string]any{"tags": []any{"a"}}
		Expect(mb.Acquire(k2, fields)).To(Succeed())

		got, _ := rec.Fields("posts", "post1")
		got["tags"] = []any{"b"}
		stored, _ := mb.Fields(k2)
		Expect(stored["tags"]).To(Equal([]any{"a"}))
	})

	It("should report an invariant violation for unknown documents", func() {
		err := mb.Release(k1)
		Expect(err).To(HaveOccurred())
		var ie *InvariantError
		Expect(errors.As(err, &ie)).To(BeTrue())
		Expect(ie.Key).To(Equal(k1))
		Expect(IsFatal(err)).To(BeTrue())

		Expect(mb.NoteFieldsChanged(k1, map[string]any{})).To(HaveOccurred())
		Expect(rec.Len()).To(Equal(0))
	})

	It("should list keys sorted", func() {
		Expect(mb.Acquire(k1, nil)).To(Succeed())
		Expect(mb.Acquire(k2, nil)).To(Succeed())
		Expect(mb.Keys()).To(Equal([]object.Key{k2, k1}))
	})

	It("should reset silently", func() {
		Expect(mb.Acquire(k1, nil)).To(Succeed())
		Expect(mb.Acquire(k2, nil)).To(Succeed())
		Expect(mb.Reset()).To(Equal(2))
		Expect(mb.Len()).To(Equal(0))
		Expect(rec.EventStrings()).To(Equal([]string{"added:users/marie", "added:posts/post1"}))
	})
})
