package store

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dpublish/pkg/object"
)

var _ = Describe("Fixture", func() {
	It("should load a YAML fixture", func() {
		st := New(Options{Logger: logger})
		err := st.LoadYAML(strings.NewReader(`
collections:
  posts:
    - _id: post1
      author: marie
      title: First
  authors:
    - _id: marie
      name: Marie Curie
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Collections()).To(Equal([]string{"authors", "posts"}))

		post, err := st.Get("posts", "post1")
		Expect(err).NotTo(HaveOccurred())
		Expect(object.Fields(post)).To(Equal(map[string]any{"author": "marie", "title": "First"}))

		author, err := st.Get("authors", "marie")
		Expect(err).NotTo(HaveOccurred())
		Expect(object.Fields(author)).To(Equal(map[string]any{"name": "Marie Curie"}))
	})

	It("should refuse documents without an id", func() {
		st := New(Options{Logger: logger})
		err := st.LoadYAML(strings.NewReader(`
collections:
  posts:
    - author: marie
`))
		Expect(err).To(HaveOccurred())
	})

	It("should refuse malformed YAML", func() {
		st := New(Options{Logger: logger})
		Expect(st.LoadYAML(strings.NewReader("collections: ["))).NotTo(Succeed())
	})
})
