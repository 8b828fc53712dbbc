package publish

import (
	"errors"
	"fmt"

	"github.com/l7mp/dpublish/pkg/object"
	"github.com/l7mp/dpublish/pkg/store"
)

// FindFunc computes the query of a node from the parent document and the ancestors of the
// parent, nearest first. The root's find function receives a nil parent. Returning a nil query
// publishes nothing for that parent.
type FindFunc func(parent object.Object, ancestors ...object.Object) (*store.Query, error)

// Spec describes one node of a composite publication: a query and the child specs evaluated for
// each document the query matches.
type Spec struct {
	// Name is an optional name used in logs and errors.
	Name string
	// Find computes the query of the node.
	Find FindFunc
	// Children are evaluated for each document matched by this node.
	Children []*Spec
	// CollectionName overrides the collection under which matched documents are published.
	CollectionName string
	// DependsOn lists the parent field paths Find reads. When set, a child is rebuilt on a
	// parent change only if one of these fields changed. When empty, the child is rebuilt if
	// Find computes a different query for the new parent.
	DependsOn []string
}

// Validate checks a spec tree. Specs may be shared or recursive, each spec is checked once. A
// recursive spec is not expanded again for a document it already runs for higher up on the same
// path, so cyclic references between documents terminate.
func (s *Spec) Validate() error {
	return s.validate("root", map[*Spec]bool{})
}

func (s *Spec) validate(path string, seen map[*Spec]bool) error {
	if s == nil {
		return fmt.Errorf("%s: nil spec", path)
	}
	if seen[s] {
		return nil
	}
	seen[s] = true

	if s.Find == nil {
		return fmt.Errorf("%s: find function missing", s.pathName(path))
	}

	for i, c := range s.Children {
		if err := c.validate(fmt.Sprintf("%s/%d", path, i), seen); err != nil {
			return err
		}
	}

	return nil
}

func (s *Spec) pathName(path string) string {
	if s.Name == "" {
		return path
	}
	return fmt.Sprintf("%s(%s)", path, s.Name)
}

// Root resolves the root spec of a publication from the subscription arguments.
type Root interface {
	Resolve(args ...any) (*Spec, error)
}

type staticRoot struct{ spec *Spec }

// Static returns a root that ignores the subscription arguments.
func Static(spec *Spec) Root { return &staticRoot{spec: spec} }

func (r *staticRoot) Resolve(_ ...any) (*Spec, error) {
	if r.spec == nil {
		return nil, errors.New("nil root spec")
	}
	return r.spec, nil
}

// Factory is a root computed from the subscription arguments, e.g., to filter the top-level
// query by a user name.
type Factory func(args ...any) (*Spec, error)

// Resolve calls the factory.
func (f Factory) Resolve(args ...any) (*Spec, error) {
	spec, err := f(args...)
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, errors.New("root factory returned a nil spec")
	}
	return spec, nil
}
