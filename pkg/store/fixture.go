package store

import (
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/l7mp/dpublish/pkg/object"
	"github.com/l7mp/dpublish/pkg/util"
)

// Fixture is a set of documents grouped by collection. Each document must carry its id in the
// "_id" field, the rest of the fields become the user fields of the document.
//
//	collections:
//	  posts:
//	    - _id: post1
//	      author: marie
type Fixture struct {
	Collections map[string][]map[string]any `json:"collections"`
}

// Objects returns the documents of the fixture, collections in alphabetical order.
func (f *Fixture) Objects() ([]object.Object, error) {
	ret := []object.Object{}
	for _, name := range util.SortedKeys(f.Collections) {
		for i, doc := range f.Collections[name] {
			id, ok := doc[object.IDField].(string)
			if !ok || id == "" {
				return nil, fmt.Errorf("document %d in collection %q: missing or invalid %q",
					i, name, object.IDField)
			}
			fields := make(map[string]any, len(doc))
			for k, v := range doc {
				if k != object.IDField {
					fields[k] = v
				}
			}
			ret = append(ret, object.NewFromFields(name, id, fields))
		}
	}

	return ret, nil
}

// LoadYAML upserts all documents of a YAML fixture into the store.
func (s *Store) LoadYAML(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse fixture: %w", err)
	}

	objs, err := f.Objects()
	if err != nil {
		return err
	}

	for _, obj := range objs {
		if err := s.Upsert(obj); err != nil {
			return fmt.Errorf("failed to load %s: %w", object.KeyOf(obj), err)
		}
	}

	s.log.V(1).Info("fixture loaded", "documents", len(objs))

	return nil
}

// LoadFile upserts all documents of a YAML fixture file into the store.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.LoadYAML(f)
}
