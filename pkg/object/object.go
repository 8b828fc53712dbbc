package object

import (
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// APIVersion is the API version stamped on every stored document.
const APIVersion = "dpublish.l7mp.io/v1alpha1"

// IDField is the pseudo-field that addresses the document id in selectors and fixtures.
const IDField = "_id"

// DataField is the top-level key holding the user fields of a document.
const DataField = "data"

// Object is a document. The collection is stored as the Kind and the document id as the name,
// user fields live under the "data" key of the unstructured content, so any field name, "kind"
// or "metadata" included, is a valid user field.
type Object = *unstructured.Unstructured

// Key identifies a document across collections.
type Key struct {
	Collection string
	ID         string
}

// String returns the key in the form collection/id.
func (k Key) String() string { return k.Collection + "/" + k.ID }

// New creates an empty document in a collection.
func New(collection, id string) Object {
	obj := &unstructured.Unstructured{Object: map[string]any{DataField: map[string]any{}}}
	obj.SetAPIVersion(APIVersion)
	obj.SetKind(collection)
	obj.SetName(id)
	return obj
}

// NewFromFields creates a document with the given user fields. Fields must be JSON-compatible
// (string, bool, int64, float64, nil, []any or map[string]any).
func NewFromFields(collection, id string, fields map[string]any) Object {
	obj := New(collection, id)
	SetFields(obj, fields)
	return obj
}

// GetCollection returns the collection of a document.
func GetCollection(obj Object) string { return obj.GetKind() }

// GetID returns the id of a document.
func GetID(obj Object) string { return obj.GetName() }

// KeyOf returns the identity of a document.
func KeyOf(obj Object) Key { return Key{Collection: obj.GetKind(), ID: obj.GetName()} }

// Fields returns a deep copy of the user fields of a document.
func Fields(obj Object) map[string]any {
	if obj == nil {
		return map[string]any{}
	}
	data, ok := obj.Object[DataField].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return runtime.DeepCopyJSON(data)
}

// SetFields replaces the user fields of a document, preserving collection and id. The content
// is deep-copied.
func SetFields(obj Object, fields map[string]any) {
	if obj.Object == nil {
		obj.Object = map[string]any{}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	obj.Object[DataField] = runtime.DeepCopyJSON(fields)
}

// GetField returns the value at a field path. The path is either a dot-separated field path or
// a JSONPath expression starting with "$", e.g., "$.tags[0]", in which case the first match is
// returned. Paths are relative to the user fields, the path "_id" addresses the document id.
func GetField(obj Object, path string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	if path == IDField {
		return obj.GetName(), true
	}
	data, ok := obj.Object[DataField].(map[string]any)
	if !ok {
		return nil, false
	}
	if strings.HasPrefix(path, "$") {
		x, err := jp.ParseString(path)
		if err != nil {
			return nil, false
		}
		values := x.Get(data)
		if len(values) == 0 {
			return nil, false
		}
		return values[0], true
	}
	v, found, err := unstructured.NestedFieldNoCopy(data, strings.Split(path, ".")...)
	if err != nil || !found {
		return nil, false
	}
	return v, true
}

// DeepEqual compares two documents, including collection and id.
func DeepEqual(a, b Object) bool {
	return equality.Semantic.DeepEqual(a, b)
}

// FieldsEqual compares two user field sets.
func FieldsEqual(a, b map[string]any) bool {
	return equality.Semantic.DeepEqual(a, b)
}

func DeepCopyInto(in, out Object) {
	if in == nil || out == nil {
		return
	}
	out.SetUnstructuredContent(runtime.DeepCopyJSON(in.UnstructuredContent()))
}

func DeepCopy(in Object) Object {
	if in == nil {
		return nil
	}

	out := new(unstructured.Unstructured)
	DeepCopyInto(in, out)
	return out
}

// SortByID sorts a document list by id in place.
func SortByID(objs []Object) {
	sort.Slice(objs, func(i, j int) bool { return GetID(objs[i]) < GetID(objs[j]) })
}
