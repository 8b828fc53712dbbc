package store

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/l7mp/dpublish/pkg/object"
)

// Query selects the documents of a collection. A nil Selector or Labels matches all documents.
// Field paths in the selector are dot-separated paths into the user fields of a document, the
// path "_id" addresses the document id.
type Query struct {
	Collection string
	Selector   fields.Selector
	Labels     labels.Selector
}

// NewQuery returns a query matching every document in a collection.
func NewQuery(collection string) *Query {
	return &Query{Collection: collection}
}

// ParseQuery returns a query with a field selector parsed from its string form, e.g.,
// "author=marie,postId!=post2".
func ParseQuery(collection, selector string) (*Query, error) {
	sel, err := fields.ParseSelector(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q for collection %q: %w", selector, collection, err)
	}
	return &Query{Collection: collection, Selector: sel}, nil
}

// ByID returns a query matching a single document.
func ByID(collection, id string) *Query {
	return NewQuery(collection).Where(object.IDField, id)
}

// Where returns a copy of the query that additionally requires field to equal value.
func (q *Query) Where(field, value string) *Query {
	return q.and(fields.OneTermEqualSelector(field, value))
}

// WhereNot returns a copy of the query that additionally requires field to differ from value.
func (q *Query) WhereNot(field, value string) *Query {
	return q.and(fields.OneTermNotEqualSelector(field, value))
}

// WithLabels returns a copy of the query that additionally filters on document labels.
func (q *Query) WithLabels(sel labels.Selector) *Query {
	ret := *q
	ret.Labels = sel
	return &ret
}

func (q *Query) and(sel fields.Selector) *Query {
	ret := *q
	if ret.Selector == nil || ret.Selector.Empty() {
		ret.Selector = sel
	} else {
		ret.Selector = fields.AndSelectors(ret.Selector, sel)
	}
	return &ret
}

// Matches reports whether a document satisfies the query.
func (q *Query) Matches(obj object.Object) bool {
	if obj == nil || object.GetCollection(obj) != q.Collection {
		return false
	}

	if q.Labels != nil && !q.Labels.Matches(labels.Set(obj.GetLabels())) {
		return false
	}

	if q.Selector == nil || q.Selector.Empty() {
		return true
	}

	return q.Selector.Matches(fieldSet(obj, q.Selector))
}

// String returns a canonical representation of the query. Two queries with the same string form
// select the same documents.
func (q *Query) String() string {
	if q == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(q.Collection)
	if q.Selector != nil && !q.Selector.Empty() {
		b.WriteString("?")
		b.WriteString(q.Selector.String())
	}
	if q.Labels != nil && !q.Labels.Empty() {
		b.WriteString("#")
		b.WriteString(q.Labels.String())
	}
	return b.String()
}

// Equal reports whether two queries select the same documents. Two nil queries are equal.
func Equal(a, b *Query) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

// fieldSet collects the values of the fields a selector refers to. Missing fields are left out,
// so an equality term on them never matches while an inequality term does.
func fieldSet(obj object.Object, sel fields.Selector) fields.Set {
	set := fields.Set{}
	for _, req := range sel.Requirements() {
		v, ok := object.GetField(obj, req.Field)
		if !ok {
			continue
		}
		if s, ok := stringify(v); ok {
			set[req.Field] = s
		}
	}
	return set
}

func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		// composite values cannot be selected on
		return "", false
	}
}
