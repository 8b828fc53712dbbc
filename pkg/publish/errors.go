package publish

import (
	"errors"
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/l7mp/dpublish/pkg/object"
)

var (
	// ErrAlreadyStarted is returned when a publication is started twice.
	ErrAlreadyStarted = errors.New("publication already started")
	// ErrStopped is returned when a stopped publication is started.
	ErrStopped = errors.New("publication stopped")
)

// FindError is returned when the find function of a node fails. It is fatal for the session.
type FindError struct {
	// Path is the position of the failing spec in the tree, e.g., "root/0/1".
	Path string
	// Parent is the parent document the find function was evaluated on, empty for the root.
	Parent object.Key
	Err    error
}

func (e *FindError) Error() string {
	if e.Parent == (object.Key{}) {
		return fmt.Sprintf("find failed at %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("find failed at %s for parent %s: %v", e.Path, e.Parent, e.Err)
}

func (e *FindError) Unwrap() error { return e.Err }

// InvariantError signals a reference-counting bookkeeping bug. It is never recovered.
type InvariantError struct {
	Op      string
	Key     object.Key
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s for %s: %s", e.Op, e.Key, e.Message)
}

// IsFatal reports whether an error terminates a publication session.
func IsFatal(err error) bool {
	if agg, ok := err.(utilerrors.Aggregate); ok {
		for _, e := range agg.Errors() {
			if IsFatal(e) {
				return true
			}
		}
		return false
	}
	var fe *FindError
	var ie *InvariantError
	return errors.As(err, &fe) || errors.As(err, &ie)
}
