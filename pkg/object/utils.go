package object

import (
	"encoding/json"
	"fmt"
)

// Dump converts a document into a human-readable form.
func Dump(obj Object) string {
	if obj == nil {
		return "<nil>"
	}

	// default dump
	output := fmt.Sprintf("%#v", obj.Object)

	if json, err := json.Marshal(obj.Object); err == nil {
		output = string(json)
	}

	return output
}

// DumpFields converts a user field set into a human-readable form.
func DumpFields(fields map[string]any) string {
	if json, err := json.Marshal(fields); err == nil {
		return string(json)
	}
	return fmt.Sprintf("%#v", fields)
}
