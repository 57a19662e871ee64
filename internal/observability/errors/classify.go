// Package errors provides helpers for turning failures into stable,
// low-cardinality labels for metric tags and log fields.
package errors

import (
	goerrors "errors"
	"fmt"
	"strings"
)

// Classify reduces an error to a label suitable for tagging. The innermost
// wrapped error determines the label: its Go type name, lowercased, with
// pointer markers stripped and package qualifiers flattened.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	// Wrapping adds call-site context; the root cause carries the signal.
	for {
		inner := goerrors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	name := fmt.Sprintf("%T", err)
	name = strings.ReplaceAll(name, "*", "")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "unknown"
	}
	return name
}
