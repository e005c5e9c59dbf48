package tools

import (
	"fmt"
	"strings"
)

// NotFoundError reports a lookup for an unregistered capability. The message
// enumerates what is registered so a typo is obvious from the error alone.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("capability '%s' is not registered (registry is empty)", e.Name)
	}
	return fmt.Sprintf("capability '%s' is not registered. Available: %s", e.Name, strings.Join(e.Available, ", "))
}

// DependencyError reports a missing external dependency: an absent browser
// binary, interpreter, or unreachable service. Suggestion carries the
// remediation shown to the user verbatim.
type DependencyError struct {
	Resource   string
	Suggestion string
	Err        error
}

func (e *DependencyError) Error() string {
	msg := "missing dependency: " + e.Resource
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// NewDependencyError wraps err as a missing-dependency fault with a
// remediation suggestion.
func NewDependencyError(resource, suggestion string, err error) *DependencyError {
	return &DependencyError{Resource: resource, Suggestion: suggestion, Err: err}
}
