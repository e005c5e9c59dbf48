// Package tools defines the capability contract: the Result envelope every
// invocation returns, capability metadata, the registry that maps names to
// factories, and the Invoke wrapper that makes invocation a total function.
package tools

import (
	"fmt"
	"strings"
	"time"
)

// Status classifies the outcome of one capability invocation.
type Status string

const (
	// StatusSuccess indicates the expected outcome was achieved.
	StatusSuccess Status = "success"
	// StatusFailure indicates a well-understood negative outcome, such as
	// rejected input.
	StatusFailure Status = "failure"
	// StatusPartial indicates some sub-operations succeeded; the data payload
	// is usable but incomplete.
	StatusPartial Status = "partial"
	// StatusError indicates an unexpected fault during execution.
	StatusError Status = "error"
)

// StatusFromString parses a status string.
func StatusFromString(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "success":
		return StatusSuccess, nil
	case "failure":
		return StatusFailure, nil
	case "partial":
		return StatusPartial, nil
	case "error":
		return StatusError, nil
	default:
		return "", fmt.Errorf("invalid result status '%s'. Must be one of: success, failure, partial, error", value)
	}
}

// Result is the uniform envelope returned by every capability invocation.
// Error is non-empty exactly when Status is failure or error.
type Result struct {
	Status    Status         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewSuccessResult creates a success envelope carrying data.
func NewSuccessResult(data map[string]any) *Result {
	return &Result{
		Status:    StatusSuccess,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewFailureResult creates a failure envelope for a well-understood negative
// outcome.
func NewFailureResult(msg string) *Result {
	return &Result{
		Status:    StatusFailure,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// NewPartialResult creates a partial envelope; incompleteness details belong
// in data or metadata, not the error field.
func NewPartialResult(data map[string]any) *Result {
	return &Result{
		Status:    StatusPartial,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorResult creates an error envelope for an unexpected fault.
func NewErrorResult(msg string) *Result {
	return &Result{
		Status:    StatusError,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// IsSuccess reports whether the envelope carries usable output. Partial
// counts: its data is valid, just incomplete.
func (r *Result) IsSuccess() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}

// IsFailure reports whether the invocation produced no usable output.
func (r *Result) IsFailure() bool {
	return r.Status == StatusFailure || r.Status == StatusError
}

// SetMetadata stores a metadata entry, allocating the map on first use.
func (r *Result) SetMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// Meta reads a metadata entry; the second return is false when absent.
func (r *Result) Meta(key string) (any, bool) {
	if r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}

// Validate checks the cross-field status/error invariant.
func (r *Result) Validate() error {
	switch r.Status {
	case StatusSuccess, StatusPartial:
		if r.Error != "" {
			return fmt.Errorf("error must be empty when status is '%s'", r.Status)
		}
	case StatusFailure, StatusError:
		if r.Error == "" {
			return fmt.Errorf("error is required when status is '%s'", r.Status)
		}
	default:
		return fmt.Errorf("unknown result status '%s'", r.Status)
	}
	return nil
}
