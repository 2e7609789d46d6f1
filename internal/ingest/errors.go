package ingest

import (
	"fmt"
)

// ValidationError reports a malformed or incomplete report. It is raised
// before any store access and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid report: " + e.Reason
	}
	return fmt.Sprintf("invalid report: %s %s", e.Field, e.Reason)
}

// PersistentStoreError reports a store failure that survived local recovery
type PersistentStoreError struct {
	Phase string
	Err   error
}

func (e *PersistentStoreError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PersistentStoreError) Unwrap() error {
	return e.Err
}
