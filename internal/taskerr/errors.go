// Package taskerr defines the error taxonomy shared by every component of
// the task-graph engine. Callers should use errors.As/errors.Is against
// these types rather than string-matching messages.
package taskerr

import (
	"fmt"
	"strings"
)

// InvalidInputError reports a schema validation failure, citing every
// offending path so a caller can report all problems at once rather than
// one at a time.
type InvalidInputError struct {
	Paths []string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", strings.Join(e.Paths, "; "))
}

func NewInvalidInput(paths ...string) *InvalidInputError {
	return &InvalidInputError{Paths: paths}
}

// TaskFailedError wraps the error a task's own body raised.
type TaskFailedError struct {
	TaskID string
	Cause  error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Cause)
}

func (e *TaskFailedError) Unwrap() error { return e.Cause }

func NewTaskFailed(taskID string, cause error) *TaskFailedError {
	return &TaskFailedError{TaskID: taskID, Cause: cause}
}

// TaskAbortedError reports that a task observed cancellation and stopped.
// CauseTag distinguishes a plain cancellation from a timeout without
// requiring callers to unwrap a second error type.
type TaskAbortedError struct {
	TaskID   string
	CauseTag string // "", "timeout", "parent-cancelled"
}

func (e *TaskAbortedError) Error() string {
	if e.CauseTag == "" {
		return fmt.Sprintf("task %s aborted", e.TaskID)
	}
	return fmt.Sprintf("task %s aborted (%s)", e.TaskID, e.CauseTag)
}

func NewTaskAborted(taskID, causeTag string) *TaskAbortedError {
	return &TaskAbortedError{TaskID: taskID, CauseTag: causeTag}
}

// NewTaskTimeout surfaces a timeout as TaskAborted with a "timeout" tag, per
// the error handling design: timeouts are a flavor of abort, not a separate
// terminal status.
func NewTaskTimeout(taskID string) *TaskAbortedError {
	return NewTaskAborted(taskID, "timeout")
}

// WorkflowError reports a structural error building or running a graph:
// missing port, unknown task id, cycle, no suitable index.
type WorkflowError struct {
	Msg string
}

func (e *WorkflowError) Error() string { return e.Msg }

func NewWorkflowError(format string, args ...any) *WorkflowError {
	return &WorkflowError{Msg: fmt.Sprintf(format, args...)}
}

// RepositoryError wraps a backend-native storage failure.
type RepositoryError struct {
	Op    string
	Cause error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Cause)
}

func (e *RepositoryError) Unwrap() error { return e.Cause }

func NewRepositoryError(op string, cause error) *RepositoryError {
	return &RepositoryError{Op: op, Cause: cause}
}

// UnsupportedError reports that a backend does not implement a requested
// operation (e.g. search on the filesystem backend).
type UnsupportedError struct {
	Backend, Op string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s backend does not support %s", e.Backend, e.Op)
}

func NewUnsupported(backend, op string) *UnsupportedError {
	return &UnsupportedError{Backend: backend, Op: op}
}
