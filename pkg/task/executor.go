package task

import (
	"context"
	"errors"
	"fmt"
)

// ErrExecutionFailed classifies every task failure.
var ErrExecutionFailed = errors.New("task: execution failed")

// Output is what a successful task produced.
type Output struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Executor runs one task. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, spec Spec, input string) (*Output, error)
}

// ExecutionError reports why a task failed.
type ExecutionError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s failed: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailed }

// Fail builds an ExecutionError.
func Fail(taskID, reason string, cause error) *ExecutionError {
	return &ExecutionError{TaskID: taskID, Reason: reason, Err: cause}
}

// AsExecutionError returns err as an *ExecutionError, wrapping it when needed.
func AsExecutionError(taskID string, err error) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return Fail(taskID, "executor error", err)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, spec Spec, input string) (*Output, error)

func (f Func) Execute(ctx context.Context, spec Spec, input string) (*Output, error) {
	out, err := f(ctx, spec, input)
	if err != nil {
		return nil, AsExecutionError(spec.ID, err)
	}
	if out == nil {
		out = &Output{}
	}
	return out, nil
}

// Router dispatches on Spec.Executor.
type Router struct {
	routes   map[string]Executor
	fallback Executor
}

func NewRouter(fallback Executor) *Router {
	return &Router{routes: make(map[string]Executor), fallback: fallback}
}

// Handle registers an executor under a name. Not safe to call concurrently with Execute.
func (r *Router) Handle(name string, e Executor) *Router {
	r.routes[name] = e
	return r
}

func (r *Router) Execute(ctx context.Context, spec Spec, input string) (*Output, error) {
	e, ok := r.routes[spec.Executor]
	if !ok {
		if spec.Executor != "" || r.fallback == nil {
			return nil, Fail(spec.ID, fmt.Sprintf("no executor registered for %q", spec.Executor), nil)
		}
		e = r.fallback
	}
	return e.Execute(ctx, spec, input)
}

// Echo returns the input unchanged. Useful for dry runs.
var Echo = Func(func(_ context.Context, _ Spec, input string) (*Output, error) {
	return &Output{Content: input}, nil
})
