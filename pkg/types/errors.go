package types

// TaskError is returned for failures of a pipeline stage: missing
// configuration, failed service requests and missing artifact content.
type TaskError struct {
	msg   string
	cause error
}

// NewTaskError creates a TaskError with the given message
func NewTaskError(msg string) *TaskError {
	return &TaskError{msg: msg}
}

// WrapTaskError wraps err, reusing its message
func WrapTaskError(err error) *TaskError {
	return &TaskError{msg: err.Error(), cause: err}
}

// WrapTaskErrorf wraps err under a new message
func WrapTaskErrorf(err error, msg string) *TaskError {
	return &TaskError{msg: msg, cause: err}
}

func (e *TaskError) Error() string {
	return e.msg
}

func (e *TaskError) Unwrap() error {
	return e.cause
}
