// Package exit defines the process exit codes and the error wrappers that
// carry them through the command layer.
package exit

import "errors"

const (
	// OK means the command completed.
	OK = 0
	// Internal covers failures in the pipeline itself.
	Internal = 1
	// BadArgs means the command line could not be used.
	BadArgs = 2
	// Source covers failures talking to the source database.
	Source = 3
	// Target covers failures talking to the target database.
	Target = 4
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode tags err with an exit code. A nil err stays nil.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// Code extracts the exit code from err, defaulting to Internal for untagged
// errors and OK for nil.
func Code(err error) int {
	if err == nil {
		return OK
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return Internal
}
