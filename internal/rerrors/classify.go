package rerrors

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// Classify attempts to classify an unknown error into an *Error. This is
// used at core boundaries (canon, cas, sandbox, engine, replay) to ensure
// nothing unwinds across the public API as a bare, untyped error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	// Already classified.
	var re *Error
	if errors.As(err, &re) {
		return re
	}

	// Context errors: the engine derives a timeout context from ExecPolicy
	// and a cancellation context from the caller; both surface here.
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, "operation timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return New(CodeInternal, "operation cancelled").WithCause(err)
	}

	// Syscall errors from the sandbox's child process or the CAS's file I/O.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ETIMEDOUT, syscall.EWOULDBLOCK:
			return New(CodeTimeout, "operation would block").WithCause(err).SetRetryable(true)
		case syscall.EMFILE, syscall.ENFILE, syscall.ENOSPC:
			return New(CodeSandboxUnavailable, "resource limit reached").WithCause(err)
		case syscall.ENOENT:
			return New(CodeMissingInput, "path does not exist").WithCause(err)
		case syscall.EACCES, syscall.EPERM:
			return New(CodePathEscape, "permission denied").WithCause(err)
		}
	}

	// Filesystem errors from CAS reads/writes.
	if errors.Is(err, os.ErrNotExist) {
		return New(CodeMissingInput, "file not found").WithCause(err)
	}
	if errors.Is(err, os.ErrPermission) {
		return New(CodePathEscape, "permission denied").WithCause(err)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return New(CodeSpawnFailed, "process could not be started").WithCause(err).SetRetryable(true)
	}

	return New(CodeUnknown, "an unexpected error occurred").WithCause(err)
}

// MustClassify ensures an error is an *Error, returning nil on nil input.
func MustClassify(err error) *Error {
	if err == nil {
		return nil
	}
	return Classify(err)
}

// ClassifyWithCode classifies an error, substituting defaultCode when
// Classify could not determine anything more specific than CodeUnknown.
func ClassifyWithCode(err error, defaultCode Code) *Error {
	if err == nil {
		return nil
	}
	classified := Classify(err)
	if classified.Code == CodeUnknown {
		classified.Code = defaultCode
	}
	return classified
}
