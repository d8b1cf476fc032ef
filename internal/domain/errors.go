package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in the error handling design: config errors
// are fatal at startup, parse errors are skipped and counted, FileFailed is
// per-file fatal, the Transient/Fatal pairs distinguish retryable failures
// from ones that should not be retried.
var (
	ErrConfig           = errors.New("config error")
	ErrProviderTransient = errors.New("embedding provider: transient error")
	ErrProviderFatal     = errors.New("embedding provider: fatal error")
	ErrStoreTransient    = errors.New("vector store: transient error")
	ErrStoreBadRequest   = errors.New("vector store: bad request")
	ErrStoreNotFound     = errors.New("vector store: not found")
	ErrFileFailed        = errors.New("ingestion: file failed")
	ErrConflict          = errors.New("conflict")
	ErrBadRequest        = errors.New("bad request")
)

// WrappedError attaches context (what/where) to one of the sentinels above
// while preserving errors.Is/As compatibility via Unwrap.
type WrappedError struct {
	Op      string // operation or component, e.g. "ingest.Ingest", "qwen.Embed"
	Subject string // file path, collection name, conversation id, etc.
	Wrapped error
}

func (e *WrappedError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Subject, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Wrapped)
}

func (e *WrappedError) Unwrap() error { return e.Wrapped }

// Wrap builds a WrappedError around one of the sentinel kinds above.
func Wrap(op, subject string, sentinel error) *WrappedError {
	return &WrappedError{Op: op, Subject: subject, Wrapped: sentinel}
}

// WrapErr wraps an arbitrary error under an operation/subject without forcing
// a specific sentinel, used when an underlying library error should still
// carry op/subject context but already classifies itself via errors.Is.
func WrapErr(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &WrappedError{Op: op, Subject: subject, Wrapped: err}
}
