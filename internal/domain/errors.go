package domain

import "errors"

var (
	// ErrMissingInput is returned when a source, raw or processed input is absent.
	// The affected stage is skipped; the process keeps running.
	ErrMissingInput = errors.New("missing input")

	// ErrConstraintViolation is returned when the store rejects a write.
	// The surrounding batch is rolled back and may be retried.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound is returned when the row targeted by a close does not exist.
	ErrNotFound = errors.New("version not found")

	// ErrAlreadyClosed is returned when the row targeted by a close is no
	// longer current. It matches ErrNotFound.
	ErrAlreadyClosed error = &alreadyClosedError{msg: "version already closed"}

	// ErrSchema is returned when the dimension schema cannot be created or
	// verified. It is fatal for the run.
	ErrSchema = errors.New("schema error")

	// ErrRevisionOutOfOrder is returned when an entity changes in a batch whose
	// date does not fall after the start of its current version, including a
	// second change on the same date. It matches ErrConstraintViolation.
	ErrRevisionOutOfOrder error = &revisionOrderError{msg: "batch date does not follow current version start"}
)

type alreadyClosedError struct{ msg string }

func (e *alreadyClosedError) Error() string { return e.msg }

func (*alreadyClosedError) Unwrap() error { return ErrNotFound }

type revisionOrderError struct{ msg string }

func (e *revisionOrderError) Error() string { return e.msg }

func (*revisionOrderError) Unwrap() error { return ErrConstraintViolation }
