package wire

import (
	"code.kassandra.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("wire: error")

	// ErrFraTooLow flags registrations requesting a false positive rate below
	// the service minimum.
	ErrFraTooLow = errorFlag("wire: FraTooLow")

	// ErrHeightSkipped flags feed batches that are not at the minimum desired
	// height.
	ErrHeightSkipped = errorFlag("wire: HeightSkipped")

	// ErrMalformedBatch flags messages whose body can not be decoded.
	ErrMalformedBatch = errorFlag("wire: MalformedBatch")

	// ErrUnknownSession flags session operations naming no live session.
	ErrUnknownSession = errorFlag("wire: UnknownSession")

	// ErrBusy flags scan operations issued while a client session is active.
	ErrBusy = errorFlag("wire: Busy")

	// ErrIndexerUnreachable flags indexer fetch failures.
	ErrIndexerUnreachable = errorFlag("wire: IndexerUnreachable")

	// ErrTooManySessions flags session opens beyond the session table bound.
	ErrTooManySessions = errorFlag("wire: TooManySessions")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// flagError returns a utils.RaisedErr{} carrying flag as its errors.Is target.
func flagError(flag error, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}
