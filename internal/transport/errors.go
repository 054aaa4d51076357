package transport

import (
	"code.kassandra.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("transport: error")

	// SerializationError flags Marshal/Unmarshal failures.
	SerializationError = errorFlag("transport: Serialization")

	// EncryptionError flags Encrypt/Decrypt failures.
	EncryptionError = errorFlag("transport: Encryption")

	// ValidationError flags message Check failures.
	ValidationError = errorFlag("transport: Validation")

	// FramingError flags frames that can not be decoded.
	FramingError = errorFlag("transport: Framing")

	// ReadLimitError flags LimitTransport read exhaustion.
	ReadLimitError = errorFlag("transport: ReadLimit")

	// WriteLimitError flags LimitTransport write exhaustion.
	WriteLimitError = errorFlag("transport: WriteLimit")

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
