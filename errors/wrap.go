package errors

import (
	"context"
	"errors"
	"fmt"
)

// find returns the outermost *Error in err's chain.
func find(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// Wrap adds context to err. A bus error keeps its code, category, peer
// and member. Context errors become TIMEOUT or CANCELED; anything else
// becomes HANDLER_FAULT. Wrap(nil) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if be, ok := find(err); ok {
		wrapped := &Error{
			code:      be.code,
			category:  be.category,
			message:   message,
			cause:     err,
			metadata:  be.Metadata(),
			retryable: be.retryable,
			peer:      be.peer,
			member:    be.member,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	code := ErrCodeHandlerFault
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeCanceled
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps err under an explicit code. WrapWithCode(nil) is nil.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// AsBusError returns the bus error in err's chain, or nil.
func AsBusError(err error) BusError {
	if be, ok := find(err); ok {
		return be
	}
	return nil
}

// Is reports whether the outermost bus error in the chain has code.
func Is(err error, code ErrorCode) bool {
	be, ok := find(err)
	return ok && be.code == code
}

// Code is the code of the outermost bus error in the chain, or "".
func Code(err error) ErrorCode {
	if be, ok := find(err); ok {
		return be.code
	}
	return ""
}

// Category is the category of the outermost bus error in the chain, or "".
func Category(err error) ErrorCategory {
	if be, ok := find(err); ok {
		return be.category
	}
	return ""
}

func IsRetryable(err error) bool {
	be, ok := find(err)
	return ok && be.Retryable()
}

func IsConfiguration(err error) bool { return Category(err) == CategoryConfiguration }
func IsConnectivity(err error) bool  { return Category(err) == CategoryConnectivity }
func IsTimeout(err error) bool       { return Category(err) == CategoryTimeout }
func IsProtocol(err error) bool      { return Category(err) == CategoryProtocol }

// Cause follows Unwrap to the innermost error.
func Cause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return err
}

// Join combines errs; nil when every err is nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic turns a recovered value into HANDLER_FAULT. The panic
// value's type is kept as panic_value metadata.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	message := fmt.Sprint(recovered)
	if err, ok := recovered.(error); ok {
		message = err.Error()
	}
	return New(ErrCodeHandlerFault, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
