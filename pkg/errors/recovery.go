package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a recovered value into a fatal internal error carrying
// the goroutine stack. It returns nil for a nil value.
func RecoverPanic(r any) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}

// Guard runs fn and converts a panic inside it into the error returned by
// RecoverPanic. onPanic, when set, sees that error before Guard returns.
func Guard(fn func() error, onPanic func(error)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoverPanic(r)
			if onPanic != nil {
				onPanic(err)
			}
		}
	}()
	return fn()
}
