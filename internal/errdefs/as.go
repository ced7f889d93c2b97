package errdefs

import "errors"

// asErr matches err (or anything it wraps) against the concrete taxonomy type.
func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}
