// Package errdefs defines the error taxonomy shared by the registry,
// loader, dispatcher and engine, plus predicates the HTTP layer uses to
// map failures to status codes.
package errdefs

import "fmt"

// duplicateModelError signals a register against an existing model id.
type duplicateModelError struct{ id string }

func (e duplicateModelError) Error() string { return "model already registered: " + e.id }

func ErrDuplicateModel(id string) error { return duplicateModelError{id: id} }

func IsDuplicateModel(err error) bool {
	var t duplicateModelError
	return asErr(err, &t)
}

// notFoundError signals a registry miss for a model id.
type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "model not registered: " + e.id }

func ErrNotFound(id string) error { return notFoundError{id: id} }

func IsNotFound(err error) bool {
	var t notFoundError
	return asErr(err, &t)
}

// invalidParametersError signals a request rejected before any model access.
type invalidParametersError struct{ msg string }

func (e invalidParametersError) Error() string { return "invalid parameters: " + e.msg }

func ErrInvalidParameters(format string, args ...any) error {
	return invalidParametersError{msg: fmt.Sprintf(format, args...)}
}

func IsInvalidParameters(err error) bool {
	var t invalidParametersError
	return asErr(err, &t)
}

// missingDependencyError signals an absent external capability.
type missingDependencyError struct{ capability string }

func (e missingDependencyError) Error() string {
	return "missing dependency: " + e.capability
}

func ErrMissingDependency(capability string) error {
	return missingDependencyError{capability: capability}
}

func IsMissingDependency(err error) bool {
	var t missingDependencyError
	return asErr(err, &t)
}

// modelNotFoundError signals an identifier that does not resolve to a
// retrievable model (distinct from a registry miss).
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

func IsModelNotFound(err error) bool {
	var t modelNotFoundError
	return asErr(err, &t)
}

// incompatibleKindError signals a model/kind or task/kind mismatch.
type incompatibleKindError struct{ msg string }

func (e incompatibleKindError) Error() string { return "incompatible kind: " + e.msg }

func ErrIncompatibleKind(format string, args ...any) error {
	return incompatibleKindError{msg: fmt.Sprintf(format, args...)}
}

func IsIncompatibleKind(err error) bool {
	var t incompatibleKindError
	return asErr(err, &t)
}

// loadFailureError wraps an upstream cause of a failed load.
type loadFailureError struct {
	id    string
	cause error
}

func (e loadFailureError) Error() string {
	return fmt.Sprintf("load failed for %s: %v", e.id, e.cause)
}

func (e loadFailureError) Unwrap() error { return e.cause }

func ErrLoadFailure(id string, cause error) error {
	return loadFailureError{id: id, cause: cause}
}

func IsLoadFailure(err error) bool {
	var t loadFailureError
	return asErr(err, &t)
}

// generationError wraps a backend failure during generation.
type generationError struct {
	id    string
	cause error
}

func (e generationError) Error() string {
	return fmt.Sprintf("generation failed for %s: %v", e.id, e.cause)
}

func (e generationError) Unwrap() error { return e.cause }

func ErrGeneration(id string, cause error) error {
	return generationError{id: id, cause: cause}
}

func IsGeneration(err error) bool {
	var t generationError
	return asErr(err, &t)
}

// timeoutError signals a generation that exceeded the configured maximum
// duration.
type timeoutError struct{ id string }

func (e timeoutError) Error() string { return "generation timed out for " + e.id }

func ErrTimeout(id string) error { return timeoutError{id: id} }

func IsTimeout(err error) bool {
	var t timeoutError
	return asErr(err, &t)
}
