package spine

import (
	"errors"
	"fmt"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// Error is the business error taxonomy surfaced to callers, stored in
// executions as error.category. Unlike internal/framework's ServiceError
// (lifecycle/wiring failures), Error carries a business Category used to
// drive retry and HTTP-status mapping decisions by collaborators outside
// this core.
type Error struct {
	Category domain.ErrorCategory
	Message  string
	Field    string
	Details  map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Category, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Category extracts the ErrorCategory from err, defaulting to "permanent"
// for errors that are not *Error.
func Category(err error) domain.ErrorCategory {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return domain.CategoryPermanent
}

// IsRetryable reports whether err should be retried by the dispatcher: only
// errors classified transient are eligible.
func IsRetryable(err error) bool {
	return Category(err) == domain.CategoryTransient
}

func New(category domain.ErrorCategory, message string) *Error {
	return &Error{Category: category, Message: message}
}

func Wrap(category domain.ErrorCategory, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// PipelineNotFound is returned when the registry has no pipeline with the
// requested name.
func PipelineNotFound(name string) *Error {
	return &Error{Category: domain.CategoryNotFound, Message: "pipeline not found", Field: name}
}

// ParamInvalid is returned when a parameter coerces to the wrong type.
func ParamInvalid(field, reason string) *Error {
	return &Error{Category: domain.CategoryValidation, Message: reason, Field: field}
}

// ParamMissing is returned when a required parameter is absent.
func ParamMissing(field string) *Error {
	return &Error{Category: domain.CategoryValidation, Message: "required parameter missing", Field: field}
}

// IngestSourceUnresolved is returned when file_path cannot be derived.
func IngestSourceUnresolved(pipeline string) *Error {
	return &Error{Category: domain.CategoryValidation, Message: "ingest source could not be resolved", Field: pipeline}
}

// ExecutionNotFound is returned by ledger lookups.
func ExecutionNotFound(id string) *Error {
	return &Error{Category: domain.CategoryNotFound, Message: "execution not found", Field: id}
}

// LockHeld is returned when a concurrency lock cannot be acquired.
func LockHeld(key string) *Error {
	return &Error{Category: domain.CategoryConflict, Message: "lock already held", Field: key}
}

// HTTPStatus maps a category to its HTTP status code, for the
// benefit of an HTTP collaborator outside this core; this core itself
// never imports net/http.
func HTTPStatus(category domain.ErrorCategory) int {
	switch category {
	case domain.CategoryValidation:
		return 400
	case domain.CategoryNotFound:
		return 404
	case domain.CategoryConflict:
		return 409
	case domain.CategoryTimeout:
		return 504
	default:
		return 500
	}
}
