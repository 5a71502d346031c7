// Package errors contains helper functions and types to work with errors
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category defines error category
type Category int

const (
	// CategoryNoError means the operation succeeded.
	CategoryNoError Category = iota
	// CategoryDataError The server rejected the payload as invalid,
	// for example a missing field or a malformed value. Never retried.
	CategoryDataError
	// CategoryUnauthorized The client has no valid credential for the server
	CategoryUnauthorized
	// CategoryForbidden The client is authenticated but not allowed to touch the resource
	CategoryForbidden
	// CategoryResourceNotFound The requested record does not exist on the server
	CategoryResourceNotFound
	// CategoryDataConflict The server holds a newer version of the record (stale write)
	CategoryDataConflict
	// CategoryDependencyFailure The server is throwing errors
	CategoryDependencyFailure
	// CategoryGeneralError The engine failed in an unexpected way
	CategoryGeneralError
	// CategoryRecovering The server is failing but is expected to recover
	CategoryRecovering
	// CategoryConnectionTimeout Connection to the server timing out
	CategoryConnectionTimeout
	// CategoryStoreUnavailable The local store could not be opened or has gone away
	CategoryStoreUnavailable
)

func (c Category) String() string {
	switch c {
	case CategoryDataError:
		return "CategoryDataError"
	case CategoryUnauthorized:
		return "CategoryUnauthorized"
	case CategoryForbidden:
		return "CategoryForbidden"
	case CategoryResourceNotFound:
		return "CategoryResourceNotFound"
	case CategoryDataConflict:
		return "CategoryDataConflict"
	case CategoryDependencyFailure:
		return "CategoryDependencyFailure"
	case CategoryRecovering:
		return "CategoryRecovering"
	case CategoryConnectionTimeout:
		return "CategoryConnectionTimeout"
	case CategoryStoreUnavailable:
		return "CategoryStoreUnavailable"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError represents service specific type that
// is used all over the engine.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err ServiceError) Unwrap() error {
	return err.Err
}

// Is checks that provided error is a ServiceError with desired Category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Category == cat {
		return true
	}
	return false
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		// Plain network errors (connection refused, DNS, timeouts wrapped
		// by net/http) are transient by definition here.
		return true
	}
	switch svcErr.Category {
	case CategoryDependencyFailure, CategoryRecovering, CategoryConnectionTimeout:
		return true
	default:
		return false
	}
}

// IsConflict reports whether the error is a stale-write rejection.
func IsConflict(err error) bool {
	return Is(err, CategoryDataConflict)
}

// IsValidation reports whether the error is a permanent payload rejection.
func IsValidation(err error) bool {
	return Is(err, CategoryDataError)
}

// IsUnauthorized reports whether the error is a credential problem.
func IsUnauthorized(err error) bool {
	return Is(err, CategoryUnauthorized) || Is(err, CategoryForbidden)
}

// Message returns the user-facing message carried by a ServiceError,
// falling back to the plain error text.
func Message(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Message != "" {
		return svcErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// GeneralError returns a general service error
func GeneralError(err error) error {
	if err == nil {
		err = errors.New("internal error")
	}
	return &ServiceError{
		Category: CategoryGeneralError,
		Message:  "Internal Error",
		Err:      err,
	}
}

// ResourceNotFoundError returns an error with category ResourceNotFound
func ResourceNotFoundError(err error, message string) error {
	if err == nil {
		err = errors.New("resource not found:" + message)
	}
	return &ServiceError{
		Category: CategoryResourceNotFound,
		Message:  message,
		Err:      err,
	}
}

// ValidationError returns an error with category DataError.
// The message is the server's rejection text, preserved verbatim.
func ValidationError(err error, message string) error {
	if err == nil {
		err = errors.New("validation failed:" + message)
	}
	return &ServiceError{
		Category: CategoryDataError,
		Message:  message,
		Err:      err,
	}
}

// UnAuthorizedError returns an error with category CategoryUnauthorized
func UnAuthorizedError(err error, message string) error {
	if err == nil {
		err = errors.New("unauthorized")
	}
	return &ServiceError{
		Category: CategoryUnauthorized,
		Message:  message,
		Err:      err,
	}
}

// ConflictError returns an error with category CategoryDataConflict
func ConflictError(err error, message string) error {
	if err == nil {
		err = errors.New("conflict")
	}
	return &ServiceError{
		Category: CategoryDataConflict,
		Message:  message,
		Err:      err,
	}
}

// DependencyError returns an error with category CategoryDependencyFailure
func DependencyError(err error, message string) error {
	if err == nil {
		err = errors.New("dependency failure")
	}
	return &ServiceError{
		Category: CategoryDependencyFailure,
		Message:  message,
		Err:      err,
	}
}

// TimeoutError returns an error with category CategoryConnectionTimeout
func TimeoutError(err error, message string) error {
	if err == nil {
		err = errors.New("connection timeout")
	}
	return &ServiceError{
		Category: CategoryConnectionTimeout,
		Message:  message,
		Err:      err,
	}
}

// StoreUnavailableError returns an error with category CategoryStoreUnavailable
func StoreUnavailableError(err error) error {
	if err == nil {
		err = errors.New("local store unavailable")
	}
	return &ServiceError{
		Category: CategoryStoreUnavailable,
		Message:  "local store unavailable",
		Err:      err,
	}
}

// FromStatusCode classifies a non-2xx server response.
// 409 is the staleness signal, 400/422 are validation rejections;
// everything in the 5xx range is treated as recoverable.
func FromStatusCode(status int, body string) error {
	base := fmt.Errorf("server returned %d: %s", status, body)
	switch status {
	case http.StatusConflict:
		return ConflictError(base, body)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ValidationError(base, body)
	case http.StatusUnauthorized:
		return UnAuthorizedError(base, body)
	case http.StatusForbidden:
		return &ServiceError{Category: CategoryForbidden, Message: body, Err: base}
	case http.StatusNotFound:
		return ResourceNotFoundError(base, body)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return TimeoutError(base, body)
	case http.StatusServiceUnavailable:
		return &ServiceError{Category: CategoryRecovering, Message: body, Err: base}
	default:
		if status >= 500 {
			return DependencyError(base, body)
		}
		return ValidationError(base, body)
	}
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryDataConflict:
		return http.StatusConflict
	case CategoryDependencyFailure:
		return http.StatusBadGateway
	case CategoryGeneralError:
		return http.StatusInternalServerError
	case CategoryRecovering, CategoryStoreUnavailable:
		return http.StatusServiceUnavailable
	case CategoryConnectionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
