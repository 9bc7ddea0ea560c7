package apperr

import "net/http"

// Code classifies an error for callers and for HTTP mapping.
type Code int

const (
	CodeOK Code = iota
	CodeValidation
	CodeDuplicate
	CodeInsufficientBalance
	CodeNotFound
	CodeTransient
	CodeSystem
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeValidation:
		return "VALIDATION_ERROR"
	case CodeDuplicate:
		return "DUPLICATE_OPERATION"
	case CodeInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeTransient:
		return "TRY_AGAIN"
	case CodeSystem:
		return "SYSTEM_ERROR"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus maps an error code to its HTTP response status. Duplicates map
// to 200 because an idempotency hit returns the prior result, not a failure.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK, CodeDuplicate:
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
