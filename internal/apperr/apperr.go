package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable machine-readable codes returned to callers.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeProductNotFound   = "PRODUCT_NOT_FOUND"
	CodeAmbiguousNotFound = "AMBIGUOUS_OR_NOT_FOUND"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeStockConflict     = "STOCK_CONFLICT"
	CodeDuplicateSync     = "DUPLICATE_SYNC"
	CodeConflict          = "CONFLICT"
	CodeSyncFailed        = "SYNC_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeSchemaMismatch    = "SCHEMA_MISMATCH"
	CodeInternal          = "INTERNAL_ERROR"
)

// AppError carries a code, a human message and the HTTP status it maps to.
type AppError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	HTTPStatus int               `json:"-"`
	Err        error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on code so errors.Is(err, apperr.InsufficientStock("")) works
// regardless of message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithDetails(details map[string]string) *AppError {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

func (e *AppError) Wrap(err error) *AppError {
	e.Err = err
	return e
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func ProductNotFound(token string) *AppError {
	return New(CodeProductNotFound, "product not found", http.StatusNotFound).WithDetail("product", token)
}

func AmbiguousOrNotFound(token string) *AppError {
	return New(CodeAmbiguousNotFound, "token did not resolve to exactly one product", http.StatusNotFound).
		WithDetail("token", token)
}

func InsufficientStock(message string) *AppError {
	if message == "" {
		message = "insufficient stock"
	}
	return New(CodeInsufficientStock, message, http.StatusBadRequest)
}

func StockConflict(message string) *AppError {
	if message == "" {
		message = "stock changed since it was read"
	}
	return New(CodeStockConflict, message, http.StatusConflict)
}

func DuplicateSync(message string) *AppError {
	return New(CodeDuplicateSync, message, http.StatusConflict)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

func SyncFailed(message string) *AppError {
	return New(CodeSyncFailed, message, http.StatusBadGateway)
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "access denied"
	}
	return New(CodeForbidden, message, http.StatusForbidden)
}

func Internal(message string) *AppError {
	if message == "" {
		message = "an internal error occurred"
	}
	return New(CodeInternal, message, http.StatusInternalServerError)
}

func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// From converts any error to an AppError, wrapping unknown errors as internal.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Internal("").Wrap(err)
}
