package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"collabhub/api/internal/auth"
	"collabhub/api/internal/filestore"
	"collabhub/api/internal/ledger"
	"collabhub/api/internal/rbac"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/review"
	"collabhub/api/internal/session"
	"collabhub/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// MapError turns a service error into an HTTP status and the error code shared
// by the REST and websocket surfaces.
func MapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, filestore.ErrNotFound),
		errors.Is(err, rbac.ErrProjectNotFound),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", "Change is no longer pending", nil
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "CONFLICT", "A pending change already targets this file", nil
	case errors.Is(err, store.ErrProjectExists):
		return http.StatusConflict, "CONFLICT", "Project already exists", nil
	case errors.Is(err, review.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrTicketNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, filestore.ErrInvalidPath),
		errors.Is(err, filestore.ErrInvalidProjectID),
		errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, store.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
