package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"swiftnotes/api/internal/auth"
	"swiftnotes/api/internal/preferences"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var ErrNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "Profile not found", nil)

// storageUnavailable marks a store failure the caller may retry.
func storageUnavailable(err error) *DomainError {
	e := domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage temporarily unavailable", map[string]any{"retryable": true})
	e.Err = err
	return e
}

// storeError classifies an error returned by the profile store.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return storageUnavailable(err)
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == "STORAGE_UNAVAILABLE"
}

func mapError(err error) (status int, code, message string, details any) {
	var validationErr *preferences.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error(), map[string]any{"fields": validationErr.Fields}
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
