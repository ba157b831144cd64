package api

import (
	"context"
	"errors"
	"fmt"
)

const (
	ErrorTransport = "transport"
	ErrorProtocol  = "protocol"
	ErrorBackend   = "backend"
	ErrorNotFound  = "not_found"
)

// Error represents a stable, categorized backend request failure.
type Error struct {
	Category   string
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// NewError creates a categorized backend error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTransport
	}

	return ErrorTransport
}

// IsNotFound reports whether the error is a backend 404.
func IsNotFound(err error) bool {
	return CategoryFromError(err) == ErrorNotFound
}

// statusError maps an HTTP response status to a categorized error.
func statusError(statusCode int, detail string) error {
	category := ErrorBackend
	if statusCode == 404 {
		category = ErrorNotFound
	}

	return &Error{Category: category, StatusCode: statusCode, Detail: detail}
}
