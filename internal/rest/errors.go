package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a typed failure from the chat server's write API. Callers
// only branch on one classification: unauthorized failures bubble up to
// session handling, everything else is recovered locally.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("api: status %d", e.StatusCode)
}

// Unauthorized reports whether the failure means the session token was
// rejected.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsUnauthorized reports whether err is an unauthorized API failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}
