package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ErrorType categorizes API errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

// APIError is a non-2xx response from the generative API.
type APIError struct {
	Type       ErrorType
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("chat: %s: %s (status %s)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("chat: %s: %s", e.Type, e.Message)
}

// IsRetryable reports whether the request may succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI:
		return true
	default:
		return false
	}
}

// wireError is the API's error envelope.
type wireError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseAPIError translates an error response. The body is consumed.
func parseAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var we wireError
	if err := json.Unmarshal(body, &we); err != nil || we.Error.Message == "" {
		apiErr.Type = ErrAPI
		apiErr.Message = resp.Status
		return apiErr
	}
	apiErr.Message = we.Error.Message
	apiErr.Status = we.Error.Status

	switch we.Error.Status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		apiErr.Type = ErrInvalidRequest
	case "UNAUTHENTICATED":
		apiErr.Type = ErrAuthentication
	case "PERMISSION_DENIED":
		apiErr.Type = ErrPermission
	case "NOT_FOUND":
		apiErr.Type = ErrNotFound
	case "RESOURCE_EXHAUSTED":
		apiErr.Type = ErrRateLimit
	case "UNAVAILABLE":
		apiErr.Type = ErrOverloaded
	default:
		apiErr.Type = ErrAPI
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		apiErr.Type = ErrRateLimit
	case http.StatusServiceUnavailable:
		apiErr.Type = ErrOverloaded
	case http.StatusUnauthorized, http.StatusForbidden:
		if apiErr.Type != ErrPermission {
			apiErr.Type = ErrAuthentication
		}
	}
	return apiErr
}
