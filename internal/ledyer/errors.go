package ledyer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the payment provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledyer: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("ledyer: status %d", e.Status)
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// newAPIError decodes the provider error body. The body is a list of error
// objects under "errors"; when absent the HTTP status text is used.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var payload struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		apiErr.Code = payload.Errors[0].Code
		parts := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			if e.Message != "" {
				parts = append(parts, e.Message)
			}
		}
		apiErr.Message = strings.Join(parts, "; ")
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
