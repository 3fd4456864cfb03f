package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPError is a non-2xx response that was not (or no longer) retried.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an HTTP 404 from a remote API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

func newHTTPError(status int, body []byte) *HTTPError {
	out := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var payload map[string]any
	if json.Unmarshal(body, &payload) != nil {
		return out
	}
	for _, key := range []string{"code", "error_code", "error"} {
		if code, ok := payload[key].(string); ok && code != "" {
			out.Code = code
			break
		}
	}
	for _, key := range []string{"message", "error_description", "description"} {
		if message, ok := payload[key].(string); ok && strings.TrimSpace(message) != "" {
			out.Message = message
			break
		}
	}
	if errs, ok := payload["errors"].([]any); ok && len(errs) > 0 {
		if first, ok := errs[0].(map[string]any); ok {
			if message, ok := first["message"].(string); ok && out.Message == strings.TrimSpace(string(body)) {
				out.Message = message
			}
		}
	}
	return out
}

// isRetryableStatus: 429 and every 5xx are transient; other 4xx are final.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}
