package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/mcpbridge/pkg/api"
)

// MapHTTPError converts a non-2xx backend response into an APIError. The
// backend's own error message is kept when the body carries one.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)
	orDefault := func(fallback string) string {
		if message != "" {
			return message
		}
		return fallback
	}

	switch code := resp.StatusCode; {
	case code == http.StatusBadRequest:
		return api.NewInvalidRequestError("", orDefault("invalid request to backend"))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return api.NewServerError(orDefault("backend authentication failed"))
	case code == http.StatusNotFound:
		return api.NewNotFoundError(orDefault("backend resource not found"))
	case code == http.StatusTooManyRequests:
		return api.NewTooManyRequestsError(orDefault("backend rate limit exceeded"))
	case code >= http.StatusInternalServerError:
		return api.NewModelError(orDefault(fmt.Sprintf("backend server error (HTTP %d)", code)))
	default:
		return api.NewServerError(orDefault(fmt.Sprintf("unexpected backend error (HTTP %d)", code)))
	}
}

// Retryable reports whether a backend status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// MapNetworkError converts a network-level error (connection refused, DNS
// failure, reset) into an APIError.
func MapNetworkError(err error) *api.APIError {
	return api.NewModelError(fmt.Sprintf("backend connection error: %s", err.Error()))
}

// ExtractErrorMessage tries to parse body as a ChatErrorResponse and returns
// its message, or "" if there is none.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil {
		return errResp.Error.Message
	}
	return ""
}
