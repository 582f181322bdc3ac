package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// maxBodyMessage bounds how much of an error body is echoed into messages.
const maxBodyMessage = 200

// MapHTTPStatus maps a non-2xx response from the auth or RPC endpoint to an AppError.
// body may be nil; when it carries a JSON `message`, `error_description` or `error`
// field that text is used as the cause.
func MapHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	cause := fmt.Errorf("http %d: %s", status, bodyMessage(body))

	switch {
	case status == http.StatusUnauthorized:
		return &AppError{Code: ErrCodeUnauthorized, Message: "Your session has expired. Please sign in again.", Cause: cause}
	case status == http.StatusForbidden:
		return &AppError{Code: ErrCodeForbidden, Message: "You do not have permission to perform this action.", Cause: cause}
	case status == http.StatusNotFound:
		return &AppError{Code: ErrCodeNotFound, Message: "No matching record", Cause: cause}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &AppError{Code: ErrCodeTimeout, Message: "Request timed out. Please try again.", Cause: cause}
	case status == http.StatusTooManyRequests:
		return &AppError{Code: ErrCodeNetwork, Message: "Too many requests. Please wait and try again.", Cause: cause}
	case status >= 400 && status < 500:
		return &AppError{Code: ErrCodeRejected, Message: "The server rejected the request.", Cause: cause}
	default:
		return &AppError{Code: ErrCodeNetwork, Message: "The server is temporarily unavailable.", Cause: cause}
	}
}

func bodyMessage(body []byte) string {
	if len(body) == 0 {
		return "empty response"
	}
	var payload struct {
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, s := range []string{payload.Message, payload.ErrorDescription, payload.Error} {
			if s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyMessage {
		s = s[:maxBodyMessage]
	}
	return s
}

// sessionKeywords identify auth-related failures that warrant session recovery.
var sessionKeywords = []string{"session", "token", "unauthorized", "expired", "jwt", "refresh"}

// IsSessionError reports whether err signals a corrupt or expired session.
// Unauthorized AppErrors always match; other errors match on message keywords.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if IsUnauthorized(err) {
		return true
	}
	return MatchesSessionKeywords(err.Error())
}

// MatchesSessionKeywords reports whether msg mentions a session-related keyword.
func MatchesSessionKeywords(msg string) bool {
	msg = strings.ToLower(msg)
	for _, kw := range sessionKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// UserMessage returns a displayable string for err.
// AppErrors yield their Message; anything else gets a generic message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "Something went wrong. Please try again."
}
