package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidCredentials is returned for any rejected login. It does not
	// say whether the identifier or the secret was wrong.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrSessionExpired indicates the credential pair can no longer be renewed.
	ErrSessionExpired = errors.New("session expired")
)

// AuthError reports an authentication failure: rejected credentials or a
// refresh that could not be completed.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed (status %d)", e.StatusCode)
	}
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError carries a field-level rejection, either detected locally
// before a request is sent or returned by the server as HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response other than 400 and 401.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// serverMessage extracts a human readable message from an error body. The
// API reports errors as {"error": "..."}, {"detail": "..."} or as a map of
// field names to message lists.
func serverMessage(body []byte) (field, message string) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", strings.TrimSpace(string(body))
	}

	for _, key := range []string{"error", "detail", "message"} {
		if raw, ok := payload[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return "", s
			}
		}
	}

	fields := make([]string, 0, len(payload))
	for key := range payload {
		fields = append(fields, key)
	}
	sort.Strings(fields)
	for _, key := range fields {
		var list []string
		if json.Unmarshal(payload[key], &list) == nil && len(list) > 0 {
			return key, list[0]
		}
		var s string
		if json.Unmarshal(payload[key], &s) == nil && s != "" {
			return key, s
		}
	}
	return "", ""
}
