package errcode

import (
	"fmt"
	"strings"
)

// Failure is the closed set of raw failures a transport adapter can report.
// Only types in this package implement it.
type Failure interface {
	error
	classify() Code
}

// ExitFailure is a subprocess that exited non-zero.
type ExitFailure struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (f *ExitFailure) Error() string {
	stderr := strings.TrimSpace(f.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited with code %d", f.Command, f.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", f.Command, f.ExitCode, stderr)
}

func (f *ExitFailure) classify() Code { return ClassifyMessage(f.Stderr) }

// HTTPFailure is a non-2xx HTTP response.
type HTTPFailure struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (f *HTTPFailure) Error() string {
	body := strings.TrimSpace(f.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("%s %s returned %d: %s", f.Method, f.URL, f.StatusCode, body)
}

func (f *HTTPFailure) classify() Code {
	if c := ClassifyStatus(f.StatusCode); c != Unknown {
		return c
	}
	return ClassifyMessage(f.Body)
}

// NetworkFailure is a connection-level error or timeout.
type NetworkFailure struct {
	Op      string
	Err     error
	Timeout bool
}

func (f *NetworkFailure) Error() string {
	if f.Timeout {
		return fmt.Sprintf("%s timed out", f.Op)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *NetworkFailure) Unwrap() error { return f.Err }

func (f *NetworkFailure) classify() Code { return Network }

// QueryError is a single entry of a GraphQL "errors" array.
type QueryError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Type       string         `json:"type,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// QueryFailure is a GraphQL response carrying protocol-level errors.
type QueryFailure struct {
	Errors []QueryError
}

func (f *QueryFailure) Error() string {
	msgs := make([]string, 0, len(f.Errors))
	for _, e := range f.Errors {
		msgs = append(msgs, e.Message)
	}
	if len(msgs) == 0 {
		return "graphql request failed"
	}
	return strings.Join(msgs, "; ")
}

func (f *QueryFailure) classify() Code {
	for _, e := range f.Errors {
		if c := classifyQueryErrorType(e); c != Unknown {
			return c
		}
	}
	return ClassifyMessage(f.Error())
}

func classifyQueryErrorType(e QueryError) Code {
	kind := e.Type
	if code, ok := e.Extensions["code"].(string); ok && code != "" {
		kind = code
	}
	switch strings.ToUpper(kind) {
	case "FORBIDDEN", "UNAUTHENTICATED", "UNAUTHORIZED":
		return Auth
	case "NOT_FOUND":
		return NotFound
	case "RATE_LIMITED", "RATE_LIMIT":
		return RateLimit
	case "BAD_USER_INPUT", "GRAPHQL_VALIDATION_FAILED", "UNPROCESSABLE", "ARGUMENT_ERROR":
		return Validation
	case "INTERNAL", "INTERNAL_SERVER_ERROR", "SERVICE_UNAVAILABLE":
		return Server
	}
	return Unknown
}

// UnsupportedFailure means a route cannot serve a capability in this environment.
type UnsupportedFailure struct {
	Route      string
	Capability string
	Reason     string
}

func (f *UnsupportedFailure) Error() string {
	if f.Reason != "" {
		return f.Reason
	}
	return fmt.Sprintf("route %s does not support %s", f.Route, f.Capability)
}

func (f *UnsupportedFailure) classify() Code { return AdapterUnsupported }

// InputFailure is a request that failed validation before any transport call.
type InputFailure struct {
	Message string
	Missing []string
}

func (f *InputFailure) Error() string { return f.Message }

func (f *InputFailure) classify() Code { return Validation }
