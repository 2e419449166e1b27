// Package dispatcher routes incoming COMMS messages to the router engine.
package dispatcher

import (
	"encoding/json"
	"time"
)

// Method names understood by the dispatcher.
const (
	MethodExecute = "execute"
	MethodChain   = "chain"
	MethodExplain = "explain"
	MethodList    = "list"
	MethodHealth  = "health"
)

// Error codes of dispatcher-level failures. Capability failures travel inside
// the result envelope instead.
const (
	CodeMethodNotFound  = "METHOD_NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// RouterRequest is the JSON envelope for incoming COMMS router requests.
type RouterRequest struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// RouterResponse is the JSON envelope for COMMS router responses.
type RouterResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	DeadlineMs    int    `json:"deadlineMs,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// Timeout returns the caller's budget when it is shorter than def.
func (c *InvocationContext) Timeout(def time.Duration) time.Duration {
	if c == nil {
		return def
	}
	ms := c.DeadlineMs
	if ms <= 0 {
		ms = c.TimeoutMs
	}
	if ms > 0 && time.Duration(ms)*time.Millisecond < def {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// ExecuteParams are the params of the execute method.
type ExecuteParams struct {
	Task  string         `json:"task"`
	Input map[string]any `json:"input"`
	Trace bool           `json:"trace,omitempty"`
}

// ChainParams are the params of the chain method.
type ChainParams struct {
	Tasks []ExecuteParams `json:"tasks"`
	Trace bool            `json:"trace,omitempty"`
}

// ExplainParams are the params of the explain method.
type ExplainParams struct {
	Capability string `json:"capability"`
}

// ListParams are the params of the list method.
type ListParams struct {
	Domain string `json:"domain,omitempty"`
}

// HealthOutput reports router health.
type HealthOutput struct {
	Status       string          `json:"status"`
	Capabilities int             `json:"capabilities"`
	Checks       map[string]bool `json:"checks"`
	Timestamp    string          `json:"timestamp"`
}
