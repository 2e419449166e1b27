// Package envelope defines the canonical result shape returned for every capability execution.
package envelope

import (
	"errors"

	"github.com/morezero/capability-router/pkg/errcode"
)

// Route is a transport family a capability can be executed through.
type Route string

const (
	RouteGraphQL Route = "graphql"
	RouteCLI     Route = "cli"
	RouteREST    Route = "rest"
)

// Routes lists every known route.
var Routes = []Route{RouteGraphQL, RouteCLI, RouteREST}

// Valid reports whether r is a known route.
func (r Route) Valid() bool {
	switch r {
	case RouteGraphQL, RouteCLI, RouteREST:
		return true
	}
	return false
}

// Reason records why a route was used.
type Reason string

const (
	ReasonCardPreferred    Reason = "CARD_PREFERRED"
	ReasonCardFallback     Reason = "CARD_FALLBACK"
	ReasonCapabilityLimit  Reason = "CAPABILITY_LIMIT"
	ReasonInputValidation  Reason = "INPUT_VALIDATION"
	ReasonOutputValidation Reason = "OUTPUT_VALIDATION"
	ReasonDefaultPolicy    Reason = "DEFAULT_POLICY"
)

// AttemptStatus is the outcome of one route attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptError   AttemptStatus = "error"
	AttemptSkipped AttemptStatus = "skipped"
)

// Attempt is one entry of the route-attempt trace.
type Attempt struct {
	Route     Route         `json:"route"`
	Status    AttemptStatus `json:"status"`
	ErrorCode errcode.Code  `json:"error_code,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      errcode.Code   `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Meta describes how a result was produced.
type Meta struct {
	CapabilityID string    `json:"capability_id"`
	RouteUsed    Route     `json:"route_used,omitempty"`
	Reason       Reason    `json:"reason,omitempty"`
	Attempts     []Attempt `json:"attempts,omitempty"`
}

// Envelope is the result of a capability execution. Data is set iff Ok; Error is set iff !Ok.
type Envelope struct {
	Ok    bool         `json:"ok"`
	Data  any          `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
	Meta  Meta         `json:"meta"`
}

// MetaOptions carries the metadata shared by NormalizeResult and NormalizeError.
type MetaOptions struct {
	CapabilityID string
	Reason       Reason
}

func (o MetaOptions) meta(route Route) Meta {
	reason := o.Reason
	if reason == "" {
		reason = ReasonDefaultPolicy
	}
	return Meta{CapabilityID: o.CapabilityID, RouteUsed: route, Reason: reason}
}

// NormalizeResult wraps data in a success envelope.
func NormalizeResult(data any, route Route, opts MetaOptions) *Envelope {
	return &Envelope{Ok: true, Data: data, Meta: opts.meta(route)}
}

// NormalizeError wraps an error detail in a failure envelope.
func NormalizeError(detail ErrorDetail, route Route, opts MetaOptions) *Envelope {
	if detail.Code == "" {
		detail.Code = errcode.Unknown
	}
	return &Envelope{Ok: false, Error: &detail, Meta: opts.meta(route)}
}

// NewError builds an ErrorDetail whose retryability follows the code.
func NewError(code errcode.Code, message string, details map[string]any) ErrorDetail {
	return ErrorDetail{Code: code, Message: message, Retryable: errcode.IsRetryable(code), Details: details}
}

// FromError classifies err and wraps it in a failure envelope.
func FromError(err error, route Route, opts MetaOptions) *Envelope {
	code := errcode.Classify(err)
	var details map[string]any
	var input *errcode.InputFailure
	if errors.As(err, &input) && len(input.Missing) > 0 {
		details = map[string]any{"missing": input.Missing}
	}
	return NormalizeError(NewError(code, err.Error(), details), route, opts)
}
