// Package execute runs one capability request across its route plan with
// preflight, retry, fallback and contract validation.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/preflight"
	"github.com/morezero/capability-router/pkg/schema"
)

const logPrefix = "execute:execute"

// ErrNoDescriptor is returned when Options.Descriptor is nil.
var ErrNoDescriptor = errors.New("descriptor is required")

// DefaultMaxAttemptsPerRoute is used when Retry.MaxAttemptsPerRoute is not positive.
const DefaultMaxAttemptsPerRoute = 2

// Adapter executes a capability over one route. Adapters report failures as error envelopes.
type Adapter func(ctx context.Context, input map[string]any) *envelope.Envelope

// PreflightFunc reports whether a route can be attempted. A non-nil error
// aborts the execution.
type PreflightFunc func(ctx context.Context, route envelope.Route) (preflight.Result, error)

// Retry configures per-route attempts.
type Retry struct {
	MaxAttemptsPerRoute int
}

// Options is one execution request.
type Options struct {
	Descriptor *catalog.Descriptor
	Input      map[string]any
	Preflight  PreflightFunc
	Routes     map[envelope.Route]Adapter
	Retry      Retry
	Trace      bool
	Validator  *schema.Validator
	// Observer, when set, sees every attempt as it happens.
	Observer func(capabilityID string, attempt envelope.Attempt)
}

// Execute runs opts.Descriptor over its route plan and returns the envelope of
// the first success, or of the most relevant failure. The only error returned
// is a preflight error.
func Execute(ctx context.Context, opts Options) (*envelope.Envelope, error) {
	d := opts.Descriptor
	if d == nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrNoDescriptor)
	}
	validator := opts.Validator
	if validator == nil {
		validator = schema.NewValidator()
	}
	maxAttempts := opts.Retry.MaxAttemptsPerRoute
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttemptsPerRoute
	}
	input := opts.Input
	if input == nil {
		input = map[string]any{}
	}
	preferred := d.Routing.Preferred

	if err := validator.ValidateInput(d, input); err != nil {
		return envelope.FromError(err, preferred, envelope.MetaOptions{
			CapabilityID: d.CapabilityID,
			Reason:       envelope.ReasonInputValidation,
		}), nil
	}

	run := &execution{opts: opts, descriptor: d, validator: validator}
	for _, route := range d.RoutePlan() {
		if err := ctx.Err(); err != nil {
			run.fail(route, envelope.AttemptSkipped, envelope.NewError(errcode.Network, err.Error(), nil))
			break
		}

		verdict, err := run.preflight(ctx, route)
		if err != nil {
			return nil, err
		}
		if !verdict.Ok {
			run.fail(route, envelope.AttemptSkipped, envelope.ErrorDetail{
				Code:      verdict.Code,
				Message:   verdict.Message,
				Retryable: verdict.Retryable,
				Details:   verdict.Details,
			})
			continue
		}

		adapter := opts.Routes[route]
		if adapter == nil {
			run.fail(route, envelope.AttemptSkipped, envelope.NewError(errcode.AdapterUnsupported,
				fmt.Sprintf("No %s adapter for %s", route, d.CapabilityID), nil))
			continue
		}

		if env, done := run.attemptRoute(ctx, route, adapter, input, maxAttempts); done {
			return env, nil
		}
	}

	return run.exhausted(preferred), nil
}

// execution is the mutable state of one Execute call.
type execution struct {
	opts       Options
	descriptor *catalog.Descriptor
	validator  *schema.Validator

	attempts   []envelope.Attempt
	firstError *envelope.ErrorDetail
	lastError  *envelope.ErrorDetail
}

func (x *execution) preflight(ctx context.Context, route envelope.Route) (preflight.Result, error) {
	if x.opts.Preflight == nil {
		return preflight.Result{Ok: true}, nil
	}
	return x.opts.Preflight(ctx, route)
}

func (x *execution) record(a envelope.Attempt) {
	x.attempts = append(x.attempts, a)
	if x.opts.Observer != nil {
		x.opts.Observer(x.descriptor.CapabilityID, a)
	}
}

func (x *execution) fail(route envelope.Route, status envelope.AttemptStatus, detail envelope.ErrorDetail) {
	x.record(envelope.Attempt{Route: route, Status: status, ErrorCode: detail.Code})
	d := detail
	if x.firstError == nil {
		x.firstError = &d
	}
	x.lastError = &d
}

// attemptRoute invokes adapter up to maxAttempts times. done is true when the
// envelope is final; false means fall through to the next route.
func (x *execution) attemptRoute(ctx context.Context, route envelope.Route, adapter Adapter, input map[string]any, maxAttempts int) (*envelope.Envelope, bool) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		env := x.invoke(ctx, route, adapter, input)

		if env.Ok {
			if err := x.validator.ValidateOutput(x.descriptor, env.Data); err != nil {
				x.record(envelope.Attempt{Route: route, Status: envelope.AttemptError, ErrorCode: errcode.Server})
				out := envelope.NormalizeError(envelope.ErrorDetail{
					Code:      errcode.Server,
					Message:   err.Error(),
					Retryable: false,
				}, route, envelope.MetaOptions{CapabilityID: x.descriptor.CapabilityID, Reason: envelope.ReasonOutputValidation})
				return x.finish(out), true
			}
			x.record(envelope.Attempt{Route: route, Status: envelope.AttemptSuccess})
			return x.finish(env), true
		}

		x.fail(route, envelope.AttemptError, *env.Error)
		if env.Error.Code == errcode.AdapterUnsupported {
			return nil, false
		}
		if !env.Error.Retryable {
			return x.finish(env), true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		slog.Debug(fmt.Sprintf("%s - %s via %s failed with %s (attempt %d/%d)",
			logPrefix, x.descriptor.CapabilityID, route, env.Error.Code, attempt, maxAttempts))
	}
	return nil, false
}

// invoke calls the adapter, converting a panic or a nil envelope into an UNKNOWN failure.
func (x *execution) invoke(ctx context.Context, route envelope.Route, adapter Adapter, input map[string]any) (env *envelope.Envelope) {
	meta := envelope.MetaOptions{CapabilityID: x.descriptor.CapabilityID, Reason: x.reasonFor(route)}
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - %s adapter for %s panicked: %v", logPrefix, route, x.descriptor.CapabilityID, r))
			env = envelope.NormalizeError(envelope.NewError(errcode.Unknown, fmt.Sprintf("adapter panicked: %v", r), nil), route, meta)
		}
	}()

	env = adapter(ctx, input)
	if env == nil {
		return envelope.NormalizeError(envelope.NewError(errcode.Unknown, "adapter returned no result", nil), route, meta)
	}
	if !env.Ok && env.Error == nil {
		env.Error = &envelope.ErrorDetail{Code: errcode.Unknown, Message: "adapter failed without detail"}
	}
	if env.Meta.CapabilityID == "" {
		env.Meta.CapabilityID = x.descriptor.CapabilityID
	}
	if env.Meta.RouteUsed == "" {
		env.Meta.RouteUsed = route
	}
	if env.Meta.Reason == "" || env.Meta.Reason == envelope.ReasonDefaultPolicy {
		env.Meta.Reason = meta.Reason
	}
	return env
}

func (x *execution) reasonFor(route envelope.Route) envelope.Reason {
	if route == x.descriptor.Routing.Preferred {
		return envelope.ReasonCardPreferred
	}
	return envelope.ReasonCardFallback
}

func (x *execution) finish(env *envelope.Envelope) *envelope.Envelope {
	if x.opts.Trace {
		env.Meta.Attempts = append([]envelope.Attempt(nil), x.attempts...)
	}
	return env
}

// exhausted builds the envelope returned when no route produced a final result.
func (x *execution) exhausted(preferred envelope.Route) *envelope.Envelope {
	detail := envelope.NewError(errcode.Unknown, "No route produced a result", nil)
	switch {
	case x.lastError != nil:
		detail = *x.lastError
	case x.firstError != nil:
		detail = *x.firstError
	}
	env := envelope.NormalizeError(detail, preferred, envelope.MetaOptions{
		CapabilityID: x.descriptor.CapabilityID,
		Reason:       envelope.ReasonCardFallback,
	})
	return x.finish(env)
}
