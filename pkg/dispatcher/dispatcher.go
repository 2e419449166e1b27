package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/commsutil"
	"github.com/morezero/capability-router/pkg/engine"
)

const logPrefix = "dispatcher:dispatch"

// DefaultRequestTimeout bounds a request whose caller sent no deadline.
const DefaultRequestTimeout = 60 * time.Second

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// DispatcherParams holds the dependencies of a Dispatcher.
type DispatcherParams struct {
	Engine *engine.Engine
	// Deps is the template for every request; Trace is overridden per request.
	Deps   engine.Deps
	Checks map[string]HealthCheck
}

// Dispatcher routes COMMS requests to engine methods.
type Dispatcher struct {
	engine *engine.Engine
	deps   engine.Deps
	checks map[string]HealthCheck
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{engine: p.Engine, deps: p.Deps, checks: p.Checks}
}

// Dispatch routes a request to the appropriate engine method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *RouterRequest) *RouterResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	switch req.Method {
	case MethodExecute:
		return d.handleExecute(ctx, req)
	case MethodChain:
		return d.handleChain(ctx, req)
	case MethodExplain:
		return d.handleExplain(req)
	case MethodList:
		return d.handleList(req)
	case MethodHealth:
		return &RouterResponse{ID: req.ID, Ok: true, Result: d.Health(ctx)}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher) handleExecute(ctx context.Context, req *RouterRequest) *RouterResponse {
	if d.engine == nil {
		return errorResponse(req.ID, CodeInternal, "router engine is not configured", false)
	}
	var params ExecuteParams
	if err := decodeParams(req.Params, &params); err != nil || params.Task == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse execute params: task is required", false)
	}
	deps := d.deps
	deps.Trace = params.Trace

	env, err := d.engine.ExecuteTask(ctx, engine.Request{Task: params.Task, Input: params.Input}, deps)
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error(), true)
	}
	return &RouterResponse{ID: req.ID, Ok: true, Result: env}
}

func (d *Dispatcher) handleChain(ctx context.Context, req *RouterRequest) *RouterResponse {
	if d.engine == nil {
		return errorResponse(req.ID, CodeInternal, "router engine is not configured", false)
	}
	var params ChainParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse chain params", false)
	}
	reqs := make([]engine.Request, 0, len(params.Tasks))
	for _, t := range params.Tasks {
		reqs = append(reqs, engine.Request{Task: t.Task, Input: t.Input})
	}
	deps := d.deps
	deps.Trace = params.Trace

	res, err := d.engine.ExecuteTasks(ctx, reqs, deps)
	if errors.Is(err, engine.ErrEmptyChain) {
		return errorResponse(req.ID, CodeInvalidArgument, "chain requires at least one task", false)
	}
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error(), true)
	}
	return &RouterResponse{ID: req.ID, Ok: true, Result: res}
}

func (d *Dispatcher) handleExplain(req *RouterRequest) *RouterResponse {
	if d.engine == nil {
		return errorResponse(req.ID, CodeInternal, "router engine is not configured", false)
	}
	var params ExplainParams
	if err := decodeParams(req.Params, &params); err != nil || params.Capability == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse explain params: capability is required", false)
	}
	exp, err := d.engine.Registry().Explain(params.Capability)
	if err != nil {
		var unknown *catalog.UnknownCapabilityError
		if errors.As(err, &unknown) {
			return errorResponse(req.ID, CodeNotFound, err.Error(), false)
		}
		return errorResponse(req.ID, CodeInternal, err.Error(), false)
	}
	return &RouterResponse{ID: req.ID, Ok: true, Result: exp}
}

func (d *Dispatcher) handleList(req *RouterRequest) *RouterResponse {
	if d.engine == nil {
		return errorResponse(req.ID, CodeInternal, "router engine is not configured", false)
	}
	var params ListParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse list params", false)
	}
	return &RouterResponse{ID: req.ID, Ok: true, Result: d.engine.Registry().Summaries(params.Domain)}
}

// Health runs every configured check. Status is "ok" when all pass, "degraded" otherwise.
func (d *Dispatcher) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "ok",
		Checks:    make(map[string]bool, len(d.checks)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if d.engine != nil {
		out.Capabilities = d.engine.Registry().Len()
	}
	names := make([]string, 0, len(d.checks))
	for name := range d.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.checks[name](ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - health check %s failed: %v", logPrefix, name, err))
			out.Checks[name] = false
			out.Status = "degraded"
			continue
		}
		out.Checks[name] = true
	}
	return out
}

// MsgHandler returns a COMMS handler that decodes, dispatches and responds.
// Each request runs under timeout, or the caller's shorter deadline.
func (d *Dispatcher) MsgHandler(ctx context.Context, timeout time.Duration) comms.MsgHandler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return func(msg *comms.Msg) {
		var req RouterRequest
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			respond(msg, errorResponse("", CodeInvalidRequest, "Failed to decode request", false))
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, req.Ctx.Timeout(timeout))
		defer cancel()

		respond(msg, d.Dispatch(reqCtx, &req))
	}
}

func respond(msg *comms.Msg, resp *RouterResponse) {
	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

// decodeParams accepts absent params as the zero value.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return commsutil.DecodePayload(raw, v)
}

func errorResponse(id, code, message string, retryable bool) *RouterResponse {
	return &RouterResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}
