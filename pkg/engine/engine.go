// Package engine executes capability requests and chains of requests against
// the descriptor catalog.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/morezero/capability-router/pkg/cache"
	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/events"
	"github.com/morezero/capability-router/pkg/execute"
	"github.com/morezero/capability-router/pkg/preflight"
	"github.com/morezero/capability-router/pkg/schema"
	"github.com/morezero/capability-router/pkg/transport"
)

const logPrefix = "engine:engine"

// Transport is the backend the default adapters call. *transport.Client implements it.
type Transport interface {
	GraphQL(ctx context.Context, document string, variables map[string]any) (*transport.GraphQLResponse, error)
	RunCLI(ctx context.Context, args []string) (*transport.CLIResult, error)
	REST(ctx context.Context, method, path string, query url.Values, body any) (any, error)
}

// Request is one capability invocation.
type Request struct {
	Task  string         `json:"task"`
	Input map[string]any `json:"input"`
}

// Handler executes a capability over one route, replacing the descriptor-driven default.
type Handler func(ctx context.Context, deps Deps, d *catalog.Descriptor, input map[string]any) *envelope.Envelope

// Params configures an Engine.
type Params struct {
	Registry  *catalog.Registry
	Documents catalog.Documents
	Validator *schema.Validator
	// Handlers overrides the default adapter per capability and route.
	Handlers            map[string]map[envelope.Route]Handler
	Publisher           events.EventPublisher
	Observer            func(capabilityID string, attempt envelope.Attempt)
	MaxAttemptsPerRoute int
}

// Deps are the per-call collaborators. Prober and Cache are caller-owned and
// may be shared between calls.
type Deps struct {
	Client           Transport
	Token            string
	CLIAvailable     *bool
	CLIAuthenticated *bool
	Prober           *preflight.Prober
	Cache            cache.Cache
	Trace            bool
	// Reason, when set, is reported instead of the routing-derived reason.
	Reason envelope.Reason
	// Concurrency bounds concurrently dispatched chain steps; zero means unbounded.
	Concurrency int
}

// Engine routes requests. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	registry    *catalog.Registry
	documents   catalog.Documents
	validator   *schema.Validator
	handlers    map[string]map[envelope.Route]Handler
	publisher   events.EventPublisher
	observer    func(string, envelope.Attempt)
	maxAttempts int
}

// NewEngine creates an Engine.
func NewEngine(p Params) (*Engine, error) {
	if p.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	e := &Engine{
		registry:    p.Registry,
		documents:   p.Documents,
		validator:   p.Validator,
		handlers:    p.Handlers,
		publisher:   p.Publisher,
		observer:    p.Observer,
		maxAttempts: p.MaxAttemptsPerRoute,
	}
	if e.documents == nil {
		e.documents = catalog.MapDocuments{}
	}
	if e.validator == nil {
		e.validator = schema.NewValidator()
	}
	if e.publisher == nil {
		e.publisher = &events.NoOpPublisher{}
	}
	return e, nil
}

// Registry returns the descriptor registry the engine routes against.
func (e *Engine) Registry() *catalog.Registry { return e.registry }

// ExecuteTask runs one request. The returned error is non-nil only when a
// preflight probe itself broke.
func (e *Engine) ExecuteTask(ctx context.Context, req Request, deps Deps) (*envelope.Envelope, error) {
	start := time.Now()
	env, err := e.executeTask(ctx, req, e.prepare(deps))
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %s aborted: %v", logPrefix, req.Task, err))
		return nil, err
	}
	e.publish(ctx, events.NewTaskEvent(env, time.Since(start)))
	return env, nil
}

func (e *Engine) executeTask(ctx context.Context, req Request, deps Deps) (*envelope.Envelope, error) {
	d, ok := e.registry.Get(req.Task)
	if !ok {
		return invalidTask(req.Task), nil
	}
	return execute.Execute(ctx, execute.Options{
		Descriptor: d,
		Input:      req.Input,
		Preflight:  deps.Prober.Probe,
		Routes:     e.routesFor(d, deps),
		Retry:      execute.Retry{MaxAttemptsPerRoute: e.maxAttempts},
		Trace:      deps.Trace,
		Validator:  e.validator,
		Observer:   e.observer,
	})
}

func invalidTask(task string) *envelope.Envelope {
	return envelope.NormalizeError(envelope.NewError(errcode.Validation, fmt.Sprintf("Invalid task: %s", task), nil),
		envelope.RouteGraphQL, envelope.MetaOptions{CapabilityID: task})
}

// prepare fills the caller-owned resources that were left unset.
func (e *Engine) prepare(deps Deps) Deps {
	if deps.Prober == nil {
		deps.Prober = preflight.NewProber(preflight.Options{
			Token:            deps.Token,
			CLIAvailable:     deps.CLIAvailable,
			CLIAuthenticated: deps.CLIAuthenticated,
		})
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory(0)
	}
	return deps
}

// routesFor binds the adapters for every route d can use.
func (e *Engine) routesFor(d *catalog.Descriptor, deps Deps) map[envelope.Route]execute.Adapter {
	routes := make(map[envelope.Route]execute.Adapter, 3)
	for _, route := range d.RoutePlan() {
		handler := e.handler(d, route)
		if handler == nil {
			continue
		}
		routes[route] = func(ctx context.Context, input map[string]any) *envelope.Envelope {
			return handler(ctx, deps, d, input)
		}
	}
	return routes
}

func (e *Engine) handler(d *catalog.Descriptor, route envelope.Route) Handler {
	if h, ok := e.handlers[d.CapabilityID][route]; ok {
		return h
	}
	switch route {
	case envelope.RouteGraphQL:
		if d.GraphQL != nil {
			return e.graphqlAdapter
		}
	case envelope.RouteCLI:
		if d.CLI != nil {
			return e.cliAdapter
		}
	case envelope.RouteREST:
		if d.REST != nil && len(d.REST.Endpoints) > 0 {
			return e.restAdapter
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev *events.ExecutionEvent) {
	if err := e.publisher.PublishExecuted(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event for %s: %v", logPrefix, ev.Kind, ev.CapabilityID, err))
	}
}
