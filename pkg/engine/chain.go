package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/capability-router/pkg/cache"
	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/events"
	"github.com/morezero/capability-router/pkg/gqlbatch"
	"github.com/morezero/capability-router/pkg/resolve"
)

const chainLogPrefix = "engine:chain"

// ErrEmptyChain is returned by ExecuteTasks for an empty request list.
var ErrEmptyChain = errors.New("engine: chain requires at least one request")

// ChainStatus summarizes a chain: success iff every step is ok, failed iff none is.
type ChainStatus string

const (
	ChainSuccess ChainStatus = "success"
	ChainPartial ChainStatus = "partial"
	ChainFailed  ChainStatus = "failed"
)

// StepResult is the envelope-shaped outcome of one chain step.
type StepResult struct {
	Task  string                `json:"task"`
	Ok    bool                  `json:"ok"`
	Data  any                   `json:"data,omitempty"`
	Error *envelope.ErrorDetail `json:"error,omitempty"`
	Meta  envelope.Meta         `json:"meta"`
}

// ChainMeta aggregates a chain.
type ChainMeta struct {
	RouteUsed envelope.Route `json:"route_used,omitempty"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// ChainResult holds one result per request, in request order.
type ChainResult struct {
	Status  ChainStatus  `json:"status"`
	Results []StepResult `json:"results"`
	Meta    ChainMeta    `json:"meta"`
}

// ExecuteTasks runs reqs as one chain. GraphQL-preferred steps are batched
// into at most one lookup round trip and one round trip per operation kind;
// other steps run concurrently through ExecuteTask. A one-step chain returns
// the error of ExecuteTask unchanged.
func (e *Engine) ExecuteTasks(ctx context.Context, reqs []Request, deps Deps) (*ChainResult, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyChain
	}
	start := time.Now()
	deps = e.prepare(deps)

	var result *ChainResult
	if len(reqs) == 1 {
		env, err := e.executeTask(ctx, reqs[0], deps)
		if err != nil {
			return nil, err
		}
		result = assemble([]StepResult{stepFromEnvelope(reqs[0].Task, env)}, env.Meta.RouteUsed)
	} else {
		result = newChain(e, reqs, deps).run(ctx)
	}

	slog.Info(fmt.Sprintf("%s - chain of %d finished %s (%d ok, %d failed)",
		chainLogPrefix, len(reqs), result.Status, result.Meta.Succeeded, result.Meta.Failed))
	e.publish(ctx, events.NewChainEvent(reqs[0].Task, string(result.Status), result.Meta.RouteUsed, len(reqs), time.Since(start)))
	return result, nil
}

func stepFromEnvelope(task string, env *envelope.Envelope) StepResult {
	return StepResult{Task: task, Ok: env.Ok, Data: env.Data, Error: env.Error, Meta: env.Meta}
}

func assemble(results []StepResult, route envelope.Route) *ChainResult {
	out := &ChainResult{Results: results, Meta: ChainMeta{RouteUsed: route, Total: len(results)}}
	for _, r := range results {
		if r.Ok {
			out.Meta.Succeeded++
		} else {
			out.Meta.Failed++
		}
	}
	switch {
	case out.Meta.Failed == 0:
		out.Status = ChainSuccess
	case out.Meta.Succeeded == 0:
		out.Status = ChainFailed
	default:
		out.Status = ChainPartial
	}
	return out
}

type phase string

const (
	phasePreflight  phase = "preflight"
	phaseResolution phase = "resolution"
	phaseMutation   phase = "mutation"
	phaseDone       phase = "done"
)

// chainStep is the working state of one request.
type chainStep struct {
	index int
	alias string
	req   Request
	d     *catalog.Descriptor

	doc  string
	root string
	kind string

	lookup       *pendingLookup
	lookupResult map[string]any
	resolved     map[string]any
	done         bool
}

// pendingLookup is one distinct uncached resolution lookup.
type pendingLookup struct {
	alias string
	op    string
	doc   string
	root  string
	key   string
	vars  map[string]any

	result map[string]any
	err    error
}

// chain is the state of one ExecuteTasks call. Each step writes only its own
// results slot, so the batched pipeline and independent steps share it safely.
type chain struct {
	e    *Engine
	deps Deps

	steps      []*chainStep
	results    []StepResult
	phase      phase
	batchedRan bool
}

func newChain(e *Engine, reqs []Request, deps Deps) *chain {
	c := &chain{e: e, deps: deps, results: make([]StepResult, len(reqs)), phase: phasePreflight}
	for i, req := range reqs {
		if req.Input == nil {
			req.Input = map[string]any{}
		}
		d, _ := e.registry.Get(req.Task)
		c.steps = append(c.steps, &chainStep{index: i, alias: fmt.Sprintf("step%d", i), req: req, d: d})
	}
	return c
}

func (c *chain) enter(p phase) {
	slog.Debug(fmt.Sprintf("%s - phase %s -> %s", chainLogPrefix, c.phase, p))
	c.phase = p
}

func (c *chain) run(ctx context.Context) *ChainResult {
	if !c.preflight() {
		return c.finish()
	}

	var batched, independent []*chainStep
	for _, s := range c.steps {
		if c.batchable(s) {
			batched = append(batched, s)
		} else {
			independent = append(independent, s)
		}
	}

	if len(batched) > 0 {
		verdict, err := c.deps.Prober.Probe(ctx, envelope.RouteGraphQL)
		switch {
		case err != nil:
			for _, s := range batched {
				c.fail(s, envelope.NewError(errcode.Unknown, err.Error(), nil))
			}
			batched = nil
		case !verdict.Ok || c.deps.Client == nil:
			// the per-step path applies the descriptor's fallbacks
			independent = append(independent, batched...)
			batched = nil
		}
	}

	var g errgroup.Group
	if c.deps.Concurrency > 0 {
		g.SetLimit(c.deps.Concurrency)
	}
	if len(batched) > 0 {
		g.Go(func() error {
			c.runBatched(ctx, batched)
			return nil
		})
	}
	for _, s := range independent {
		s := s
		g.Go(func() error {
			c.runIndependent(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	c.enter(phaseDone)
	return c.finish()
}

// preflight rejects the whole chain when any step is unusable. Rejected
// steps keep their own message; the others report "pre-flight failed".
func (c *chain) preflight() bool {
	rejected := false
	for _, s := range c.steps {
		switch {
		case s.d == nil:
			c.reject(s, envelope.NewError(errcode.Validation, fmt.Sprintf("Invalid task: %s", s.req.Task), nil), "")
		case s.d.GraphQL == nil && len(s.d.Routing.Fallbacks) == 0:
			c.reject(s, envelope.NewError(errcode.Validation,
				fmt.Sprintf("Capability %s has no GraphQL route and no fallback route", s.d.CapabilityID), nil), "")
		default:
			if err := c.e.validator.ValidateInput(s.d, s.req.Input); err != nil {
				env := envelope.FromError(err, s.d.Routing.Preferred, envelope.MetaOptions{})
				c.reject(s, *env.Error, envelope.ReasonInputValidation)
			}
		}
		rejected = rejected || s.done
	}
	if !rejected {
		return true
	}
	for _, s := range c.steps {
		if !s.done {
			c.reject(s, envelope.NewError(errcode.Validation, "pre-flight failed", nil), "")
		}
	}
	return false
}

func (c *chain) reject(s *chainStep, detail envelope.ErrorDetail, reason envelope.Reason) {
	route := envelope.RouteGraphQL
	if s.d != nil {
		route = s.d.Routing.Preferred
	}
	env := envelope.NormalizeError(detail, route, envelope.MetaOptions{CapabilityID: s.req.Task, Reason: reason})
	c.results[s.index] = stepFromEnvelope(s.req.Task, env)
	s.done = true
}

func (c *chain) batchable(s *chainStep) bool {
	if s.d.Routing.Preferred != envelope.RouteGraphQL || s.d.GraphQL == nil {
		return false
	}
	_, overridden := c.e.handlers[s.d.CapabilityID][envelope.RouteGraphQL]
	return !overridden
}

func (c *chain) runIndependent(ctx context.Context, s *chainStep) {
	env, err := c.e.executeTask(ctx, s.req, c.deps)
	if err != nil {
		env = envelope.NormalizeError(envelope.NewError(errcode.Unknown, err.Error(), nil),
			s.d.Routing.Preferred, envelope.MetaOptions{CapabilityID: s.d.CapabilityID})
	}
	c.results[s.index] = stepFromEnvelope(s.req.Task, env)
}

func (c *chain) runBatched(ctx context.Context, steps []*chainStep) {
	c.enter(phaseResolution)
	steps = c.load(steps)
	steps = c.resolve(ctx, steps)

	c.enter(phaseMutation)
	var queries, mutations []*chainStep
	for _, s := range steps {
		switch s.kind {
		case "query":
			queries = append(queries, s)
		case "mutation":
			mutations = append(mutations, s)
		default:
			c.fail(s, envelope.NewError(errcode.Validation, fmt.Sprintf("unsupported operation kind %q", s.kind), nil))
		}
	}
	c.runBatch(ctx, gqlbatch.BuildBatchQuery, queries)
	c.runBatch(ctx, gqlbatch.BuildBatchMutation, mutations)
}

// load reads each step's document and enforces its page limit.
func (c *chain) load(steps []*chainStep) []*chainStep {
	ready := make([]*chainStep, 0, len(steps))
	for _, s := range steps {
		g := s.d.GraphQL
		if g.Limits != nil {
			if env := checkLimit(s.d, envelope.RouteGraphQL, s.req.Input, g.Limits.MaxPageSize); env != nil {
				c.results[s.index] = stepFromEnvelope(s.req.Task, env)
				s.done = true
				continue
			}
		}
		doc, err := c.e.documents.Document(g.DocumentPath)
		if err == nil {
			s.doc = doc
			s.root, err = gqlbatch.ExtractRootFieldName(doc)
		}
		if err == nil {
			s.kind, err = gqlbatch.OperationKind(doc)
		}
		if err != nil {
			c.failErr(s, fmt.Errorf("load document for %s: %w", s.d.CapabilityID, err))
			continue
		}
		ready = append(ready, s)
	}
	return ready
}

// resolve runs phase 1: cached lookups are reused, the rest are batched into
// one query, and every executed lookup is cached before phase 2.
func (c *chain) resolve(ctx context.Context, steps []*chainStep) []*chainStep {
	pending := map[string]*pendingLookup{}
	var order []*pendingLookup

	for _, s := range steps {
		res := s.d.GraphQL.Resolution
		if res == nil {
			continue
		}
		vars := resolve.LookupVars(res.Lookup, s.req.Input)
		key := cache.Key(res.Lookup.OperationName, vars)
		if hit, ok := c.deps.Cache.Get(ctx, key); ok {
			s.lookupResult = hit
			continue
		}
		p, ok := pending[key]
		if !ok {
			doc, err := c.e.documents.Document(res.Lookup.DocumentPath)
			var root string
			if err == nil {
				root, err = gqlbatch.ExtractRootFieldName(doc)
			}
			if err != nil {
				c.failErr(s, fmt.Errorf("load lookup document %s: %w", res.Lookup.OperationName, err))
				continue
			}
			p = &pendingLookup{alias: fmt.Sprintf("lookup%d", len(order)), op: res.Lookup.OperationName, doc: doc, root: root, key: key, vars: vars}
			pending[key] = p
			order = append(order, p)
		}
		s.lookup = p
	}

	if len(order) > 0 {
		c.runLookups(ctx, order)
	}

	ready := make([]*chainStep, 0, len(steps))
	for _, s := range steps {
		if s.done {
			continue
		}
		if s.lookup != nil {
			if s.lookup.err != nil {
				detail := envelope.NewError(errcode.Classify(s.lookup.err), "Phase 1 (resolution) failed: "+s.lookup.err.Error(), nil)
				c.fail(s, detail)
				continue
			}
			s.lookupResult = s.lookup.result
		}
		if res := s.d.GraphQL.Resolution; res != nil {
			resolved, err := resolve.ApplyInject(s.lookupResult, s.req.Input, res.Inject)
			if err != nil {
				c.failErr(s, err)
				continue
			}
			s.resolved = resolved
		}
		ready = append(ready, s)
	}
	return ready
}

func (c *chain) runLookups(ctx context.Context, lookups []*pendingLookup) {
	failAll := func(err error) {
		for _, p := range lookups {
			p.err = err
		}
	}

	steps := make([]gqlbatch.Step, 0, len(lookups))
	aliases := make(map[string]bool, len(lookups))
	for _, p := range lookups {
		steps = append(steps, gqlbatch.Step{Alias: p.alias, Document: p.doc, Variables: p.vars})
		aliases[p.alias] = true
	}
	batch, err := gqlbatch.BuildBatchQuery(steps)
	if err != nil {
		failAll(err)
		return
	}
	resp, err := c.deps.Client.GraphQL(ctx, batch.Document, batch.Variables)
	if err != nil {
		failAll(err)
		return
	}

	perAlias, global := attribute(resp.Errors, aliases)
	if len(global) > 0 {
		failAll(&errcode.QueryFailure{Errors: global})
		return
	}
	if resp.Data == nil {
		failAll(absentPayload(resp.Errors))
		return
	}
	for _, p := range lookups {
		if errs := perAlias[p.alias]; len(errs) > 0 {
			p.err = &errcode.QueryFailure{Errors: errs}
			continue
		}
		v, ok := resp.Data[p.alias]
		if !ok {
			p.err = fmt.Errorf("missing lookup result for %s", p.op)
			continue
		}
		p.result = map[string]any{p.root: v}
		c.deps.Cache.Set(ctx, p.key, p.result)
	}
}

// runBatch runs phase 2 for steps of one operation kind in a single round trip.
func (c *chain) runBatch(ctx context.Context, build func([]gqlbatch.Step) (*gqlbatch.Batch, error), steps []*chainStep) {
	batchSteps := make([]gqlbatch.Step, 0, len(steps))
	members := make([]*chainStep, 0, len(steps))
	for _, s := range steps {
		vars, err := resolve.BuildMutationVars(s.doc, documentInput(s.d.GraphQL, s.req.Input), s.resolved)
		if err != nil {
			c.failErr(s, err)
			continue
		}
		batchSteps = append(batchSteps, gqlbatch.Step{Alias: s.alias, Document: s.doc, Variables: vars})
		members = append(members, s)
	}
	if len(members) == 0 {
		return
	}

	failAll := func(detail envelope.ErrorDetail) {
		for _, s := range members {
			c.fail(s, detail)
		}
	}

	batch, err := build(batchSteps)
	if err != nil {
		failAll(envelope.NewError(errcode.Unknown, err.Error(), nil))
		return
	}
	c.batchedRan = true
	resp, err := c.deps.Client.GraphQL(ctx, batch.Document, batch.Variables)
	if err != nil {
		failAll(envelope.NewError(errcode.Classify(err), err.Error(), nil))
		return
	}

	aliases := make(map[string]bool, len(members))
	for _, s := range members {
		aliases[s.alias] = true
	}
	perAlias, global := attribute(resp.Errors, aliases)
	if len(global) > 0 {
		failAll(detailOf(&errcode.QueryFailure{Errors: global}))
		return
	}
	if resp.Data == nil {
		failAll(detailOf(absentPayload(resp.Errors)))
		return
	}

	for _, s := range members {
		if errs := perAlias[s.alias]; len(errs) > 0 {
			c.fail(s, detailOf(&errcode.QueryFailure{Errors: errs}))
			continue
		}
		v, ok := resp.Data[s.alias]
		if !ok {
			c.fail(s, envelope.NewError(errcode.Unknown, "missing mutation result", nil))
			continue
		}
		data := map[string]any{s.root: v}
		if err := c.e.validator.ValidateOutput(s.d, data); err != nil {
			c.failOutput(s, err)
			continue
		}
		c.succeed(s, data)
	}
}

// attribute splits errors by the step alias leading their path. Errors
// without a string leading segment naming a known alias are global.
func attribute(errs []errcode.QueryError, aliases map[string]bool) (map[string][]errcode.QueryError, []errcode.QueryError) {
	perAlias := map[string][]errcode.QueryError{}
	var global []errcode.QueryError
	for _, e := range errs {
		if len(e.Path) > 0 {
			if alias, ok := e.Path[0].(string); ok && aliases[alias] {
				perAlias[alias] = append(perAlias[alias], e)
				continue
			}
		}
		global = append(global, e)
	}
	return perAlias, global
}

func absentPayload(errs []errcode.QueryError) error {
	if len(errs) > 0 {
		return &errcode.QueryFailure{Errors: errs}
	}
	return errors.New("GraphQL response carried no data")
}

func detailOf(err error) envelope.ErrorDetail {
	return envelope.NewError(errcode.Classify(err), err.Error(), nil)
}

func (c *chain) meta(s *chainStep) envelope.MetaOptions {
	reason := c.deps.Reason
	if reason == "" {
		reason = envelope.ReasonCardPreferred
	}
	return envelope.MetaOptions{CapabilityID: s.d.CapabilityID, Reason: reason}
}

func (c *chain) record(s *chainStep, env *envelope.Envelope, attempt envelope.Attempt) {
	if c.deps.Trace {
		env.Meta.Attempts = []envelope.Attempt{attempt}
	}
	if c.e.observer != nil {
		c.e.observer(s.d.CapabilityID, attempt)
	}
	c.results[s.index] = stepFromEnvelope(s.req.Task, env)
	s.done = true
}

func (c *chain) fail(s *chainStep, detail envelope.ErrorDetail) {
	env := envelope.NormalizeError(detail, envelope.RouteGraphQL, c.meta(s))
	c.record(s, env, envelope.Attempt{Route: envelope.RouteGraphQL, Status: envelope.AttemptError, ErrorCode: env.Error.Code})
}

func (c *chain) failErr(s *chainStep, err error) {
	env := envelope.FromError(err, envelope.RouteGraphQL, c.meta(s))
	c.record(s, env, envelope.Attempt{Route: envelope.RouteGraphQL, Status: envelope.AttemptError, ErrorCode: env.Error.Code})
}

// failOutput fails a step whose payload breaks its output contract, as ExecuteTask does.
func (c *chain) failOutput(s *chainStep, err error) {
	env := envelope.NormalizeError(envelope.ErrorDetail{Code: errcode.Server, Message: err.Error()}, envelope.RouteGraphQL,
		envelope.MetaOptions{CapabilityID: s.d.CapabilityID, Reason: envelope.ReasonOutputValidation})
	c.record(s, env, envelope.Attempt{Route: envelope.RouteGraphQL, Status: envelope.AttemptError, ErrorCode: errcode.Server})
}

func (c *chain) succeed(s *chainStep, data map[string]any) {
	env := envelope.NormalizeResult(data, envelope.RouteGraphQL, c.meta(s))
	c.record(s, env, envelope.Attempt{Route: envelope.RouteGraphQL, Status: envelope.AttemptSuccess})
}

func (c *chain) finish() *ChainResult {
	for i, r := range c.results {
		if r.Task == "" {
			s := c.steps[i]
			c.results[i] = StepResult{Task: s.req.Task, Error: &envelope.ErrorDetail{Code: errcode.Unknown, Message: "step produced no result"},
				Meta: envelope.Meta{CapabilityID: s.req.Task}}
		}
	}
	route := c.results[0].Meta.RouteUsed
	if c.batchedRan {
		route = envelope.RouteGraphQL
	}
	return assemble(c.results, route)
}
