package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/morezero/capability-router/pkg/cache"
	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/resolve"
)

// limitInput is the input key carrying a requested page or item count.
const limitInput = "first"

var (
	placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	secretPattern      = regexp.MustCompile(`\b(gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})\b`)
)

const redacted = "[REDACTED]"

func metaFor(d *catalog.Descriptor, deps Deps) envelope.MetaOptions {
	return envelope.MetaOptions{CapabilityID: d.CapabilityID, Reason: deps.Reason}
}

func noClient(d *catalog.Descriptor, route envelope.Route) error {
	return &errcode.UnsupportedFailure{Route: string(route), Capability: d.CapabilityID, Reason: "no transport client configured"}
}

func (e *Engine) graphqlAdapter(ctx context.Context, deps Deps, d *catalog.Descriptor, input map[string]any) *envelope.Envelope {
	g := d.GraphQL
	meta := metaFor(d, deps)
	fail := func(err error) *envelope.Envelope { return envelope.FromError(err, envelope.RouteGraphQL, meta) }

	if deps.Client == nil {
		return fail(noClient(d, envelope.RouteGraphQL))
	}
	if g.Limits != nil {
		if env := checkLimit(d, envelope.RouteGraphQL, input, g.Limits.MaxPageSize); env != nil {
			return env
		}
	}
	doc, err := e.documents.Document(g.DocumentPath)
	if err != nil {
		return fail(fmt.Errorf("load document for %s: %w", d.CapabilityID, err))
	}

	var resolved map[string]any
	if g.Resolution != nil {
		lookupResult, err := e.lookup(ctx, deps, g.Resolution.Lookup, input)
		if err != nil {
			return fail(err)
		}
		if resolved, err = resolve.ApplyInject(lookupResult, input, g.Resolution.Inject); err != nil {
			return fail(err)
		}
	}

	vars, err := resolve.BuildMutationVars(doc, documentInput(g, input), resolved)
	if err != nil {
		return fail(err)
	}
	resp, err := deps.Client.GraphQL(ctx, doc, vars)
	if err != nil {
		return fail(err)
	}
	if len(resp.Errors) > 0 {
		return fail(&errcode.QueryFailure{Errors: resp.Errors})
	}
	return envelope.NormalizeResult(resp.Data, envelope.RouteGraphQL, meta)
}

// lookup runs a resolution lookup, serving it from deps.Cache when possible.
func (e *Engine) lookup(ctx context.Context, deps Deps, l catalog.Lookup, input map[string]any) (map[string]any, error) {
	vars := resolve.LookupVars(l, input)
	key := cache.Key(l.OperationName, vars)
	if hit, ok := deps.Cache.Get(ctx, key); ok {
		return hit, nil
	}

	doc, err := e.documents.Document(l.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("load lookup document %s: %w", l.OperationName, err)
	}
	resp, err := deps.Client.GraphQL(ctx, doc, vars)
	if err != nil {
		return nil, fmt.Errorf("resolution lookup %s: %w", l.OperationName, err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("resolution lookup %s: %w", l.OperationName, &errcode.QueryFailure{Errors: resp.Errors})
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("resolution lookup %s returned no data", l.OperationName)
	}
	deps.Cache.Set(ctx, key, resp.Data)
	return resp.Data, nil
}

// documentInput applies the descriptor's variable mapping; unmapped
// variables take the input key of the same name.
func documentInput(g *catalog.GraphQLParams, input map[string]any) map[string]any {
	if len(g.Variables) == 0 {
		return input
	}
	out := make(map[string]any, len(input)+len(g.Variables))
	for k, v := range input {
		out[k] = v
	}
	for variable, inputKey := range g.Variables {
		if v, ok := input[inputKey]; ok {
			out[variable] = v
		}
	}
	return out
}

func (e *Engine) cliAdapter(ctx context.Context, deps Deps, d *catalog.Descriptor, input map[string]any) *envelope.Envelope {
	c := d.CLI
	meta := metaFor(d, deps)
	fail := func(err error) *envelope.Envelope { return envelope.FromError(err, envelope.RouteCLI, meta) }

	if deps.Client == nil {
		return fail(noClient(d, envelope.RouteCLI))
	}
	args, err := expandCommand(c.Command, input)
	if err != nil {
		return fail(err)
	}
	if n, ok := intValue(input[limitInput]); ok {
		if c.Limits != nil {
			if env := checkLimit(d, envelope.RouteCLI, input, c.Limits.MaxItemsPerCall); env != nil {
				return env
			}
		}
		args = append(args, "--limit", strconv.FormatInt(n, 10))
	}
	if len(c.JSONFields) > 0 {
		args = append(args, "--json", strings.Join(c.JSONFields, ","))
	}
	if c.JQ != "" {
		args = append(args, "--jq", c.JQ)
	}

	res, err := deps.Client.RunCLI(ctx, args)
	if err != nil {
		return fail(err)
	}
	if res.ExitCode != 0 {
		return fail(&errcode.ExitFailure{
			Command:  commandName(args),
			ExitCode: res.ExitCode,
			Stderr:   sanitize(res.Stderr, deps.Token),
		})
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return envelope.NormalizeResult(map[string]any{}, envelope.RouteCLI, meta)
	}
	var data any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return envelope.NormalizeError(envelope.NewError(errcode.Unknown,
			fmt.Sprintf("%s produced non-JSON output", commandName(args)), nil), envelope.RouteCLI, meta)
	}
	return envelope.NormalizeResult(data, envelope.RouteCLI, meta)
}

func (e *Engine) restAdapter(ctx context.Context, deps Deps, d *catalog.Descriptor, input map[string]any) *envelope.Envelope {
	ep := d.REST.Endpoints[0]
	meta := metaFor(d, deps)
	fail := func(err error) *envelope.Envelope { return envelope.FromError(err, envelope.RouteREST, meta) }

	if deps.Client == nil {
		return fail(noClient(d, envelope.RouteREST))
	}
	path, used, err := fillTemplate(ep.Path, input, url.PathEscape)
	if err != nil {
		return fail(err)
	}

	rest := make(map[string]any, len(input))
	for k, v := range input {
		if !used[k] {
			rest[k] = v
		}
	}

	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}
	var query url.Values
	var body any
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		query = url.Values{}
		for k, v := range rest {
			query.Set(k, fmt.Sprint(v))
		}
	default:
		body = rest
	}

	data, err := deps.Client.REST(ctx, method, path, query, body)
	if err != nil {
		return fail(err)
	}
	return envelope.NormalizeResult(data, envelope.RouteREST, meta)
}

// checkLimit returns a CAPABILITY_LIMIT envelope when input asks for more than limit items.
func checkLimit(d *catalog.Descriptor, route envelope.Route, input map[string]any, limit int) *envelope.Envelope {
	if limit <= 0 {
		return nil
	}
	n, ok := intValue(input[limitInput])
	if !ok || n <= int64(limit) {
		return nil
	}
	detail := envelope.NewError(errcode.Validation,
		fmt.Sprintf("%s over %s supports at most %d items, requested %d", d.CapabilityID, route, limit, n),
		map[string]any{"limit": limit, "requested": n})
	return envelope.NormalizeError(detail, route, envelope.MetaOptions{CapabilityID: d.CapabilityID, Reason: envelope.ReasonCapabilityLimit})
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// expandCommand splits a command template into args and fills its placeholders.
func expandCommand(template string, input map[string]any) ([]string, error) {
	fields := strings.Fields(template)
	args := make([]string, 0, len(fields))
	for _, f := range fields {
		arg, _, err := fillTemplate(f, input, nil)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if len(args) == 0 {
		return nil, errors.New("empty CLI command template")
	}
	return args, nil
}

// fillTemplate replaces {name} placeholders with input values. used reports
// the input keys consumed.
func fillTemplate(template string, input map[string]any, escape func(string) string) (string, map[string]bool, error) {
	used := map[string]bool{}
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := input[name]
		if !ok || v == nil {
			missing = append(missing, name)
			return m
		}
		used[name] = true
		s := fmt.Sprint(v)
		if escape != nil {
			s = escape(s)
		}
		return s
	})
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", nil, &errcode.InputFailure{
			Message: fmt.Sprintf("Missing required params: %s", strings.Join(missing, ", ")),
			Missing: missing,
		}
	}
	return out, used, nil
}

func commandName(args []string) string {
	if len(args) > 2 {
		args = args[:2]
	}
	return strings.Join(args, " ")
}

// sanitize redacts credentials from CLI diagnostics.
func sanitize(stderr, token string) string {
	if token != "" {
		stderr = strings.ReplaceAll(stderr, token, redacted)
	}
	return secretPattern.ReplaceAllString(stderr, redacted)
}
