// Package preflight decides cheaply whether a route can be attempted in the current environment.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/transport"
)

const logPrefix = "preflight:prober"

const (
	// DefaultProbeTimeout bounds the CLI detection call.
	DefaultProbeTimeout = 1500 * time.Millisecond
	// DefaultTTL is how long a probe outcome is reused.
	DefaultTTL = 30 * time.Second
)

// Result is a probe outcome. Code, Message and Retryable are set when !Ok.
type Result struct {
	Ok        bool
	Code      errcode.Code
	Message   string
	Retryable bool
	Details   map[string]any
}

func okResult() Result { return Result{Ok: true} }

func failResult(code errcode.Code, message string) Result {
	return Result{Code: code, Message: message, Retryable: errcode.IsRetryable(code)}
}

// Options configures a Prober. Nil flags are unknown and trigger a probe.
type Options struct {
	Token            string
	CLIAvailable     *bool
	CLIAuthenticated *bool
	Runner           transport.Runner
	CLIBinary        string
	ProbeTimeout     time.Duration
	TTL              time.Duration
	Now              func() time.Time
}

type cachedProbe struct {
	result  Result
	expires time.Time
}

// Prober holds the preflight state for a caller: cached probe outcomes and
// in-flight probes. It is safe for concurrent use.
type Prober struct {
	opts Options

	group singleflight.Group
	mu    sync.Mutex
	cache map[envelope.Route]cachedProbe
}

// NewProber creates a Prober, filling defaults.
func NewProber(opts Options) *Prober {
	if opts.CLIBinary == "" {
		opts.CLIBinary = "gh"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Runner == nil {
		opts.Runner = transport.NewSafeRunner(transport.SafeRunnerOptions{})
	}
	return &Prober{opts: opts, cache: make(map[envelope.Route]cachedProbe)}
}

// Probe reports whether route can be attempted. An error means the probe itself
// broke and is not a verdict on the route.
func (p *Prober) Probe(ctx context.Context, route envelope.Route) (Result, error) {
	switch route {
	case envelope.RouteGraphQL, envelope.RouteREST:
		if strings.TrimSpace(p.opts.Token) == "" {
			return failResult(errcode.Auth, fmt.Sprintf("GitHub token is required for %s route", route)), nil
		}
		return okResult(), nil
	case envelope.RouteCLI:
		return p.probeCLI(ctx)
	}
	return failResult(errcode.AdapterUnsupported, fmt.Sprintf("unknown route %q", route)), nil
}

func (p *Prober) probeCLI(ctx context.Context) (Result, error) {
	if avail := p.opts.CLIAvailable; avail != nil && !*avail {
		return failResult(errcode.AdapterUnsupported, "GitHub CLI is not available"), nil
	}
	if auth := p.opts.CLIAuthenticated; auth != nil && !*auth {
		return failResult(errcode.Auth, "GitHub CLI is not authenticated"), nil
	}
	if p.opts.CLIAvailable != nil {
		return okResult(), nil
	}

	v, err, shared := p.group.Do(string(envelope.RouteCLI), func() (any, error) {
		return p.cliVerdict(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		slog.Debug(fmt.Sprintf("%s - shared in-flight cli probe", logPrefix))
	}
	return v.(Result), nil
}

// cliVerdict returns the cached verdict or runs the detection command and
// caches the outcome. Panics are returned as errors; the cache is only
// written once a verdict is complete.
func (p *Prober) cliVerdict(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s - cli probe failed: %v", logPrefix, r)
		}
	}()

	if cached, ok := p.cached(envelope.RouteCLI); ok {
		return cached, nil
	}

	// The verdict is shared and cached, so one caller's cancellation must not
	// decide it. ProbeTimeout still bounds the call.
	out, runErr := p.opts.Runner.Run(context.WithoutCancel(ctx), p.opts.CLIBinary, []string{"--version"}, p.opts.ProbeTimeout)
	switch {
	case runErr != nil:
		slog.Info(fmt.Sprintf("%s - %s --version failed: %v", logPrefix, p.opts.CLIBinary, runErr))
		res = failResult(errcode.AdapterUnsupported, "GitHub CLI is not available")
	case out == nil || out.ExitCode != 0:
		res = failResult(errcode.AdapterUnsupported, "GitHub CLI is not available")
	default:
		res = okResult()
	}

	p.store(envelope.RouteCLI, res)
	return res, nil
}

func (p *Prober) cached(route envelope.Route) (Result, bool) {
	now := p.opts.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[route]
	if !ok || now.After(entry.expires) {
		return Result{}, false
	}
	return entry.result, true
}

func (p *Prober) store(route envelope.Route, res Result) {
	expires := p.opts.Now().Add(p.opts.TTL)
	p.mu.Lock()
	p.cache[route] = cachedProbe{result: res, expires: expires}
	p.mu.Unlock()
}

// Forget drops cached outcomes, forcing the next call to probe again.
func (p *Prober) Forget() {
	p.mu.Lock()
	p.cache = make(map[envelope.Route]cachedProbe)
	p.mu.Unlock()
}
