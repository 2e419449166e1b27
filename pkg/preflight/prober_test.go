package preflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/transport"
)

const proberTestPrefix = "preflight:prober_test"

type call struct {
	name    string
	args    []string
	timeout time.Duration
}

// fakeRunner replays scripted outcomes, repeating the last one.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []call
	outcomes []func() (*transport.CLIResult, error)
	gate     chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, timeout time.Duration) (*transport.CLIResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args, timeout: timeout})
	i := len(f.calls) - 1
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	return f.outcomes[i]()
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func exitWith(code int, stdout string) func() (*transport.CLIResult, error) {
	return func() (*transport.CLIResult, error) {
		return &transport.CLIResult{Stdout: stdout, ExitCode: code}, nil
	}
}

func boolPtr(b bool) *bool { return &b }

func TestProbe_TokenRoutes(t *testing.T) {
	p := NewProber(Options{})
	for _, route := range []envelope.Route{envelope.RouteGraphQL, envelope.RouteREST} {
		res, err := p.Probe(context.Background(), route)
		if err != nil {
			t.Fatalf("%s - unexpected error: %v", proberTestPrefix, err)
		}
		if res.Ok || res.Code != errcode.Auth || res.Retryable {
			t.Errorf("%s - %s without token = %+v, want AUTH non-retryable", proberTestPrefix, route, res)
		}
	}

	p = NewProber(Options{Token: "tkn"})
	res, _ := p.Probe(context.Background(), envelope.RouteGraphQL)
	if !res.Ok {
		t.Errorf("%s - graphql with token = %+v, want ok", proberTestPrefix, res)
	}
}

func TestProbe_KnownCLIFlagsAreTrusted(t *testing.T) {
	runner := &fakeRunner{outcomes: []func() (*transport.CLIResult, error){exitWith(0, "gh version 2")}}

	tests := []struct {
		name      string
		available *bool
		authed    *bool
		wantOk    bool
		wantCode  errcode.Code
	}{
		{"unavailable", boolPtr(false), nil, false, errcode.AdapterUnsupported},
		{"unauthenticated", boolPtr(true), boolPtr(false), false, errcode.Auth},
		{"available", boolPtr(true), nil, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProber(Options{Runner: runner, CLIAvailable: tt.available, CLIAuthenticated: tt.authed})
			res, err := p.Probe(context.Background(), envelope.RouteCLI)
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", proberTestPrefix, err)
			}
			if res.Ok != tt.wantOk || res.Code != tt.wantCode {
				t.Errorf("%s - got %+v, want ok=%v code=%s", proberTestPrefix, res, tt.wantOk, tt.wantCode)
			}
		})
	}
	if runner.count() != 0 {
		t.Errorf("%s - runner called %d times, want 0", proberTestPrefix, runner.count())
	}
}

func TestProbe_DetectsMissingCLI(t *testing.T) {
	tests := []struct {
		name    string
		outcome func() (*transport.CLIResult, error)
	}{
		{"non-zero exit", exitWith(1, "")},
		{"runner error", func() (*transport.CLIResult, error) { return nil, errors.New("spawn failed") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{outcomes: []func() (*transport.CLIResult, error){tt.outcome}}
			p := NewProber(Options{Runner: runner})

			res, err := p.Probe(context.Background(), envelope.RouteCLI)
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", proberTestPrefix, err)
			}
			if res.Ok || res.Code != errcode.AdapterUnsupported {
				t.Errorf("%s - got %+v, want ADAPTER_UNSUPPORTED", proberTestPrefix, res)
			}
			c := runner.calls[0]
			if c.name != "gh" || len(c.args) != 1 || c.args[0] != "--version" || c.timeout != 1500*time.Millisecond {
				t.Errorf("%s - unexpected probe call %+v", proberTestPrefix, c)
			}
		})
	}
}

func TestProbe_CachesWithinTTL(t *testing.T) {
	runner := &fakeRunner{outcomes: []func() (*transport.CLIResult, error){exitWith(0, "gh version 2")}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProber(Options{Runner: runner, TTL: time.Minute, Now: func() time.Time { return now }})

	for i := 0; i < 3; i++ {
		if res, err := p.Probe(context.Background(), envelope.RouteCLI); err != nil || !res.Ok {
			t.Fatalf("%s - probe %d = %+v, %v", proberTestPrefix, i, res, err)
		}
	}
	if runner.count() != 1 {
		t.Errorf("%s - runner called %d times within TTL, want 1", proberTestPrefix, runner.count())
	}

	now = now.Add(2 * time.Minute)
	if _, err := p.Probe(context.Background(), envelope.RouteCLI); err != nil {
		t.Fatal(err)
	}
	if runner.count() != 2 {
		t.Errorf("%s - runner called %d times after expiry, want 2", proberTestPrefix, runner.count())
	}
}

func TestProbe_ConcurrentCallsShareOneProbe(t *testing.T) {
	runner := &fakeRunner{
		outcomes: []func() (*transport.CLIResult, error){exitWith(0, "gh version 2")},
		gate:     make(chan struct{}),
	}
	p := NewProber(Options{Runner: runner})

	var wg sync.WaitGroup
	var okCount atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := p.Probe(context.Background(), envelope.RouteCLI); err == nil && res.Ok {
				okCount.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(runner.gate)
	wg.Wait()

	if okCount.Load() != 5 {
		t.Errorf("%s - %d callers succeeded, want 5", proberTestPrefix, okCount.Load())
	}
	if runner.count() > 2 {
		t.Errorf("%s - runner called %d times, want concurrent callers to share a probe", proberTestPrefix, runner.count())
	}
}

func TestProbe_ClockFailureClearsInFlight(t *testing.T) {
	runner := &fakeRunner{outcomes: []func() (*transport.CLIResult, error){exitWith(0, "gh version 1"), exitWith(0, "")}}
	var clockCalls atomic.Int32
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProber(Options{Runner: runner, Now: func() time.Time {
		// the second reading is the post-probe cache write of the first call
		if clockCalls.Add(1) == 2 {
			panic("clock unavailable")
		}
		return base
	}})

	_, err := p.Probe(context.Background(), envelope.RouteCLI)
	if err == nil {
		t.Fatalf("%s - expected the clock failure to surface", proberTestPrefix)
	}

	res, err := p.Probe(context.Background(), envelope.RouteCLI)
	if err != nil || !res.Ok {
		t.Fatalf("%s - second probe = %+v, %v; want ok", proberTestPrefix, res, err)
	}
	if runner.count() != 2 {
		t.Errorf("%s - runner called %d times, want 2", proberTestPrefix, runner.count())
	}
}

func TestProbe_LaterFailureKeepsCachedSuccess(t *testing.T) {
	runner := &fakeRunner{outcomes: []func() (*transport.CLIResult, error){exitWith(0, "gh version 2")}}
	var broken atomic.Bool
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProber(Options{Runner: runner, Now: func() time.Time {
		if broken.Load() {
			panic("clock unavailable")
		}
		return base
	}})

	if res, err := p.Probe(context.Background(), envelope.RouteCLI); err != nil || !res.Ok {
		t.Fatalf("%s - first probe = %+v, %v", proberTestPrefix, res, err)
	}

	broken.Store(true)
	if _, err := p.Probe(context.Background(), envelope.RouteCLI); err == nil {
		t.Fatalf("%s - expected error while clock is broken", proberTestPrefix)
	}

	broken.Store(false)
	res, err := p.Probe(context.Background(), envelope.RouteCLI)
	if err != nil || !res.Ok {
		t.Fatalf("%s - probe after recovery = %+v, %v", proberTestPrefix, res, err)
	}
	if runner.count() != 1 {
		t.Errorf("%s - cached success was lost: runner called %d times", proberTestPrefix, runner.count())
	}
}

func TestProbe_UnknownRoute(t *testing.T) {
	res, err := NewProber(Options{Token: "x"}).Probe(context.Background(), envelope.Route("pigeon"))
	if err != nil || res.Ok || res.Code != errcode.AdapterUnsupported {
		t.Errorf("%s - got %+v, %v", proberTestPrefix, res, err)
	}
}

// cancelAwareRunner fails like a killed subprocess when its context is done.
type cancelAwareRunner struct {
	calls atomic.Int32
}

func (r *cancelAwareRunner) Run(ctx context.Context, _ string, _ []string, _ time.Duration) (*transport.CLIResult, error) {
	r.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &transport.CLIResult{Stdout: "gh version 2", ExitCode: 0}, nil
}

func TestProbe_CancelledCallerDoesNotPoisonCache(t *testing.T) {
	runner := &cancelAwareRunner{}
	p := NewProber(Options{Runner: runner, TTL: time.Minute})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if res, err := p.Probe(cancelled, envelope.RouteCLI); err != nil || !res.Ok {
		t.Errorf("%s - probe under cancelled caller = %+v, %v; want the real verdict", proberTestPrefix, res, err)
	}

	res, err := p.Probe(context.Background(), envelope.RouteCLI)
	if err != nil || !res.Ok {
		t.Fatalf("%s - later caller got %+v, %v", proberTestPrefix, res, err)
	}
	if got := runner.calls.Load(); got != 1 {
		t.Errorf("%s - runner called %d times, want 1", proberTestPrefix, got)
	}
}
