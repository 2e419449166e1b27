package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/commsutil"
	"github.com/morezero/capability-router/pkg/engine"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
)

const dispatcherTestPrefix = "dispatcher:dispatcher_test"

const testCards = `
capability_id: repo.view
version: 1.0.0
description: Fetch repository metadata.
input_schema:
  type: object
  required: [owner, name]
  properties:
    owner: { type: string }
    name: { type: string }
output_schema: { type: object }
routing:
  preferred: graphql
  fallbacks: []
graphql:
  operationName: RepoView
  documentPath: repo-view.graphql
---
capability_id: pr.view
version: 1.0.0
description: Fetch a pull request.
input_schema:
  type: object
  required: [number]
output_schema: { type: object }
routing:
  preferred: graphql
  fallbacks: []
graphql:
  operationName: PullRequestView
  documentPath: pr-view.graphql
`

// viewHandler answers with the requested name, or NOT_FOUND for owner "missing".
func viewHandler(_ context.Context, _ engine.Deps, d *catalog.Descriptor, input map[string]any) *envelope.Envelope {
	opts := envelope.MetaOptions{CapabilityID: d.CapabilityID}
	if input["owner"] == "missing" {
		return envelope.NormalizeError(envelope.NewError(errcode.NotFound, "Could not resolve to a Repository", nil), envelope.RouteGraphQL, opts)
	}
	return envelope.NormalizeResult(map[string]any{"name": input["name"]}, envelope.RouteGraphQL, opts)
}

func newTestDispatcher(t *testing.T, checks map[string]HealthCheck) *Dispatcher {
	t.Helper()
	descs, err := catalog.ParseDescriptors([]byte(testCards))
	if err != nil {
		t.Fatalf("%s - parse fixtures: %v", dispatcherTestPrefix, err)
	}
	reg, err := catalog.NewRegistry(descs...)
	if err != nil {
		t.Fatalf("%s - build registry: %v", dispatcherTestPrefix, err)
	}
	eng, err := engine.NewEngine(engine.Params{
		Registry: reg,
		Handlers: map[string]map[envelope.Route]engine.Handler{
			"repo.view": {envelope.RouteGraphQL: viewHandler},
		},
	})
	if err != nil {
		t.Fatalf("%s - NewEngine: %v", dispatcherTestPrefix, err)
	}
	return NewDispatcher(DispatcherParams{
		Engine: eng,
		Deps:   engine.Deps{Token: "test-token"},
		Checks: checks,
	})
}

func request(method, params string) *RouterRequest {
	req := &RouterRequest{ID: "req-1", Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func TestDispatch_Errors(t *testing.T) {
	d := newTestDispatcher(t, nil)

	tests := []struct {
		name     string
		req      *RouterRequest
		wantCode string
	}{
		{name: "unknown method", req: request("resolve", `{}`), wantCode: CodeMethodNotFound},
		{name: "execute without task", req: request(MethodExecute, `{"input":{}}`), wantCode: CodeInvalidArgument},
		{name: "execute malformed", req: request(MethodExecute, `{"task":`), wantCode: CodeInvalidArgument},
		{name: "empty chain", req: request(MethodChain, `{"tasks":[]}`), wantCode: CodeInvalidArgument},
		{name: "chain malformed", req: request(MethodChain, `{"tasks":"repo.view"}`), wantCode: CodeInvalidArgument},
		{name: "explain without capability", req: request(MethodExplain, ``), wantCode: CodeInvalidArgument},
		{name: "explain unknown", req: request(MethodExplain, `{"capability":"repo.delete"}`), wantCode: CodeNotFound},
		{name: "list malformed", req: request(MethodList, `[1]`), wantCode: CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), tt.req)
			if resp.Ok {
				t.Fatalf("%s - expected ok=false", dispatcherTestPrefix)
			}
			if resp.ID != "req-1" {
				t.Errorf("%s - expected id req-1, got %q", dispatcherTestPrefix, resp.ID)
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Fatalf("%s - expected %s error, got %+v", dispatcherTestPrefix, tt.wantCode, resp.Error)
			}
			if resp.Error.Retryable {
				t.Errorf("%s - expected non-retryable error", dispatcherTestPrefix)
			}
		})
	}
}

func TestDispatch_NoEngine(t *testing.T) {
	d := &Dispatcher{}
	for _, method := range []string{MethodExecute, MethodChain, MethodExplain, MethodList} {
		resp := d.Dispatch(context.Background(), request(method, `{}`))
		if resp.Ok || resp.Error == nil || resp.Error.Code != CodeInternal {
			t.Errorf("%s - %s without engine: expected %s, got %+v", dispatcherTestPrefix, method, CodeInternal, resp.Error)
		}
	}
	resp := d.Dispatch(context.Background(), request(MethodHealth, ``))
	if !resp.Ok {
		t.Fatalf("%s - health without engine should still answer", dispatcherTestPrefix)
	}
}

func TestDispatch_Execute(t *testing.T) {
	d := newTestDispatcher(t, nil)

	tests := []struct {
		name     string
		params   string
		wantOk   bool
		wantCode errcode.Code
		wantData any
	}{
		{
			name:     "success",
			params:   `{"task":"repo.view","input":{"owner":"octo","name":"hello"}}`,
			wantOk:   true,
			wantData: map[string]any{"name": "hello"},
		},
		{
			name:     "capability failure stays in the envelope",
			params:   `{"task":"repo.view","input":{"owner":"missing","name":"hello"}}`,
			wantCode: errcode.NotFound,
		},
		{
			name:     "unknown task",
			params:   `{"task":"repo.delete","input":{}}`,
			wantCode: errcode.Validation,
		},
		{
			name:     "invalid input",
			params:   `{"task":"repo.view","input":{"owner":"octo"}}`,
			wantCode: errcode.Validation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), request(MethodExecute, tt.params))
			if !resp.Ok {
				t.Fatalf("%s - dispatch failed: %+v", dispatcherTestPrefix, resp.Error)
			}
			env, ok := resp.Result.(*envelope.Envelope)
			if !ok {
				t.Fatalf("%s - expected *envelope.Envelope result, got %T", dispatcherTestPrefix, resp.Result)
			}
			if env.Ok != tt.wantOk {
				t.Fatalf("%s - envelope ok = %v, want %v (error %+v)", dispatcherTestPrefix, env.Ok, tt.wantOk, env.Error)
			}
			if tt.wantOk {
				if diff := cmp.Diff(tt.wantData, env.Data); diff != "" {
					t.Errorf("%s - data mismatch (-want +got):\n%s", dispatcherTestPrefix, diff)
				}
				return
			}
			if env.Error.Code != tt.wantCode {
				t.Errorf("%s - error code = %s, want %s", dispatcherTestPrefix, env.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestDispatch_Chain(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp := d.Dispatch(context.Background(), request(MethodChain, `{"tasks":[
		{"task":"repo.view","input":{"owner":"octo","name":"a"}},
		{"task":"repo.view","input":{"owner":"missing","name":"b"}}
	]}`))
	if !resp.Ok {
		t.Fatalf("%s - dispatch failed: %+v", dispatcherTestPrefix, resp.Error)
	}
	res, ok := resp.Result.(*engine.ChainResult)
	if !ok {
		t.Fatalf("%s - expected *engine.ChainResult, got %T", dispatcherTestPrefix, resp.Result)
	}
	if res.Status != engine.ChainPartial {
		t.Errorf("%s - status = %s, want %s", dispatcherTestPrefix, res.Status, engine.ChainPartial)
	}
	if len(res.Results) != 2 || !res.Results[0].Ok || res.Results[1].Ok {
		t.Fatalf("%s - unexpected results: %+v", dispatcherTestPrefix, res.Results)
	}
	if res.Results[1].Error.Code != errcode.NotFound {
		t.Errorf("%s - second step code = %s, want %s", dispatcherTestPrefix, res.Results[1].Error.Code, errcode.NotFound)
	}
}

func TestDispatch_ExplainAndList(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp := d.Dispatch(context.Background(), request(MethodExplain, `{"capability":"repo.view"}`))
	if !resp.Ok {
		t.Fatalf("%s - explain failed: %+v", dispatcherTestPrefix, resp.Error)
	}
	exp := resp.Result.(*catalog.Explanation)
	want := &catalog.Explanation{
		CapabilityID:   "repo.view",
		Purpose:        "Fetch repository metadata.",
		RequiredInputs: []string{"owner", "name"},
		PreferredRoute: envelope.RouteGraphQL,
		FallbackRoutes: []envelope.Route{},
		OutputFields:   []string{},
	}
	if diff := cmp.Diff(want, exp); diff != "" {
		t.Errorf("%s - explanation mismatch (-want +got):\n%s", dispatcherTestPrefix, diff)
	}

	tests := []struct {
		params string
		want   []string
	}{
		{params: ``, want: []string{"pr.view", "repo.view"}},
		{params: `{"domain":"pr"}`, want: []string{"pr.view"}},
		{params: `{"domain":"release"}`, want: []string{}},
	}
	for _, tt := range tests {
		resp := d.Dispatch(context.Background(), request(MethodList, tt.params))
		if !resp.Ok {
			t.Fatalf("%s - list %s failed: %+v", dispatcherTestPrefix, tt.params, resp.Error)
		}
		got := []string{}
		for _, s := range resp.Result.([]catalog.Summary) {
			got = append(got, s.CapabilityID)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s - list %s mismatch (-want +got):\n%s", dispatcherTestPrefix, tt.params, diff)
		}
	}
}

func TestDispatch_Health(t *testing.T) {
	d := newTestDispatcher(t, map[string]HealthCheck{
		"comms": func(context.Context) error { return nil },
		"cache": func(context.Context) error { return errors.New("connection refused") },
	})

	resp := d.Dispatch(context.Background(), request(MethodHealth, ``))
	if !resp.Ok {
		t.Fatalf("%s - health failed: %+v", dispatcherTestPrefix, resp.Error)
	}
	h := resp.Result.(*HealthOutput)
	if h.Status != "degraded" {
		t.Errorf("%s - status = %s, want degraded", dispatcherTestPrefix, h.Status)
	}
	if h.Capabilities != 2 {
		t.Errorf("%s - capabilities = %d, want 2", dispatcherTestPrefix, h.Capabilities)
	}
	if diff := cmp.Diff(map[string]bool{"comms": true, "cache": false}, h.Checks); diff != "" {
		t.Errorf("%s - checks mismatch (-want +got):\n%s", dispatcherTestPrefix, diff)
	}
	if _, err := time.Parse(time.RFC3339, h.Timestamp); err != nil {
		t.Errorf("%s - timestamp %q is not RFC3339: %v", dispatcherTestPrefix, h.Timestamp, err)
	}

	healthy := newTestDispatcher(t, nil).Health(context.Background())
	if healthy.Status != "ok" {
		t.Errorf("%s - status without checks = %s, want ok", dispatcherTestPrefix, healthy.Status)
	}
}

func TestInvocationContext_Timeout(t *testing.T) {
	def := 30 * time.Second
	tests := []struct {
		name string
		ctx  *InvocationContext
		want time.Duration
	}{
		{name: "nil context", ctx: nil, want: def},
		{name: "no budget", ctx: &InvocationContext{RequestID: "r"}, want: def},
		{name: "deadline wins", ctx: &InvocationContext{DeadlineMs: 500, TimeoutMs: 1000}, want: 500 * time.Millisecond},
		{name: "timeout", ctx: &InvocationContext{TimeoutMs: 1000}, want: time.Second},
		{name: "longer than default", ctx: &InvocationContext{TimeoutMs: 60000}, want: def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.Timeout(def); got != tt.want {
				t.Errorf("%s - Timeout = %v, want %v", dispatcherTestPrefix, got, tt.want)
			}
		})
	}
}

func TestRouterRequest_Unmarshal(t *testing.T) {
	raw := `{
		"id": "req-1",
		"method": "execute",
		"params": {"task": "repo.view", "input": {"owner": "octo", "name": "hello"}},
		"ctx": {"requestId": "r-9", "timeoutMs": 2500}
	}`

	var req RouterRequest
	if err := commsutil.DecodePayload([]byte(raw), &req); err != nil {
		t.Fatalf("%s - failed to decode: %v", dispatcherTestPrefix, err)
	}
	if req.ID != "req-1" || req.Method != MethodExecute {
		t.Errorf("%s - unexpected envelope: %+v", dispatcherTestPrefix, req)
	}
	if req.Ctx == nil || req.Ctx.RequestID != "r-9" || req.Ctx.TimeoutMs != 2500 {
		t.Fatalf("%s - unexpected ctx: %+v", dispatcherTestPrefix, req.Ctx)
	}
	var params ExecuteParams
	if err := decodeParams(req.Params, &params); err != nil {
		t.Fatalf("%s - failed to decode params: %v", dispatcherTestPrefix, err)
	}
	if params.Task != "repo.view" || params.Input["owner"] != "octo" {
		t.Errorf("%s - unexpected params: %+v", dispatcherTestPrefix, params)
	}
}

func TestMsgHandler_InProcessServer(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: 14241, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", dispatcherTestPrefix, err)
	}
	go ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", dispatcherTestPrefix)
	}

	nc, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - connect: %v", dispatcherTestPrefix, err)
	}
	defer nc.Close()

	d := newTestDispatcher(t, nil)
	sub, err := nc.Subscribe(commsutil.SubjectRouter, d.MsgHandler(context.Background(), time.Second))
	if err != nil {
		t.Fatalf("%s - subscribe: %v", dispatcherTestPrefix, err)
	}
	defer sub.Unsubscribe()

	t.Run("execute", func(t *testing.T) {
		msg, err := nc.Request(commsutil.SubjectRouter,
			[]byte(`{"id":"req-7","method":"execute","params":{"task":"repo.view","input":{"owner":"octo","name":"hello"}},"ctx":{"timeoutMs":500}}`),
			5*time.Second)
		if err != nil {
			t.Fatalf("%s - request: %v", dispatcherTestPrefix, err)
		}
		var resp struct {
			ID     string             `json:"id"`
			Ok     bool               `json:"ok"`
			Result *envelope.Envelope `json:"result"`
		}
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("%s - decode response: %v", dispatcherTestPrefix, err)
		}
		if resp.ID != "req-7" || !resp.Ok || resp.Result == nil || !resp.Result.Ok {
			t.Fatalf("%s - unexpected response: %s", dispatcherTestPrefix, msg.Data)
		}
		if diff := cmp.Diff(map[string]any{"name": "hello"}, resp.Result.Data); diff != "" {
			t.Errorf("%s - data mismatch (-want +got):\n%s", dispatcherTestPrefix, diff)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		msg, err := nc.Request(commsutil.SubjectRouter, []byte(`not json`), 5*time.Second)
		if err != nil {
			t.Fatalf("%s - request: %v", dispatcherTestPrefix, err)
		}
		var resp RouterResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("%s - decode response: %v", dispatcherTestPrefix, err)
		}
		if resp.Ok || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
			t.Errorf("%s - expected %s, got %s", dispatcherTestPrefix, CodeInvalidRequest, msg.Data)
		}
	})
}
