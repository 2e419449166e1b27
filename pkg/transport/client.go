package transport

import (
	"context"
	"net/url"
	"time"

	"github.com/morezero/capability-router/pkg/errcode"
)

// DefaultCLITimeout bounds one CLI invocation.
const DefaultCLITimeout = 30 * time.Second

// Client bundles the three transports. Any of them may be nil; calls to a
// missing transport fail with an UnsupportedFailure.
type Client struct {
	GraphQLClient *GraphQLClient
	RESTClient    *RESTClient
	Runner        Runner
	CLIBinary     string
	CLITimeout    time.Duration
}

// ClientParams configures NewClient.
type ClientParams struct {
	Token           string
	GraphQLEndpoint string
	RESTBaseURL     string
	HTTPTimeout     time.Duration
	RateLimit       float64
	Burst           int
	CLIBinary       string
	CLITimeout      time.Duration
	Runner          Runner
}

// NewClient creates a Client with all three transports configured.
func NewClient(p ClientParams) *Client {
	runner := p.Runner
	if runner == nil {
		runner = NewSafeRunner(SafeRunnerOptions{})
	}
	return &Client{
		GraphQLClient: NewGraphQLClient(HTTPClientParams{Endpoint: p.GraphQLEndpoint, Token: p.Token, Timeout: p.HTTPTimeout, RateLimit: p.RateLimit, Burst: p.Burst}),
		RESTClient:    NewRESTClient(HTTPClientParams{Endpoint: p.RESTBaseURL, Token: p.Token, Timeout: p.HTTPTimeout, RateLimit: p.RateLimit, Burst: p.Burst}),
		Runner:        runner,
		CLIBinary:     p.CLIBinary,
		CLITimeout:    p.CLITimeout,
	}
}

// GraphQL sends a document through the GraphQL client.
func (c *Client) GraphQL(ctx context.Context, document string, variables map[string]any) (*GraphQLResponse, error) {
	if c.GraphQLClient == nil {
		return nil, &errcode.UnsupportedFailure{Route: "graphql", Reason: "no GraphQL client configured"}
	}
	return c.GraphQLClient.Do(ctx, document, variables)
}

// REST calls an endpoint through the REST client.
func (c *Client) REST(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	if c.RESTClient == nil {
		return nil, &errcode.UnsupportedFailure{Route: "rest", Reason: "no REST client configured"}
	}
	return c.RESTClient.Do(ctx, method, path, query, body)
}

// RunCLI runs the configured CLI binary with args.
func (c *Client) RunCLI(ctx context.Context, args []string) (*CLIResult, error) {
	if c.Runner == nil {
		return nil, &errcode.UnsupportedFailure{Route: "cli", Reason: "no CLI runner configured"}
	}
	return c.Runner.Run(ctx, c.Binary(), args, c.timeout())
}

// Binary returns the CLI executable name.
func (c *Client) Binary() string {
	if c.CLIBinary == "" {
		return "gh"
	}
	return c.CLIBinary
}

func (c *Client) timeout() time.Duration {
	if c.CLITimeout <= 0 {
		return DefaultCLITimeout
	}
	return c.CLITimeout
}
