package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/morezero/capability-router/pkg/errcode"
)

// DefaultGraphQLEndpoint is GitHub's GraphQL API.
const DefaultGraphQLEndpoint = "https://api.github.com/graphql"

const maxResponseBytes = 16 << 20

// GraphQLResponse is a decoded GraphQL response. Data and Errors may both be set.
type GraphQLResponse struct {
	Data   map[string]any       `json:"data"`
	Errors []errcode.QueryError `json:"errors,omitempty"`
}

// HTTPClientParams configures the HTTP-based clients. Zero values use defaults.
type HTTPClientParams struct {
	Endpoint   string
	Token      string
	UserAgent  string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
}

type httpBase struct {
	endpoint  string
	token     string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

func newHTTPBase(p HTTPClientParams, defaultEndpoint string) httpBase {
	b := httpBase{endpoint: p.Endpoint, token: p.Token, userAgent: p.UserAgent, http: p.HTTPClient}
	if b.endpoint == "" {
		b.endpoint = defaultEndpoint
	}
	if b.userAgent == "" {
		b.userAgent = "capability-router"
	}
	if b.http == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		b.http = &http.Client{Timeout: timeout}
	}
	if p.RateLimit > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(p.RateLimit), burst)
	}
	return b
}

// send issues req and returns the body of a 2xx response. Failures are errcode failures.
func (b *httpBase) send(ctx context.Context, req *http.Request) ([]byte, int, error) {
	op := req.Method + " " + req.URL.String()
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, 0, &errcode.NetworkFailure{Op: op, Err: err}
		}
	}
	req.Header.Set("User-Agent", b.userAgent)
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, 0, &errcode.NetworkFailure{Op: op, Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &errcode.NetworkFailure{Op: op, Err: err, Timeout: isTimeout(err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &errcode.HTTPFailure{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// GraphQLClient posts documents to a GraphQL endpoint.
type GraphQLClient struct {
	httpBase
}

// NewGraphQLClient creates a GraphQLClient.
func NewGraphQLClient(p HTTPClientParams) *GraphQLClient {
	return &GraphQLClient{httpBase: newHTTPBase(p, DefaultGraphQLEndpoint)}
}

// Do sends one document. Protocol errors are returned in the response, not as an error.
func (c *GraphQLClient) Do(ctx context.Context, document string, variables map[string]any) (*GraphQLResponse, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"query": document, "variables": variables})
	if err != nil {
		return nil, fmt.Errorf("encode graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, _, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	var out GraphQLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &errcode.QueryFailure{Errors: []errcode.QueryError{{
			Message: fmt.Sprintf("malformed GraphQL response: %v", err),
			Type:    "INTERNAL",
		}}}
	}
	return &out, nil
}
