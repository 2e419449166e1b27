package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/morezero/capability-router/pkg/errcode"
)

// DefaultRESTBaseURL is GitHub's REST API.
const DefaultRESTBaseURL = "https://api.github.com"

// RESTClient calls JSON REST endpoints relative to a base URL.
type RESTClient struct {
	httpBase
}

// NewRESTClient creates a RESTClient.
func NewRESTClient(p HTTPClientParams) *RESTClient {
	return &RESTClient{httpBase: newHTTPBase(p, DefaultRESTBaseURL)}
}

// Do sends method to path with optional query and JSON body and decodes the JSON reply.
// An empty reply decodes to an empty object.
func (c *RESTClient) Do(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	target := strings.TrimRight(c.endpoint, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode rest body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, reader)
	if err != nil {
		return nil, fmt.Errorf("build rest request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, status, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &errcode.HTTPFailure{Method: req.Method, URL: target, StatusCode: status, Body: "malformed JSON reply"}
	}
	return out, nil
}
