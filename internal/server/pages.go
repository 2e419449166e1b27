package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/dispatcher"
	"github.com/morezero/capability-router/pkg/envelope"
)

const pageStyle = `
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    table { border-collapse: collapse; width: 100%; max-width: 960px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; vertical-align: top; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 0.5rem; }
    .error { color: #cc0000; font-weight: bold; }
    section { margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; font-size: 0.85rem; margin: 0.25rem 0; border: 1px solid #eee; }
    code { background: #f5f5f5; padding: 0 0.25rem; }
`

// homePageTemplate lists router health and the loaded catalog.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Capability Router</title>
  <style>{{.Style}}</style>
</head>
<body>
  <h1>Capability Router</h1>
  <p class="meta">Router health and the capabilities it can route.</p>

  <section>
    <h2>Health</h2>
    <p>Status: {{if eq .Health.Status "ok"}}<span class="stat">ok</span>{{else}}<span class="error">{{.Health.Status}}</span>{{end}}</p>
    {{range $name, $ok := .Health.Checks}}
    <p>{{$name}}: {{if $ok}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    {{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Capabilities</h2>
    <p>Total capabilities: <span class="stat">{{len .Capabilities}}</span>{{if .Domain}} in domain <code>{{.Domain}}</code> (<a href="/">all</a>){{end}}</p>
    {{if not .Capabilities}}
    <p>No capabilities loaded.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Capability</th><th>Description</th><th>Preferred route</th><th>Fallbacks</th></tr>
      </thead>
      <tbody>
        {{range .Capabilities}}
        <tr>
          <td><a href="/capability/{{.CapabilityID}}">{{.CapabilityID}}</a></td>
          <td>{{.Description}}</td>
          <td>{{.Routing.Preferred}}</td>
          <td>{{range .Routing.Fallbacks}}{{.}} {{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// capabilityDetailPageTemplate renders one descriptor.
const capabilityDetailPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Descriptor.CapabilityID}} - Capability Router</title>
  <style>{{.Style}}</style>
</head>
<body>
  <p><a href="/">&larr; Back to catalog</a></p>
  <h1>{{.Descriptor.CapabilityID}}</h1>
  {{if .Descriptor.Description}}<p class="meta">{{.Descriptor.Description}}</p>{{end}}
  <p><a href="/capability/{{.Descriptor.CapabilityID}}/docs">View API (Swagger)</a></p>

  <section>
    <h2>Details</h2>
    <table>
      <tr><th>Version</th><td>{{.Descriptor.Version}}</td></tr>
      <tr><th>Required inputs</th><td>{{range .Explanation.RequiredInputs}}<code>{{.}}</code> {{end}}</td></tr>
      <tr><th>Route plan</th><td>{{range .Descriptor.RoutePlan}}{{.}} {{end}}</td></tr>
      {{if .Explanation.OutputFields}}<tr><th>Output fields</th><td>{{range .Explanation.OutputFields}}<code>{{.}}</code> {{end}}</td></tr>{{end}}
      {{with .Descriptor.GraphQL}}<tr><th>GraphQL</th><td>{{.OperationName}} (<code>{{.DocumentPath}}</code>){{with .Resolution}}, resolved by {{.Lookup.OperationName}}{{end}}</td></tr>{{end}}
      {{with .Descriptor.CLI}}<tr><th>CLI</th><td><code>{{.Command}}</code></td></tr>{{end}}
      {{with .Descriptor.REST}}<tr><th>REST</th><td>{{range .Endpoints}}<code>{{.Method}} {{.Path}}</code> {{end}}</td></tr>{{end}}
    </table>
  </section>

  {{if .Descriptor.Routing.Notes}}
  <section>
    <h2>Routing notes</h2>
    <ul>{{range .Descriptor.Routing.Notes}}<li>{{.}}</li>{{end}}</ul>
  </section>
  {{end}}

  <section>
    <h2>Schemas</h2>
    <p><strong>Input:</strong></p><pre>{{json .Descriptor.InputSchema}}</pre>
    <p><strong>Output:</strong></p><pre>{{json .Descriptor.OutputSchema}}</pre>
  </section>

  {{if .Descriptor.Examples}}
  <section>
    <h2>Examples</h2>
    {{range .Descriptor.Examples}}<h3>{{.Title}}</h3><pre>{{json .Input}}</pre>{{end}}
  </section>
  {{end}}
</body>
</html>
`

// swaggerUIPage embeds Swagger UI from CDN and loads the OpenAPI spec.
const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>API - {{.Cap}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: "{{.SpecURL}}",
        dom_id: "#swagger-ui",
        presets: [
          SwaggerUIBundle.presets.apis,
          SwaggerUIBundle.SwaggerUIStandalonePreset
        ]
      });
    };
  </script>
</body>
</html>
`

type homeData struct {
	Style        template.CSS
	Health       *dispatcher.HealthOutput
	Domain       string
	Capabilities []*catalog.Descriptor
}

// handleHome returns an HTTP handler for the catalog page. ?domain= filters it.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		domain := r.URL.Query().Get("domain")
		data := homeData{
			Style:        template.CSS(pageStyle),
			Health:       s.disp.Health(ctx),
			Domain:       domain,
			Capabilities: s.rt.Registry.List(domain),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

type capabilityDetailData struct {
	Style       template.CSS
	Descriptor  *catalog.Descriptor
	Explanation *catalog.Explanation
}

func prettyJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// handleCapabilityDetail serves /capability/<id>, /capability/<id>/openapi.json and /capability/<id>/docs.
func (s *Server) handleCapabilityDetail() http.HandlerFunc {
	tmpl := template.Must(template.New("capabilityDetail").Funcs(template.FuncMap{"json": prettyJSON}).Parse(capabilityDetailPageTemplate))
	swaggerTmpl := template.Must(template.New("swagger").Parse(swaggerUIPage))
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/capability/")
		if rest == "" {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		capID, suffix, _ := strings.Cut(rest, "/")
		if unescaped, err := url.PathUnescape(capID); err == nil {
			capID = unescaped
		}

		d, ok := s.rt.Registry.Get(capID)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch suffix {
		case "openapi.json":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "public, max-age=60")
			if err := json.NewEncoder(w).Encode(buildOpenAPISpec(d)); err != nil {
				slog.Error(fmt.Sprintf("%s - openapi json encode: %v", logPrefix, err))
			}
			return
		case "docs":
			scheme := "https"
			if r.TLS == nil {
				scheme = "http"
			}
			specURL := scheme + "://" + r.Host + "/capability/" + url.PathEscape(d.CapabilityID) + "/openapi.json"
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			if err := swaggerTmpl.Execute(w, map[string]string{"Cap": d.CapabilityID, "SpecURL": specURL}); err != nil {
				slog.Error(fmt.Sprintf("%s - swagger template execute: %v", logPrefix, err))
			}
			return
		case "":
		default:
			http.NotFound(w, r)
			return
		}

		exp, err := s.rt.Registry.Explain(capID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		data := capabilityDetailData{Style: template.CSS(pageStyle), Descriptor: d, Explanation: exp}
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - capability detail template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// openAPI3 types for describing a capability as one operation.
type openAPI3Spec struct {
	OpenAPI string                      `json:"openapi"`
	Info    openAPI3Info                `json:"info"`
	Paths   map[string]openAPI3PathItem `json:"paths"`
}

type openAPI3Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPI3PathItem struct {
	Post *openAPI3Operation `json:"post,omitempty"`
}

type openAPI3Operation struct {
	Summary     string                      `json:"summary"`
	Description string                      `json:"description,omitempty"`
	OperationID string                      `json:"operationId"`
	Tags        []string                    `json:"tags,omitempty"`
	RequestBody *openAPI3RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPI3Response `json:"responses"`
}

type openAPI3RequestBody struct {
	Content map[string]openAPI3MediaType `json:"content"`
}

type openAPI3Response struct {
	Description string                       `json:"description"`
	Content     map[string]openAPI3MediaType `json:"content,omitempty"`
}

type openAPI3MediaType struct {
	Schema map[string]any `json:"schema,omitempty"`
}

// buildOpenAPISpec describes a capability as a single POST operation whose
// response is the result envelope around the output schema.
func buildOpenAPISpec(d *catalog.Descriptor) *openAPI3Spec {
	inputSchema := d.InputSchema
	if len(inputSchema) == 0 {
		inputSchema = map[string]any{"type": "object"}
	}
	outputSchema := d.OutputSchema
	if len(outputSchema) == 0 {
		outputSchema = map[string]any{}
	}
	routes := make([]any, 0, 3)
	for _, r := range []envelope.Route{envelope.RouteGraphQL, envelope.RouteCLI, envelope.RouteREST} {
		routes = append(routes, string(r))
	}
	envelopeSchema := map[string]any{
		"type":     "object",
		"required": []any{"ok", "meta"},
		"properties": map[string]any{
			"ok":   map[string]any{"type": "boolean"},
			"data": outputSchema,
			"error": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code":      map[string]any{"type": "string"},
					"message":   map[string]any{"type": "string"},
					"retryable": map[string]any{"type": "boolean"},
				},
			},
			"meta": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"capability_id": map[string]any{"type": "string"},
					"route_used":    map[string]any{"type": "string", "enum": routes},
					"reason":        map[string]any{"type": "string"},
				},
			},
		},
	}

	desc := d.Description
	if desc == "" {
		desc = "Capability " + d.CapabilityID
	}
	return &openAPI3Spec{
		OpenAPI: "3.0.0",
		Info:    openAPI3Info{Title: d.CapabilityID, Description: desc, Version: d.Version},
		Paths: map[string]openAPI3PathItem{
			"/" + d.CapabilityID: {
				Post: &openAPI3Operation{
					Summary:     d.CapabilityID,
					Description: d.Description,
					OperationID: d.CapabilityID,
					Tags:        []string{d.Domain()},
					RequestBody: &openAPI3RequestBody{
						Content: map[string]openAPI3MediaType{"application/json": {Schema: inputSchema}},
					},
					Responses: map[string]openAPI3Response{
						"200": {
							Description: "Result envelope",
							Content:     map[string]openAPI3MediaType{"application/json": {Schema: envelopeSchema}},
						},
					},
				},
			},
		},
	}
}
