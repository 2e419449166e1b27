// Package catalog holds operation descriptors and the registry that serves them.
package catalog

import (
	"slices"
	"strings"

	"github.com/morezero/capability-router/pkg/envelope"
)

// Descriptor is the static, per-capability contract: schemas, routing policy
// and per-transport parameters.
type Descriptor struct {
	CapabilityID string         `json:"capability_id" yaml:"capability_id"`
	Version      string         `json:"version" yaml:"version"`
	Description  string         `json:"description" yaml:"description"`
	InputSchema  map[string]any `json:"input_schema" yaml:"input_schema"`
	OutputSchema map[string]any `json:"output_schema" yaml:"output_schema"`
	Routing      Routing        `json:"routing" yaml:"routing"`
	GraphQL      *GraphQLParams `json:"graphql,omitempty" yaml:"graphql,omitempty"`
	CLI          *CLIParams     `json:"cli,omitempty" yaml:"cli,omitempty"`
	REST         *RESTParams    `json:"rest,omitempty" yaml:"rest,omitempty"`
	Examples     []Example      `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// Routing is the route policy of a descriptor.
type Routing struct {
	Preferred   envelope.Route    `json:"preferred" yaml:"preferred"`
	Fallbacks   []envelope.Route  `json:"fallbacks" yaml:"fallbacks"`
	Suitability []SuitabilityRule `json:"suitability,omitempty" yaml:"suitability,omitempty"`
	Notes       []string          `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// SuitabilityRule documents when a route fits. Rules are informational.
type SuitabilityRule struct {
	When      string `json:"when" yaml:"when"`
	Predicate string `json:"predicate" yaml:"predicate"`
	Reason    string `json:"reason" yaml:"reason"`
}

// GraphQLParams configures the structured-query route. Variables maps a
// document variable to the input key that fills it; unmapped variables take
// the input key of the same name.
type GraphQLParams struct {
	OperationName string            `json:"operationName" yaml:"operationName"`
	DocumentPath  string            `json:"documentPath" yaml:"documentPath"`
	Variables     map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Limits        *GraphQLLimits    `json:"limits,omitempty" yaml:"limits,omitempty"`
	Resolution    *Resolution       `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// GraphQLLimits bounds GraphQL requests.
type GraphQLLimits struct {
	MaxPageSize int `json:"maxPageSize,omitempty" yaml:"maxPageSize,omitempty"`
}

// Resolution describes a lookup query whose result feeds the mutation variables.
type Resolution struct {
	Lookup Lookup       `json:"lookup" yaml:"lookup"`
	Inject []InjectRule `json:"inject" yaml:"inject"`
}

// Lookup is the query run before the mutation. Vars maps a caller input
// (mutation variable) name to the lookup variable it fills.
type Lookup struct {
	OperationName string            `json:"operationName" yaml:"operationName"`
	DocumentPath  string            `json:"documentPath" yaml:"documentPath"`
	Vars          map[string]string `json:"vars" yaml:"vars"`
}

// InjectSource tags the variant of an InjectRule.
type InjectSource string

const (
	InjectScalar   InjectSource = "scalar"
	InjectMapArray InjectSource = "map_array"
	InjectInput    InjectSource = "input"
)

// InjectRule derives one mutation variable. Which fields apply depends on Source:
// scalar uses Path; input uses FromInput; map_array uses FromInput, NodesPath,
// MatchField and ExtractField.
type InjectRule struct {
	Target       string       `json:"target" yaml:"target"`
	Source       InjectSource `json:"source" yaml:"source"`
	Path         string       `json:"path,omitempty" yaml:"path,omitempty"`
	FromInput    string       `json:"from_input,omitempty" yaml:"from_input,omitempty"`
	NodesPath    string       `json:"nodes_path,omitempty" yaml:"nodes_path,omitempty"`
	MatchField   string       `json:"match_field,omitempty" yaml:"match_field,omitempty"`
	ExtractField string       `json:"extract_field,omitempty" yaml:"extract_field,omitempty"`
}

// CLIParams configures the subprocess route. Command is a whitespace-separated
// template; tokens may contain {input} placeholders.
type CLIParams struct {
	Command    string     `json:"command" yaml:"command"`
	JSONFields []string   `json:"jsonFields,omitempty" yaml:"jsonFields,omitempty"`
	JQ         string     `json:"jq,omitempty" yaml:"jq,omitempty"`
	Limits     *CLILimits `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// CLILimits bounds CLI requests.
type CLILimits struct {
	MaxItemsPerCall int `json:"maxItemsPerCall,omitempty" yaml:"maxItemsPerCall,omitempty"`
}

// RESTParams configures the REST route.
type RESTParams struct {
	Endpoints []Endpoint `json:"endpoints" yaml:"endpoints"`
}

// Endpoint is one REST call; Path may contain {input} placeholders.
type Endpoint struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

// Example is a sample invocation.
type Example struct {
	Title string         `json:"title" yaml:"title"`
	Input map[string]any `json:"input" yaml:"input"`
}

// Domain returns the part of the capability id before the first dot.
func (d *Descriptor) Domain() string {
	domain, _, _ := strings.Cut(d.CapabilityID, ".")
	return domain
}

// RequiredInputs returns the schema's top-level required keys.
func (d *Descriptor) RequiredInputs() []string {
	return stringList(d.InputSchema["required"])
}

// OutputFields returns the top-level property names of the output schema.
func (d *Descriptor) OutputFields() []string {
	props, ok := d.OutputSchema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(props))
	for k := range props {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	return fields
}

// RoutePlan returns preferred followed by fallbacks, duplicates removed, order kept.
func (d *Descriptor) RoutePlan() []envelope.Route {
	seen := make(map[envelope.Route]bool, 1+len(d.Routing.Fallbacks))
	plan := make([]envelope.Route, 0, 1+len(d.Routing.Fallbacks))
	for _, r := range append([]envelope.Route{d.Routing.Preferred}, d.Routing.Fallbacks...) {
		if seen[r] {
			continue
		}
		seen[r] = true
		plan = append(plan, r)
	}
	return plan
}

func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		out := make([]string, len(items))
		copy(out, items)
		return out
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
