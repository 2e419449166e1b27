package catalog

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/morezero/capability-router/pkg/envelope"
)

// ValidationError reports a malformed descriptor.
type ValidationError struct {
	CapabilityID string
	Field        string
	Message      string
}

func (e *ValidationError) Error() string {
	id := e.CapabilityID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("descriptor %s: %s: %s", id, e.Field, e.Message)
}

// Validate checks the descriptor's structural invariants.
func (d *Descriptor) Validate() error {
	fail := func(field, format string, args ...any) error {
		return &ValidationError{CapabilityID: d.CapabilityID, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(d.CapabilityID) == "" {
		return fail("capability_id", "must not be empty")
	}
	if _, err := semver.StrictNewVersion(d.Version); err != nil {
		return fail("version", "%q is not a semantic version: %v", d.Version, err)
	}
	if !d.Routing.Preferred.Valid() {
		return fail("routing.preferred", "unknown route %q", d.Routing.Preferred)
	}
	for i, r := range d.Routing.Fallbacks {
		if !r.Valid() {
			return fail(fmt.Sprintf("routing.fallbacks[%d]", i), "unknown route %q", r)
		}
	}
	for i, rule := range d.Routing.Suitability {
		switch rule.When {
		case "always", "env", "params":
		default:
			return fail(fmt.Sprintf("routing.suitability[%d].when", i), "unknown value %q", rule.When)
		}
	}

	if g := d.GraphQL; g != nil {
		if g.OperationName == "" || g.DocumentPath == "" {
			return fail("graphql", "operationName and documentPath are required")
		}
		if r := g.Resolution; r != nil {
			if r.Lookup.OperationName == "" || r.Lookup.DocumentPath == "" {
				return fail("graphql.resolution.lookup", "operationName and documentPath are required")
			}
			if len(r.Inject) == 0 {
				return fail("graphql.resolution.inject", "at least one rule is required")
			}
			for i, rule := range r.Inject {
				if err := rule.Validate(); err != nil {
					return fail(fmt.Sprintf("graphql.resolution.inject[%d]", i), "%v", err)
				}
			}
		}
	}
	if d.CLI != nil && strings.TrimSpace(d.CLI.Command) == "" {
		return fail("cli.command", "must not be empty")
	}
	if d.REST != nil {
		for i, ep := range d.REST.Endpoints {
			if ep.Method == "" || ep.Path == "" {
				return fail(fmt.Sprintf("rest.endpoints[%d]", i), "method and path are required")
			}
		}
	}
	if d.Routing.Preferred == envelope.RouteGraphQL && d.GraphQL == nil && len(d.Routing.Fallbacks) == 0 {
		return fail("graphql", "preferred route is graphql but no graphql params and no fallbacks are set")
	}
	return nil
}

// Validate checks that the fields required by the rule's variant are set.
func (r InjectRule) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	switch r.Source {
	case InjectScalar:
		if r.Path == "" {
			return fmt.Errorf("scalar rule %q requires path", r.Target)
		}
	case InjectInput:
		if r.FromInput == "" {
			return fmt.Errorf("input rule %q requires from_input", r.Target)
		}
	case InjectMapArray:
		if r.FromInput == "" || r.NodesPath == "" || r.MatchField == "" || r.ExtractField == "" {
			return fmt.Errorf("map_array rule %q requires from_input, nodes_path, match_field and extract_field", r.Target)
		}
	default:
		return fmt.Errorf("unknown source %q", r.Source)
	}
	return nil
}
