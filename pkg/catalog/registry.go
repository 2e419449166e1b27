package catalog

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/morezero/capability-router/pkg/envelope"
)

const logPrefix = "catalog:registry"

// Registry is an immutable, validated set of descriptors keyed by capability id.
type Registry struct {
	byID map[string]*Descriptor
	ids  []string
}

// NewRegistry validates the descriptors and indexes them. Duplicate ids are rejected.
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	reg := &Registry{byID: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%s - %w", logPrefix, err)
		}
		if _, dup := reg.byID[d.CapabilityID]; dup {
			return nil, fmt.Errorf("%s - duplicate capability id %q", logPrefix, d.CapabilityID)
		}
		reg.byID[d.CapabilityID] = d
		reg.ids = append(reg.ids, d.CapabilityID)
	}
	sort.Strings(reg.ids)
	slog.Debug(fmt.Sprintf("%s - registry built with %d descriptors", logPrefix, len(reg.ids)))
	return reg, nil
}

// Get returns the descriptor for a capability id.
func (r *Registry) Get(capabilityID string) (*Descriptor, bool) {
	d, ok := r.byID[capabilityID]
	return d, ok
}

// Len returns the number of descriptors.
func (r *Registry) Len() int { return len(r.ids) }

// List returns descriptors sorted by id, optionally restricted to one domain.
func (r *Registry) List(domain string) []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		d := r.byID[id]
		if domain != "" && d.Domain() != domain {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Summary is one row of a capability listing.
type Summary struct {
	CapabilityID string         `json:"capability_id"`
	Description  string         `json:"description"`
	Preferred    envelope.Route `json:"preferred_route"`
}

// Summaries lists capabilities for display.
func (r *Registry) Summaries(domain string) []Summary {
	list := r.List(domain)
	out := make([]Summary, 0, len(list))
	for _, d := range list {
		out = append(out, Summary{CapabilityID: d.CapabilityID, Description: d.Description, Preferred: d.Routing.Preferred})
	}
	return out
}

// Explanation describes how a capability is invoked.
type Explanation struct {
	CapabilityID   string           `json:"capability_id"`
	Purpose        string           `json:"purpose"`
	RequiredInputs []string         `json:"required_inputs"`
	PreferredRoute envelope.Route   `json:"preferred_route"`
	FallbackRoutes []envelope.Route `json:"fallback_routes"`
	OutputFields   []string         `json:"output_fields"`
}

// UnknownCapabilityError is returned by Explain for ids not in the registry.
type UnknownCapabilityError struct {
	CapabilityID string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("Unknown capability: %s", e.CapabilityID)
}

// Explain summarizes the inputs, routes and outputs of a capability.
func (r *Registry) Explain(capabilityID string) (*Explanation, error) {
	d, ok := r.Get(capabilityID)
	if !ok {
		return nil, &UnknownCapabilityError{CapabilityID: capabilityID}
	}
	required := d.RequiredInputs()
	if required == nil {
		required = []string{}
	}
	outputs := d.OutputFields()
	if outputs == nil {
		outputs = []string{}
	}
	fallbacks := make([]envelope.Route, len(d.Routing.Fallbacks))
	copy(fallbacks, d.Routing.Fallbacks)
	return &Explanation{
		CapabilityID:   d.CapabilityID,
		Purpose:        d.Description,
		RequiredInputs: required,
		PreferredRoute: d.Routing.Preferred,
		FallbackRoutes: fallbacks,
		OutputFields:   outputs,
	}, nil
}
