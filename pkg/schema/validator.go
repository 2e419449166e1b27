// Package schema validates capability inputs and outputs against descriptor JSON schemas.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/errcode"
)

const logPrefix = "schema:validator"

const schemaBaseURL = "https://capability-router.local/schemas/"

// ContractError is an output that does not satisfy the descriptor's output schema.
type ContractError struct {
	CapabilityID string
	Err          error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("output of %s violates its contract: %v", e.CapabilityID, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// Validator compiles descriptor schemas on first use and memoizes them.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// ValidateInput checks required keys (nil and "" count as missing), then the input schema.
// Failures are *errcode.InputFailure.
func (v *Validator) ValidateInput(d *catalog.Descriptor, input map[string]any) error {
	var missing []string
	for _, key := range d.RequiredInputs() {
		val, ok := input[key]
		if !ok || val == nil || val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &errcode.InputFailure{
			Message: fmt.Sprintf("Missing required params: %s", strings.Join(missing, ", ")),
			Missing: missing,
		}
	}

	if input == nil {
		input = map[string]any{}
	}
	if err := v.validate(d, "input", d.InputSchema, input); err != nil {
		return &errcode.InputFailure{Message: fmt.Sprintf("Input validation failed: %v", err)}
	}
	return nil
}

// ValidateOutput checks data against the output schema. Failures are *ContractError.
func (v *Validator) ValidateOutput(d *catalog.Descriptor, data any) error {
	if err := v.validate(d, "output", d.OutputSchema, data); err != nil {
		return &ContractError{CapabilityID: d.CapabilityID, Err: err}
	}
	return nil
}

func (v *Validator) validate(d *catalog.Descriptor, direction string, doc map[string]any, value any) error {
	if len(doc) == 0 {
		return nil
	}
	sch, err := v.schemaFor(d, direction, doc)
	if err != nil {
		return err
	}
	inst, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%s value is not JSON: %w", direction, err)
	}
	return sch.Validate(inst)
}

func (v *Validator) schemaFor(d *catalog.Descriptor, direction string, doc map[string]any) (*jsonschema.Schema, error) {
	url := fmt.Sprintf("%s%s/%s/%s.json", schemaBaseURL, d.CapabilityID, d.Version, direction)

	v.mu.Lock()
	defer v.mu.Unlock()

	if sch, ok := v.compiled[url]; ok {
		return sch, nil
	}

	normalized, err := normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("%s - %s schema of %s: %w", logPrefix, direction, d.CapabilityID, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, normalized); err != nil {
		return nil, fmt.Errorf("%s - %s schema of %s: %w", logPrefix, direction, d.CapabilityID, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%s - compile %s schema of %s: %w", logPrefix, direction, d.CapabilityID, err)
	}
	v.compiled[url] = sch
	slog.Debug(fmt.Sprintf("%s - compiled %s schema for %s", logPrefix, direction, d.CapabilityID))
	return sch, nil
}

// normalize converts Go values (YAML-decoded maps, ints, structs) to the
// representation the schema library expects.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
