package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
)

func issueViewDescriptor() *catalog.Descriptor {
	return &catalog.Descriptor{
		CapabilityID: "issue.view",
		Version:      "1.0.0",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"owner", "name", "issueNumber"},
			"properties": map[string]any{
				"owner":       map[string]any{"type": "string"},
				"name":        map[string]any{"type": "string"},
				"issueNumber": map[string]any{"type": "integer", "minimum": 1},
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"id"},
		},
		Routing: catalog.Routing{Preferred: envelope.RouteGraphQL},
	}
}

func TestValidateInput(t *testing.T) {
	v := NewValidator()
	d := issueViewDescriptor()

	tests := []struct {
		name        string
		input       map[string]any
		wantErr     string
		wantMissing []string
	}{
		{name: "valid", input: map[string]any{"owner": "o", "name": "n", "issueNumber": 3}},
		{name: "valid float number", input: map[string]any{"owner": "o", "name": "n", "issueNumber": float64(3)}},
		{
			name:        "missing and empty",
			input:       map[string]any{"owner": "", "issueNumber": 1},
			wantErr:     "Missing required params: owner, name",
			wantMissing: []string{"owner", "name"},
		},
		{
			name:        "nil counts as missing",
			input:       map[string]any{"owner": "o", "name": nil, "issueNumber": 1},
			wantErr:     "Missing required params: name",
			wantMissing: []string{"name"},
		},
		{name: "schema violation", input: map[string]any{"owner": "o", "name": "n", "issueNumber": 0}, wantErr: "Input validation failed"},
		{name: "wrong type", input: map[string]any{"owner": 5, "name": "n", "issueNumber": 1}, wantErr: "Input validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateInput(d, tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("schema:validator_test - unexpected error: %v", err)
				}
				return
			}
			var input *errcode.InputFailure
			if !errors.As(err, &input) {
				t.Fatalf("schema:validator_test - error %v is not an InputFailure", err)
			}
			if !strings.HasPrefix(input.Message, tt.wantErr) {
				t.Errorf("schema:validator_test - message = %q, want prefix %q", input.Message, tt.wantErr)
			}
			if diff := cmp.Diff(tt.wantMissing, input.Missing); diff != "" {
				t.Errorf("schema:validator_test - missing mismatch (-want +got):\n%s", diff)
			}
			if errcode.Classify(err) != errcode.Validation {
				t.Errorf("schema:validator_test - classify = %s, want VALIDATION", errcode.Classify(err))
			}
		})
	}
}

func TestValidateOutput(t *testing.T) {
	v := NewValidator()
	d := issueViewDescriptor()

	if err := v.ValidateOutput(d, map[string]any{"id": "I_1"}); err != nil {
		t.Errorf("schema:validator_test - unexpected error: %v", err)
	}

	err := v.ValidateOutput(d, map[string]any{"title": "no id"})
	var contract *ContractError
	if !errors.As(err, &contract) {
		t.Fatalf("schema:validator_test - expected ContractError, got %v", err)
	}
	if contract.CapabilityID != "issue.view" {
		t.Errorf("schema:validator_test - capability = %q", contract.CapabilityID)
	}
}

func TestValidate_EmptySchemaAcceptsAnything(t *testing.T) {
	v := NewValidator()
	d := &catalog.Descriptor{CapabilityID: "x.y", Version: "1.0.0"}
	if err := v.ValidateInput(d, nil); err != nil {
		t.Errorf("schema:validator_test - unexpected input error: %v", err)
	}
	if err := v.ValidateOutput(d, []any{1, "two"}); err != nil {
		t.Errorf("schema:validator_test - unexpected output error: %v", err)
	}
}

func TestValidator_MemoizesCompiledSchemas(t *testing.T) {
	v := NewValidator()
	d := issueViewDescriptor()
	for i := 0; i < 3; i++ {
		_ = v.ValidateInput(d, map[string]any{"owner": "o", "name": "n", "issueNumber": 1})
	}
	if len(v.compiled) != 1 {
		t.Errorf("schema:validator_test - compiled %d schemas, want 1", len(v.compiled))
	}
}
