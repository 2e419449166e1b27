// Package resolve derives mutation variables from a lookup result.
package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/errcode"
	"github.com/morezero/capability-router/pkg/gqlbatch"
)

const logPrefix = "resolve:resolve"

// ApplyInject evaluates rules against lookupResult and input and returns the
// variables they produce. Any rule that cannot be satisfied fails the whole
// call; no partial results are returned.
func ApplyInject(lookupResult map[string]any, input map[string]any, rules []catalog.InjectRule) (map[string]any, error) {
	raw, err := json.Marshal(lookupResult)
	if err != nil {
		return nil, fmt.Errorf("%s - encode lookup result: %w", logPrefix, err)
	}
	doc := gjson.ParseBytes(raw)

	out := make(map[string]any, len(rules))
	for _, rule := range rules {
		v, err := apply(doc, input, rule)
		if err != nil {
			return nil, err
		}
		out[rule.Target] = v
	}
	return out, nil
}

func apply(doc gjson.Result, input map[string]any, rule catalog.InjectRule) (any, error) {
	switch rule.Source {
	case catalog.InjectScalar:
		v := doc.Get(rule.Path)
		if !v.Exists() || v.Type == gjson.Null {
			return nil, injectError(rule, fmt.Sprintf("lookup result has no value at %q", rule.Path))
		}
		return v.Value(), nil

	case catalog.InjectInput:
		v, ok := input[rule.FromInput]
		if !ok {
			return nil, injectError(rule, fmt.Sprintf("missing input %q", rule.FromInput))
		}
		return v, nil

	case catalog.InjectMapArray:
		return mapArray(doc, input, rule)
	}
	return nil, injectError(rule, fmt.Sprintf("unknown source %q", rule.Source))
}

func mapArray(doc gjson.Result, input map[string]any, rule catalog.InjectRule) (any, error) {
	wanted, ok := input[rule.FromInput]
	if !ok {
		return nil, injectError(rule, fmt.Sprintf("missing input %q", rule.FromInput))
	}
	raw, err := json.Marshal(wanted)
	if err != nil {
		return nil, injectError(rule, fmt.Sprintf("input %q: %v", rule.FromInput, err))
	}
	elems := gjson.ParseBytes(raw)
	if !elems.IsArray() {
		return nil, injectError(rule, fmt.Sprintf("input %q must be an array", rule.FromInput))
	}

	nodes := doc.Get(rule.NodesPath)
	if !nodes.IsArray() {
		return nil, injectError(rule, fmt.Sprintf("lookup result has no array at %q", rule.NodesPath))
	}
	candidates := nodes.Array()

	out := make([]any, 0, len(elems.Array()))
	for _, elem := range elems.Array() {
		var match *gjson.Result
		for i := range candidates {
			if sameValue(candidates[i].Get(rule.MatchField), elem) {
				match = &candidates[i]
				break
			}
		}
		if match == nil {
			return nil, injectError(rule, fmt.Sprintf("no %s matching %q at %q", rule.MatchField, elem.String(), rule.NodesPath))
		}
		extracted := match.Get(rule.ExtractField)
		if !extracted.Exists() {
			return nil, injectError(rule, fmt.Sprintf("matched %q has no %s", elem.String(), rule.ExtractField))
		}
		out = append(out, extracted.Value())
	}
	return out, nil
}

// sameValue compares JSON values by type and value. A missing field never matches.
func sameValue(candidate, want gjson.Result) bool {
	if !candidate.Exists() || candidate.Type != want.Type {
		return false
	}
	switch candidate.Type {
	case gjson.String:
		return candidate.Str == want.Str
	case gjson.Number:
		return candidate.Num == want.Num
	case gjson.JSON:
		return candidate.Raw == want.Raw
	default:
		return true
	}
}

func injectError(rule catalog.InjectRule, msg string) error {
	return &errcode.InputFailure{Message: fmt.Sprintf("Resolution for %s failed: %s", rule.Target, msg)}
}

// BuildMutationVars merges input with resolved, resolved winning on
// collision, and keeps only the variables document declares.
func BuildMutationVars(document string, input, resolved map[string]any) (map[string]any, error) {
	names, err := gqlbatch.VariableNames(document)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := resolved[name]; ok {
			out[name] = v
			continue
		}
		if v, ok := input[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// LookupVars builds the lookup query variables. lookup.Vars maps a caller
// input name to the lookup variable it fills; absent inputs are left out.
func LookupVars(lookup catalog.Lookup, input map[string]any) map[string]any {
	out := make(map[string]any, len(lookup.Vars))
	for inputName, lookupName := range lookup.Vars {
		if v, ok := input[inputName]; ok {
			out[lookupName] = v
		}
	}
	return out
}
