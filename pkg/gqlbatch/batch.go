// Package gqlbatch merges several single-root GraphQL operations into one
// aliased document with namespaced variables.
package gqlbatch

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Operation names of the combined documents.
const (
	QueryOperationName    = "BatchChain"
	MutationOperationName = "BatchComposite"
)

// ErrEmptyBatch is returned when no steps are given.
var ErrEmptyBatch = errors.New("gqlbatch: at least one step is required")

var namePattern = regexp.MustCompile(`^[_A-Za-z][_0-9A-Za-z]*$`)

// Step is one operation to merge. Alias must be unique within the batch and
// becomes the response key of the step's root field.
type Step struct {
	Alias     string
	Document  string
	Variables map[string]any
}

// Batch is a combined document and its namespaced variables.
type Batch struct {
	Document  string
	Variables map[string]any
}

// BuildBatchQuery merges query steps into "query BatchChain".
func BuildBatchQuery(steps []Step) (*Batch, error) {
	return build(ast.Query, QueryOperationName, steps)
}

// BuildBatchMutation merges mutation steps into "mutation BatchComposite".
func BuildBatchMutation(steps []Step) (*Batch, error) {
	return build(ast.Mutation, MutationOperationName, steps)
}

func build(kind ast.Operation, name string, steps []Step) (*Batch, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyBatch
	}

	combined := &ast.OperationDefinition{Operation: kind, Name: name}
	doc := &ast.QueryDocument{Operations: ast.OperationList{combined}}
	variables := make(map[string]any)
	seen := make(map[string]bool, len(steps))

	for _, step := range steps {
		if !namePattern.MatchString(step.Alias) {
			return nil, fmt.Errorf("gqlbatch: invalid alias %q", step.Alias)
		}
		if seen[step.Alias] {
			return nil, fmt.Errorf("gqlbatch: duplicate alias %q", step.Alias)
		}
		seen[step.Alias] = true

		src, op, err := parseSingle(step.Document)
		if err != nil {
			return nil, fmt.Errorf("gqlbatch: step %s: %w", step.Alias, err)
		}
		if op.Operation != kind {
			return nil, fmt.Errorf("gqlbatch: step %s is a %s, batch is a %s", step.Alias, op.Operation, kind)
		}
		root, err := singleRootField(op)
		if err != nil {
			return nil, fmt.Errorf("gqlbatch: step %s: %w", step.Alias, err)
		}

		r := newRenamer(step.Alias)
		for _, def := range op.VariableDefinitions {
			def.Variable = r.variable(def.Variable)
			combined.VariableDefinitions = append(combined.VariableDefinitions, def)
		}
		for _, frag := range src.Fragments {
			frag.Name = r.fragment(frag.Name)
		}

		root.Alias = step.Alias
		r.field(root)
		combined.SelectionSet = append(combined.SelectionSet, root)
		for _, frag := range src.Fragments {
			r.directives(frag.Directives)
			r.selectionSet(frag.SelectionSet)
			doc.Fragments = append(doc.Fragments, frag)
		}

		for k, v := range step.Variables {
			variables[step.Alias+"_"+k] = v
		}
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return &Batch{Document: buf.String(), Variables: variables}, nil
}

// ExtractRootFieldName returns the response key of the document's single root field.
func ExtractRootFieldName(document string) (string, error) {
	_, op, err := parseSingle(document)
	if err != nil {
		return "", err
	}
	root, err := singleRootField(op)
	if err != nil {
		return "", err
	}
	if root.Alias != "" {
		return root.Alias, nil
	}
	return root.Name, nil
}

// OperationKind returns "query", "mutation" or "subscription".
func OperationKind(document string) (string, error) {
	_, op, err := parseSingle(document)
	if err != nil {
		return "", err
	}
	return string(op.Operation), nil
}

// VariableNames lists the variables the document declares, in order.
func VariableNames(document string) ([]string, error) {
	_, op, err := parseSingle(document)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(op.VariableDefinitions))
	for _, def := range op.VariableDefinitions {
		names = append(names, def.Variable)
	}
	return names, nil
}

func parseSingle(document string) (*ast.QueryDocument, *ast.OperationDefinition, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: document})
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}
	if len(doc.Operations) != 1 {
		return nil, nil, fmt.Errorf("document must contain exactly one operation, found %d", len(doc.Operations))
	}
	return doc, doc.Operations[0], nil
}

func singleRootField(op *ast.OperationDefinition) (*ast.Field, error) {
	if len(op.SelectionSet) != 1 {
		return nil, fmt.Errorf("operation must select exactly one root field, found %d", len(op.SelectionSet))
	}
	field, ok := op.SelectionSet[0].(*ast.Field)
	if !ok {
		return nil, errors.New("root selection must be a field")
	}
	return field, nil
}

// renamer prefixes the variables and fragments of one step.
type renamer struct {
	prefix    string
	vars      map[string]string
	fragments map[string]string
}

func newRenamer(alias string) *renamer {
	return &renamer{prefix: alias + "_", vars: map[string]string{}, fragments: map[string]string{}}
}

func (r *renamer) variable(name string) string {
	renamed := r.prefix + name
	r.vars[name] = renamed
	return renamed
}

func (r *renamer) fragment(name string) string {
	renamed := r.prefix + name
	r.fragments[name] = renamed
	return renamed
}

func (r *renamer) selectionSet(set ast.SelectionSet) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			r.field(s)
		case *ast.InlineFragment:
			r.directives(s.Directives)
			r.selectionSet(s.SelectionSet)
		case *ast.FragmentSpread:
			if renamed, ok := r.fragments[s.Name]; ok {
				s.Name = renamed
			}
			r.directives(s.Directives)
		}
	}
}

func (r *renamer) field(f *ast.Field) {
	r.arguments(f.Arguments)
	r.directives(f.Directives)
	r.selectionSet(f.SelectionSet)
}

func (r *renamer) directives(list ast.DirectiveList) {
	for _, d := range list {
		r.arguments(d.Arguments)
	}
}

func (r *renamer) arguments(list ast.ArgumentList) {
	for _, a := range list {
		r.value(a.Value)
	}
}

func (r *renamer) value(v *ast.Value) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		if renamed, ok := r.vars[v.Raw]; ok {
			v.Raw = renamed
		}
	}
	for _, child := range v.Children {
		r.value(child.Value)
	}
}
