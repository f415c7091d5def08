// Package document parses the small subset of GraphQL operation documents
// the todo client sends: one query or mutation with optional variable
// definitions and a single root field.
package document

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

//nolint:govet // Participle struct tags are DSL, not reflect tags
type Document struct {
	Operation *OperationDefinition `@@`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type OperationDefinition struct {
	Type       string         `@("query" | "mutation")`
	Name       string         `@Ident?`
	Variables  []*VariableDef `( "(" @@* ")" )?`
	Selections []*Field       `"{" @@+ "}"`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type VariableDef struct {
	Name string   `@Variable ":"`
	Type *TypeRef `@@`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type TypeRef struct {
	Base    *BaseType `@@`
	NonNull bool      `@"!"?`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type BaseType struct {
	List *TypeRef `  "[" @@ "]"`
	Name string   `| @Ident`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type Field struct {
	Name       string      `@Ident`
	Arguments  []*Argument `( "(" @@* ")" )?`
	Selections []*Field    `( "{" @@+ "}" )?`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type Argument struct {
	Name  string `@Ident ":"`
	Value *Value `@@`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type Value struct {
	Variable *string  `  @Variable`
	String   *string  `| @String`
	Number   *float64 `| @Number`
	Ident    *string  `| @Ident`
}

//nolint:govet // Participle DSL uses unkeyed fields
var operationLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\r\n,]+`},
	{Name: "Variable", Pattern: `\$[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `-?[0-9]+(\.[0-9]+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[!():={}\[\]]`},
})

var parser = participle.MustBuild[Document](
	participle.Lexer(operationLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

// Parse parses an operation document.
func Parse(src string) (*Document, error) {
	doc, err := parser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("document: parse: %w", err)
	}
	if len(doc.Operation.Selections) != 1 {
		return nil, fmt.Errorf("document: expected exactly one root field, got %d", len(doc.Operation.Selections))
	}
	return doc, nil
}

// Kind returns "query" or "mutation".
func (d *Document) Kind() string {
	return d.Operation.Type
}

// RootField returns the single root selection.
func (d *Document) RootField() *Field {
	return d.Operation.Selections[0]
}

// VariableNames lists the declared variables without the leading '$'.
func (d *Document) VariableNames() []string {
	names := make([]string, 0, len(d.Operation.Variables))
	for _, v := range d.Operation.Variables {
		names = append(names, v.Name[1:])
	}
	return names
}

// SelectedFields returns the names selected under the root field.
func (d *Document) SelectedFields() []string {
	root := d.RootField()
	names := make([]string, 0, len(root.Selections))
	for _, f := range root.Selections {
		names = append(names, f.Name)
	}
	return names
}

// Bind resolves the root field's arguments against variables. Variable
// references missing from variables resolve to nil; literal values are
// returned as string, float64, bool or nil.
func (d *Document) Bind(variables map[string]any) map[string]any {
	root := d.RootField()
	out := make(map[string]any, len(root.Arguments))
	for _, arg := range root.Arguments {
		out[arg.Name] = arg.Value.resolve(variables)
	}
	return out
}

func (v *Value) resolve(variables map[string]any) any {
	switch {
	case v.Variable != nil:
		return variables[(*v.Variable)[1:]]
	case v.String != nil:
		return *v.String
	case v.Number != nil:
		return *v.Number
	case v.Ident != nil:
		switch *v.Ident {
		case "true":
			return true
		case "false":
			return false
		case "null":
			return nil
		}
		return *v.Ident
	}
	return nil
}
