// Package expr holds command-line expressions that are built on a client and
// evaluated on the agent host, so host-specific values such as paths and
// separators resolve on the target rather than the submitter.
//
// Expressions are immutable and safe to share across launches.
package expr

import (
	"os"
	"path/filepath"
	"strings"
)

// Property names that control separator handling.
const (
	FileSeparator = "file.separator"
	PathSeparator = "path.separator"
)

// Properties is the evaluation context.
type Properties map[string]string

// Clone returns a copy of p.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Expression evaluates to a string against host properties.
type Expression interface {
	Evaluate(props Properties) string
	kind() string
}

// Literal evaluates to its value.
type Literal struct {
	Value string
}

func (l Literal) Evaluate(Properties) string { return l.Value }
func (Literal) kind() string                 { return kindLiteral }

// Property reads Name from the context; when absent it evaluates Fallback,
// or yields "" without one.
type Property struct {
	Name     string
	Fallback Expression
}

func (p Property) Evaluate(props Properties) string {
	if v, ok := props[p.Name]; ok {
		return v
	}
	if p.Fallback != nil {
		return p.Fallback.Evaluate(props)
	}
	return ""
}

func (Property) kind() string { return kindProperty }

// FilePath rewrites both slash styles to the host file separator.
type FilePath struct {
	Inner Expression
}

func (f FilePath) Evaluate(props Properties) string {
	if f.Inner == nil {
		return ""
	}
	sep := props[FileSeparator]
	if sep == "" {
		sep = string(filepath.Separator)
	}
	v := f.Inner.Evaluate(props)
	v = strings.ReplaceAll(v, "\\", "/")
	if sep != "/" {
		v = strings.ReplaceAll(v, "/", sep)
	}
	return v
}

func (FilePath) kind() string { return kindFilePath }

// PathList joins its items, each as a FilePath, with the host path separator.
type PathList struct {
	Items []Expression
}

func (p PathList) Evaluate(props Properties) string {
	sep := props[PathSeparator]
	if sep == "" {
		sep = string(os.PathListSeparator)
	}
	parts := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		parts = append(parts, FilePath{Inner: item}.Evaluate(props))
	}
	return strings.Join(parts, sep)
}

func (PathList) kind() string { return kindPathList }

// Append concatenates its items.
type Append struct {
	Items []Expression
}

func (a Append) Evaluate(props Properties) string {
	var b strings.Builder
	for _, item := range a.Items {
		b.WriteString(item.Evaluate(props))
	}
	return b.String()
}

func (Append) kind() string { return kindAppend }

func Lit(v string) Expression { return Literal{Value: v} }

// Prop reads name, falling back to the first fallback when given.
func Prop(name string, fallback ...Expression) Expression {
	p := Property{Name: name}
	if len(fallback) > 0 {
		p.Fallback = fallback[0]
	}
	return p
}

func File(inner Expression) Expression      { return FilePath{Inner: inner} }
func Paths(items ...Expression) Expression  { return PathList{Items: items} }
func Concat(items ...Expression) Expression { return Append{Items: items} }

// Lits wraps each value in a Literal.
func Lits(values ...string) []Expression {
	out := make([]Expression, len(values))
	for i, v := range values {
		out[i] = Lit(v)
	}
	return out
}

// EvaluateAll evaluates each expression in order.
func EvaluateAll(exprs []Expression, props Properties) []string {
	out := make([]string, len(exprs))
	for i, e := range exprs {
		out[i] = e.Evaluate(props)
	}
	return out
}
