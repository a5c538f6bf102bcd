package expr

import (
	"encoding/json"
	"fmt"
)

const (
	kindLiteral  = "literal"
	kindProperty = "property"
	kindFilePath = "file"
	kindPathList = "path_list"
	kindAppend   = "append"
)

// wire is the tagged JSON form shared by every variant.
type wire struct {
	Type     string            `json:"type"`
	Value    string            `json:"value,omitempty"`
	Name     string            `json:"name,omitempty"`
	Fallback json.RawMessage   `json:"fallback,omitempty"`
	Inner    json.RawMessage   `json:"inner,omitempty"`
	Items    []json.RawMessage `json:"items,omitempty"`
}

// Marshal encodes e in its tagged form.
func Marshal(e Expression) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	w := wire{Type: e.kind()}
	switch v := e.(type) {
	case Literal:
		w.Value = v.Value
	case Property:
		w.Name = v.Name
		if v.Fallback != nil {
			b, err := Marshal(v.Fallback)
			if err != nil {
				return nil, err
			}
			w.Fallback = b
		}
	case FilePath:
		b, err := Marshal(v.Inner)
		if err != nil {
			return nil, err
		}
		w.Inner = b
	case PathList:
		items, err := marshalItems(v.Items)
		if err != nil {
			return nil, err
		}
		w.Items = items
	case Append:
		items, err := marshalItems(v.Items)
		if err != nil {
			return nil, err
		}
		w.Items = items
	default:
		return nil, fmt.Errorf("unsupported expression %T", e)
	}
	return json.Marshal(w)
}

func marshalItems(items []Expression) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Unmarshal decodes a tagged expression. JSON null decodes to nil.
func Unmarshal(data []byte) (Expression, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}

	switch w.Type {
	case kindLiteral:
		return Literal{Value: w.Value}, nil
	case kindProperty:
		if w.Name == "" {
			return nil, fmt.Errorf("property expression missing name")
		}
		fb, err := Unmarshal(w.Fallback)
		if err != nil {
			return nil, err
		}
		return Property{Name: w.Name, Fallback: fb}, nil
	case kindFilePath:
		inner, err := Unmarshal(w.Inner)
		if err != nil {
			return nil, err
		}
		return FilePath{Inner: inner}, nil
	case kindPathList:
		items, err := unmarshalItems(w.Items)
		if err != nil {
			return nil, err
		}
		return PathList{Items: items}, nil
	case kindAppend:
		items, err := unmarshalItems(w.Items)
		if err != nil {
			return nil, err
		}
		return Append{Items: items}, nil
	default:
		return nil, fmt.Errorf("unknown expression type %q", w.Type)
	}
}

func unmarshalItems(raw []json.RawMessage) ([]Expression, error) {
	out := make([]Expression, 0, len(raw))
	for _, r := range raw {
		e, err := Unmarshal(r)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("null expression in list")
		}
		out = append(out, e)
	}
	return out, nil
}

// Expr wraps an Expression so it can sit in JSON-encoded structs.
type Expr struct {
	Expression
}

func (e Expr) MarshalJSON() ([]byte, error) {
	return Marshal(e.Expression)
}

func (e *Expr) UnmarshalJSON(data []byte) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	e.Expression = v
	return nil
}

// Wrap converts expressions for embedding in wire structs.
func Wrap(exprs ...Expression) []Expr {
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = Expr{Expression: e}
	}
	return out
}

// Unwrap is the inverse of Wrap.
func Unwrap(exprs []Expr) []Expression {
	out := make([]Expression, len(exprs))
	for i, e := range exprs {
		out[i] = e.Expression
	}
	return out
}
