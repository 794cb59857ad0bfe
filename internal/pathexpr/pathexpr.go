// Package pathexpr evaluates JMESPath expressions against test cases and
// collected responses.
package pathexpr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// Expr is a compiled path expression that remembers its source text.
type Expr struct {
	text string
	jp   *jmespath.JMESPath
}

// Compile parses expr once so it can be evaluated per exchange.
func Compile(expr string) (*Expr, error) {
	jp, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile path expression %q: %w", expr, err)
	}
	return &Expr{text: expr, jp: jp}, nil
}

// MustCompile is Compile for built-in expressions.
func MustCompile(expr string) *Expr {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string { return e.text }

// Evaluate returns the matched values. A null result is no match, an array
// result yields its elements and anything else is a single match.
func (e *Expr) Evaluate(obj any) []any {
	res, err := e.jp.Search(Normalize(obj))
	if err != nil || res == nil {
		return nil
	}
	if arr, ok := res.([]any); ok {
		out := make([]any, 0, len(arr))
		for _, v := range arr {
			if v != nil {
				out = append(out, v)
			}
		}
		return out
	}
	return []any{res}
}

// Join concatenates every stringified match. ok is false when nothing matched.
func (e *Expr) Join(obj any) (string, bool) {
	matches := e.Evaluate(obj)
	if len(matches) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(Stringify(m))
	}
	return b.String(), true
}

// Evaluate compiles and evaluates expr in one step.
func Evaluate(obj any, expr string) ([]any, error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(obj), nil
}

// Stringify renders a matched value the way it reads in a query string.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Normalize converts typed Go values into the map[string]any / []any shape
// the JMESPath interpreter walks fastest. Already generic values pass through.
func Normalize(obj any) any {
	switch obj.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return obj
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return obj
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return obj
	}
	return out
}
