package realtime

import (
	"encoding/json"
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/roach88/optisync/internal/change"
)

// Filter decides whether a change is delivered. Runs on the pump goroutine
// and must not touch loop-owned state.
type Filter func(change.Change) (bool, error)

// FieldEquals matches changes whose payload field equals want.
func FieldEquals(field string, want any) Filter {
	return func(c change.Change) (bool, error) {
		var payload map[string]any
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return false, fmt.Errorf("decode payload: %w", err)
		}
		return payload[field] == want, nil
	}
}

// ExprFilter compiles an expr-lang predicate over a change.
//
// The expression sees:
//
//	table    string
//	kind     string ("insert", "update", "delete")
//	id       string
//	seq      int
//	payload  map of the decoded payload
//	vars     the vars map given here
//
// Example: `payload.recipient_id == vars.principal`.
func ExprFilter(expression string, vars map[string]any) (Filter, error) {
	if expression == "" {
		return nil, fmt.Errorf("filter expression must not be empty")
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expression, err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return exprFilter(program, expression, vars), nil
}

func exprFilter(program *exprvm.Program, expression string, vars map[string]any) Filter {
	return func(c change.Change) (bool, error) {
		payload := map[string]any{}
		if len(c.Payload) > 0 {
			if err := json.Unmarshal(c.Payload, &payload); err != nil {
				return false, fmt.Errorf("decode payload: %w", err)
			}
		}
		env := map[string]any{
			"table":   c.Table,
			"kind":    string(c.Kind),
			"id":      c.EntityID,
			"seq":     c.Seq,
			"payload": payload,
			"vars":    vars,
		}
		out, err := exprlang.Run(program, env)
		if err != nil {
			return false, fmt.Errorf("evaluate filter %q: %w", expression, err)
		}
		match, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("filter %q returned %T, want bool", expression, out)
		}
		return match, nil
	}
}
