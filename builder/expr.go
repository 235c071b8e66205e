package builder

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sicko7947/stepflow"
)

// Expr compiles a boolean expression into a step predicate. The expression
// sees every field by id plus `files`, the number of completed attachments,
// and the helper present(x) which is false for empty values.
//
// When the expression evaluates to false, blame lists the fields reported
// as missing.
//
//	builder.Expr(`present(suspectEmail) || present(suspectPhone)`, "suspectEmail", "suspectPhone")
func Expr(expression string, blame ...stepflow.FieldID) (stepflow.Predicate, error) {
	program, err := compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", expression, err)
	}

	return func(v stepflow.View) *stepflow.ValidationError {
		out, err := expr.Run(program, env(v))
		if ok, _ := out.(bool); err == nil && ok {
			return nil
		}
		return &stepflow.ValidationError{Missing: append([]stepflow.FieldID(nil), blame...)}
	}, nil
}

// MustExpr is Expr that panics on a compile error
func MustExpr(expression string, blame ...stepflow.FieldID) stepflow.Predicate {
	p, err := Expr(expression, blame...)
	if err != nil {
		panic(err)
	}
	return p
}

// SkipExpr compiles a boolean expression for use as a skip condition
func SkipExpr(expression string) (func(v stepflow.View) bool, error) {
	program, err := compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid skip condition %q: %w", expression, err)
	}
	return func(v stepflow.View) bool {
		out, err := expr.Run(program, env(v))
		ok, _ := out.(bool)
		return err == nil && ok
	}, nil
}

func compile(expression string) (*vm.Program, error) {
	return expr.Compile(expression,
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
		expr.Function("present", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("present requires 1 argument")
			}
			return !stepflow.IsEmpty(params[0]), nil
		}),
	)
}

func env(v stepflow.View) map[string]any {
	out := make(map[string]any, len(v.Fields)+1)
	for k, val := range v.Fields {
		out[string(k)] = val
	}
	files := 0
	for _, a := range v.Attachments {
		if a.Status == stepflow.AttachmentCompleted {
			files++
		}
	}
	out["files"] = files
	return out
}
