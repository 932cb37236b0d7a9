package workflow

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type (
	// Expression is a compiled condition or filter expression. Expressions
	// are pure boolean/arithmetic formulas over identifiers resolved from a
	// variable bag: no function calls, no assignments, no global access.
	// JavaScript-style strict equality (===, !==) is accepted and treated
	// as ==, !=.
	Expression struct {
		src     string
		program *vm.Program
	}
)

// CompileExpression compiles an expression string for later evaluation.
func CompileExpression(src string) (*Expression, error) {
	program, err := expr.Compile(normalizeStrictEquality(src),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	return &Expression{src: src, program: program}, nil
}

// Source returns the original expression string.
func (e *Expression) Source() string { return e.src }

// EvalBool evaluates the expression against the given environment.
// Identifiers missing from the environment resolve to nil.
func (e *Expression) EvalBool(env map[string]any) (bool, error) {
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", e.src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q: result %T is not a boolean", e.src, out)
	}
	return b, nil
}

// normalizeStrictEquality rewrites === and !== to == and != outside string
// literals.
func normalizeStrictEquality(src string) string {
	if !strings.Contains(src, "===") && !strings.Contains(src, "!==") {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				b.WriteByte(src[i])
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			b.WriteByte(c)
		case '=', '!':
			if i+2 < len(src) && src[i+1] == '=' && src[i+2] == '=' {
				b.WriteByte(c)
				b.WriteByte('=')
				i += 2
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
