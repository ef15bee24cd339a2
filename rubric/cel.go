package rubric

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// newCELEnv declares the variables visible to check expressions: info, the
// extracted fields, and answer, the full answer text.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("info", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("answer", cel.StringType),
	)
}

func compileCheck(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid check expression: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("check expression must be boolean, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to plan check expression: %w", err)
	}
	return prg, nil
}

// evalCheck runs a compiled check. Evaluation errors, such as a missing
// map key, count as a failed check.
func evalCheck(prg cel.Program, info map[string]any, answer string) (bool, error) {
	out, _, err := prg.Eval(map[string]any{
		"info":   info,
		"answer": answer,
	})
	if err != nil {
		return false, err
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("check returned %T, want bool", out.Value())
	}
	return passed, nil
}
