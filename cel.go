package drivewatch

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/goccy/go-yaml"
	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/mashiike/drivewatch/pkg/drivewatchevent"
)

//go:embed cel_validation_patterns.json
var celValidationPatternsJSON []byte

// CELEnv provides a CEL environment configured for evaluating expressions
// against drivewatchevent.Detail.
type CELEnv struct {
	env                *cel.Env
	validationPatterns []*drivewatchevent.Detail
}

// NewCELEnv creates a new CEL environment with drivewatchevent types registered.
// Field names in CEL expressions use lowerCamelCase (matching JSON tags),
// e.g., change.fileId, file.mimeType, file.name.
func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		ext.NativeTypes(
			ext.ParseStructTag("json"),
			reflect.TypeOf(&drivewatchevent.Detail{}),
			reflect.TypeOf(&drivewatchevent.Change{}),
			reflect.TypeOf(&drivewatchevent.File{}),
		),
		cel.Variable("detail", cel.ObjectType("drivewatchevent.Detail")),
		cel.Variable("scope", cel.StringType),
		cel.Variable("change", cel.ObjectType("drivewatchevent.Change")),
		cel.Variable("file", cel.ObjectType("drivewatchevent.File")),
		ext.Strings(),
		cel.Function("env",
			cel.Overload("env_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					name, ok := arg.Value().(string)
					if !ok {
						return types.NewErr("env() requires a string argument")
					}
					return types.String(os.Getenv(name))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	var patterns []*drivewatchevent.Detail
	if err := json.Unmarshal(celValidationPatternsJSON, &patterns); err != nil {
		return nil, fmt.Errorf("failed to parse CEL validation patterns: %w", err)
	}
	return &CELEnv{env: env, validationPatterns: patterns}, nil
}

func celVars(detail *drivewatchevent.Detail) map[string]any {
	change := detail.Change
	if change == nil {
		change = &drivewatchevent.Change{}
	}
	file := change.File
	if file == nil {
		file = &drivewatchevent.File{ID: change.FileID}
	}
	return map[string]any{
		"detail": detail,
		"scope":  detail.Scope,
		"change": change,
		"file":   file,
	}
}

var celIdents = map[string]bool{"detail": true, "scope": true, "change": true, "file": true}

func (e *CELEnv) looksLikeExpression(raw string) bool {
	parsed, issues := e.env.Parse(raw)
	if issues != nil && issues.Err() != nil {
		return false
	}
	for _, node := range celast.MatchDescendants(celast.NavigateAST(parsed.NativeRep()), celast.AllMatcher()) {
		switch node.Kind() {
		case celast.IdentKind:
			if celIdents[node.AsIdent()] {
				return true
			}
		case celast.CallKind:
			if node.AsCall().FunctionName() == "env" {
				return true
			}
		}
	}
	return false
}

// CompiledExpression represents a compiled CEL expression.
type CompiledExpression struct {
	program cel.Program
}

// Compile compiles a CEL expression string.
func (e *CELEnv) Compile(expr string) (*CompiledExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &CompiledExpression{program: prg}, nil
}

// Eval evaluates the compiled expression against the given detail.
func (c *CompiledExpression) Eval(detail *drivewatchevent.Detail) (bool, error) {
	if detail == nil {
		return false, nil
	}
	result, _, err := c.program.Eval(celVars(detail))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool value: %T", result.Value())
	}
	return b, nil
}

// CompileString compiles a CEL expression that returns a string.
func (e *CELEnv) CompileString(expr string) (*StringExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.StringType {
		return nil, fmt.Errorf("CEL expression must return string, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &StringExpression{program: prg}, nil
}

// StringExpression represents a compiled CEL expression that returns a string.
type StringExpression struct {
	program cel.Program
}

func (s *StringExpression) Eval(detail *drivewatchevent.Detail) (string, error) {
	if detail == nil {
		return "", nil
	}
	result, _, err := s.program.Eval(celVars(detail))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	str, ok := result.Value().(string)
	if !ok {
		return "", fmt.Errorf("CEL expression returned non-string value: %T", result.Value())
	}
	return str, nil
}

// ExprOrString holds either a CEL string expression or a static string value.
type ExprOrString struct {
	raw    string
	value  string
	isExpr bool
	expr   *StringExpression
}

// NewExprOrString binds raw as an expression or static value.
func NewExprOrString(env *CELEnv, raw string) (ExprOrString, error) {
	e := ExprOrString{raw: raw}
	err := e.Bind(env)
	return e, err
}

func (e *ExprOrString) UnmarshalYAML(data []byte) error {
	return yaml.Unmarshal(data, &e.raw)
}

// Bind compiles the expression if valid, otherwise treats it as a static value.
// A value that references the CEL variables or env() must compile.
// Expressions must evaluate without error on every validation pattern.
func (e *ExprOrString) Bind(env *CELEnv) error {
	expr, err := env.CompileString(e.raw)
	if err != nil {
		if env.looksLikeExpression(e.raw) {
			return fmt.Errorf("invalid string expression %q: %w", e.raw, err)
		}
		e.value = e.raw
		return nil
	}
	for i, pattern := range env.validationPatterns {
		if _, err := expr.Eval(pattern); err != nil {
			return fmt.Errorf("CEL expression validation failed on pattern[%d]: %w", i, err)
		}
	}
	e.isExpr = true
	e.expr = expr
	return nil
}

func (e *ExprOrString) Eval(detail *drivewatchevent.Detail) (string, error) {
	if !e.isExpr {
		return e.value, nil
	}
	return e.expr.Eval(detail)
}

func (e *ExprOrString) IsExpr() bool {
	return e.isExpr
}

func (e *ExprOrString) Raw() string {
	return e.raw
}

// ExprOrBool holds either a CEL bool expression or a static bool value.
// An empty value binds to true.
type ExprOrBool struct {
	raw    string
	value  bool
	isExpr bool
	expr   *CompiledExpression
}

func (e *ExprOrBool) UnmarshalYAML(data []byte) error {
	return yaml.Unmarshal(data, &e.raw)
}

// Bind compiles the expression if valid, otherwise parses as a static bool.
func (e *ExprOrBool) Bind(env *CELEnv) error {
	if e.raw == "" {
		e.value = true
		return nil
	}
	expr, err := env.Compile(e.raw)
	if err != nil {
		switch e.raw {
		case "true":
			e.value = true
		case "false":
			e.value = false
		default:
			return fmt.Errorf("invalid bool value %q: %w", e.raw, err)
		}
		return nil
	}
	for i, pattern := range env.validationPatterns {
		if _, err := expr.Eval(pattern); err != nil {
			return fmt.Errorf("CEL expression validation failed on pattern[%d]: %w", i, err)
		}
	}
	e.isExpr = true
	e.expr = expr
	return nil
}

// Eval evaluates the expression. An unset value is true.
func (e *ExprOrBool) Eval(detail *drivewatchevent.Detail) (bool, error) {
	if !e.isExpr {
		return e.value || e.raw == "", nil
	}
	return e.expr.Eval(detail)
}

func (e *ExprOrBool) IsExpr() bool {
	return e.isExpr
}

func (e *ExprOrBool) Raw() string {
	return e.raw
}
