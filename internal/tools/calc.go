package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"

	"github.com/haasonsaas/conductor/internal/agent"
)

type calcParams struct {
	Expression string `json:"expression" jsonschema:"required,description=Arithmetic expression to evaluate (e.g. (2+3)*4/1.5)"`
}

// CalcTool evaluates arithmetic expressions.
type CalcTool struct{}

// NewCalcTool creates a calculator tool.
func NewCalcTool() *CalcTool {
	return &CalcTool{}
}

// Name returns the tool name.
func (t *CalcTool) Name() string {
	return "calc"
}

// Description returns the tool description.
func (t *CalcTool) Description() string {
	return "Evaluate an arithmetic expression with + - * / % and parentheses."
}

// Schema returns the JSON schema for the tool parameters.
func (t *CalcTool) Schema() json.RawMessage {
	return schemaFor(&calcParams{})
}

// Execute parses and evaluates the expression.
func (t *CalcTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input calcParams
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	expr := strings.TrimSpace(input.Expression)
	if expr == "" {
		return &agent.ToolResult{Content: "expression is required", IsError: true}, nil
	}
	result, err := evalExpression(expr)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("cannot evaluate %q: %v", expr, err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: formatNumber(result)}, nil
}

// evalExpression evaluates an arithmetic expression by parsing it as a Go
// expression and walking the AST. Only numeric literals, arithmetic
// operators and parentheses are accepted.
func evalExpression(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("parse error")
	}
	return evalNode(node)
}

func evalNode(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return evalNode(n.X)
	case *ast.UnaryExpr:
		v, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -v, nil
		case token.ADD:
			return v, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.BinaryExpr:
		left, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		right, err := evalNode(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return left + right, nil
		case token.SUB:
			return left - right, nil
		case token.MUL:
			return left * right, nil
		case token.QUO:
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return left / right, nil
		case token.REM:
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return math.Mod(left, right), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	}
	return 0, fmt.Errorf("unsupported expression")
}

// formatNumber renders integers without a trailing ".0" so the model sees
// "42" rather than "42.000000".
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
