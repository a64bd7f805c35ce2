package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/courier/internal/envelope"
)

// ExpressionStrategy narrows an inner strategy with a CEL predicate. A
// message is retried only if the inner strategy allows it and the expression
// evaluates to true. Variables:
//
//	error        string  message of the handler error
//	retry_count  int     retries so far
//	message_type string  Go type of the message
//
// Example: `retry_count < 3 && !error.contains("validation")`.
type ExpressionStrategy struct {
	inner Strategy
	prog  cel.Program
	expr  string
}

var _ Strategy = (*ExpressionStrategy)(nil)

// NewExpressionStrategy compiles expr. An empty expression returns inner
// unchanged.
func NewExpressionStrategy(expr string, inner Strategy) (Strategy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return inner, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("error", cel.StringType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("message_type", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: retry expression %q: %v", ErrInvalidConfig, expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: retry expression %q must evaluate to a bool, got %s", ErrInvalidConfig, expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &ExpressionStrategy{inner: inner, prog: prog, expr: expr}, nil
}

func (s *ExpressionStrategy) IsRetryable(env envelope.Envelope, err error) bool {
	if !s.inner.IsRetryable(env, err) {
		return false
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	out, _, evalErr := s.prog.Eval(map[string]any{
		"error":        msg,
		"retry_count":  int64(envelope.RetryCount(env)),
		"message_type": fmt.Sprintf("%T", env.Message()),
	})
	if evalErr != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (s *ExpressionStrategy) WaitingTime(env envelope.Envelope, err error) time.Duration {
	return s.inner.WaitingTime(env, err)
}

func (s *ExpressionStrategy) String() string { return s.expr }
