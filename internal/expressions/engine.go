package expressions

import "context"

// Engine evaluates expressions against work outcomes.
// Two implementations: Expr (retry predicates), GoJQ (result selectors).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
