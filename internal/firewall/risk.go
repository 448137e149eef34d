package firewall

import "context"

// RiskScorer is the advisory semantic-density scorer. Scores are in
// [0, +inf); higher is riskier.
type RiskScorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// RiskFunc adapts a function into a RiskScorer.
type RiskFunc func(ctx context.Context, text string) (float64, error)

func (f RiskFunc) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}

const DefaultRiskThreshold = 0.8

// Rule ids reported for scorer outcomes.
const (
	RuleRiskUnavailable = "risk.unavailable"
	RuleRiskThreshold   = "risk.threshold"
)
