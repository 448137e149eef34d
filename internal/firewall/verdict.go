package firewall

import (
	"time"

	"github.com/danmuck/intentlink/internal/protocol"
)

// Match records one rule that fired.
type Match struct {
	RuleID   string   `json:"rule_id"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
}

type Verdict struct {
	Action       Action    `json:"action"`
	MatchedRules []Match   `json:"matched_rules,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
	// RiskScore is set when a risk scorer answered.
	RiskScore *float64 `json:"risk_score,omitempty"`
}

func (v Verdict) Allowed() bool { return v.Action != ActionDeny }

func (v Verdict) RuleIDs() []string {
	ids := make([]string, 0, len(v.MatchedRules))
	for _, m := range v.MatchedRules {
		ids = append(ids, m.RuleID)
	}
	return ids
}

// Category is the category behind the verdict: the first HIGH match for
// DENY, the first match for REVIEW, empty for ALLOW.
func (v Verdict) Category() string {
	if v.Action == ActionDeny {
		for _, m := range v.MatchedRules {
			if m.Severity == SeverityHigh {
				return m.Category
			}
		}
	}
	if len(v.MatchedRules) > 0 {
		return v.MatchedRules[0].Category
	}
	return ""
}

// Err returns the PolicyDenied error for a DENY verdict and nil otherwise.
func (v Verdict) Err() error {
	if v.Action != ActionDeny {
		return nil
	}
	pe := protocol.PolicyDenied(v.ErrorCode, v.RuleIDs())
	pe.Code = v.ErrorCode
	return pe
}
