package firewall

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/intentlink/internal/protocol/canonical"
	"github.com/rs/zerolog/log"
)

// RuleUnencodable is reported when a message cannot be canonicalized.
const RuleUnencodable = "policy.unencodable"

type Options struct {
	// Rules are appended after the defaults.
	Rules        []Rule
	SkipDefaults bool
	// Audit keeps matching after the first HIGH hit. The verdict is still DENY.
	Audit         bool
	RiskScorer    RiskScorer
	RiskThreshold float64
	Now           func() time.Time
}

// Engine is immutable after NewEngine and safe for concurrent use.
type Engine struct {
	global    []compiledRule
	session   []compiledRule
	audit     bool
	scorer    RiskScorer
	threshold float64
	now       func() time.Time
}

func NewEngine(opts Options) (*Engine, error) {
	var rules []Rule
	if !opts.SkipDefaults {
		rules = append(rules, DefaultRules()...)
	}
	rules = append(rules, opts.Rules...)

	e := &Engine{
		audit:     opts.Audit,
		scorer:    opts.RiskScorer,
		threshold: opts.RiskThreshold,
		now:       opts.Now,
	}
	if e.threshold <= 0 {
		e.threshold = DefaultRiskThreshold
	}
	if e.now == nil {
		e.now = time.Now
	}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("firewall: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		if cr.Scope == ScopeSession {
			e.session = append(e.session, cr)
		} else {
			e.global = append(e.global, cr)
		}
	}
	log.Debug().
		Int("global", len(e.global)).
		Int("session", len(e.session)).
		Bool("audit", e.audit).
		Bool("risk_scorer", e.scorer != nil).
		Msg("firewall engine compiled")
	return e, nil
}

// Rules returns the compiled rules in evaluation order, global first.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.global)+len(e.session))
	for _, cr := range e.global {
		out = append(out, cr.Rule)
	}
	for _, cr := range e.session {
		out = append(out, cr.Rule)
	}
	return out
}

func (e *Engine) Audit() bool { return e.audit }

// Evaluate screens state against the global rules.
func (e *Engine) Evaluate(state any) Verdict {
	v, _, _ := e.evaluate(state, false)
	return v
}

// EvaluateSession screens state against global and session rules.
func (e *Engine) EvaluateSession(state any) Verdict {
	v, _, _ := e.evaluate(state, true)
	return v
}

// EvaluateContext runs the rules and then consults the risk scorer when one
// is configured. A scorer error or an unusable score denies.
func (e *Engine) EvaluateContext(ctx context.Context, state any, sessionScoped bool) Verdict {
	v, text, ok := e.evaluate(state, sessionScoped)
	if !ok || e.scorer == nil {
		return v
	}
	if v.Action == ActionDeny && !e.audit {
		return v
	}

	score, err := e.scorer.Score(ctx, text)
	if err == nil && (math.IsNaN(score) || score < 0) {
		err = errors.New("score out of range")
	}
	if err != nil {
		log.Warn().Err(err).Msg("firewall risk scorer unavailable; denying")
		v.MatchedRules = append(v.MatchedRules, Match{RuleID: RuleRiskUnavailable, Category: CategoryRisk, Severity: SeverityHigh})
		return e.deny(v)
	}
	v.RiskScore = &score
	if score >= e.threshold {
		v.MatchedRules = append(v.MatchedRules, Match{RuleID: RuleRiskThreshold, Category: CategoryRisk, Severity: SeverityHigh})
		return e.deny(v)
	}
	return v
}

// deny turns v into DENY. The error code stays with the first HIGH match.
func (e *Engine) deny(v Verdict) Verdict {
	if v.Action != ActionDeny {
		v.Action = ActionDeny
		for _, m := range v.MatchedRules {
			if m.Severity == SeverityHigh {
				v.ErrorCode = CategoryCode(m.Category)
				break
			}
		}
	}
	return v
}

// evaluate returns the verdict, the searchable text handed to the risk
// scorer, and whether the state could be encoded.
func (e *Engine) evaluate(state any, sessionScoped bool) (Verdict, string, bool) {
	v := Verdict{Action: ActionAllow, EvaluatedAt: e.now().UTC()}

	doc, err := canonical.Normalize(state)
	if err != nil {
		log.Debug().Err(err).Msg("firewall.Evaluate unencodable state")
		v.MatchedRules = []Match{{RuleID: RuleUnencodable, Category: CategoryPolicy, Severity: SeverityHigh}}
		return e.deny(v), "", false
	}
	canon, err := canonical.Text(doc)
	if err != nil {
		v.MatchedRules = []Match{{RuleID: RuleUnencodable, Category: CategoryPolicy, Severity: SeverityHigh}}
		return e.deny(v), "", false
	}

	text := searchText(doc)

	sets := [][]compiledRule{e.global}
	if sessionScoped {
		sets = append(sets, e.session)
	}
	var firstHigh *Match
	for _, set := range sets {
		for _, cr := range set {
			if !cr.match(text, canon, doc) {
				continue
			}
			m := Match{RuleID: cr.ID, Category: cr.Category, Severity: cr.Severity}
			v.MatchedRules = append(v.MatchedRules, m)
			if cr.Severity == SeverityHigh && firstHigh == nil {
				firstHigh = &m
				if !e.audit {
					break
				}
			}
		}
		if firstHigh != nil && !e.audit {
			break
		}
	}

	switch {
	case firstHigh != nil:
		v.Action = ActionDeny
		v.ErrorCode = CategoryCode(firstHigh.Category)
	case len(v.MatchedRules) > 0:
		v.Action = ActionReview
	}
	log.Debug().
		Str("action", v.Action.String()).
		Strs("rules", v.RuleIDs()).
		Msg("firewall.Evaluate")
	return v, text, true
}
