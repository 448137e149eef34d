// Package firewall classifies structured messages as ALLOW, REVIEW or DENY
// against a rule set compiled once at construction.
package firewall

import (
	"fmt"
	"strings"
)

type Severity uint8

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) Valid() bool { return s >= SeverityLow && s <= SeverityHigh }

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Severity(%d)", uint8(s))
	}
}

func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	default:
		return 0, fmt.Errorf("firewall: unknown severity %q", raw)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("firewall: invalid severity %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Action uint8

const (
	ActionAllow Action = iota + 1
	ActionReview
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionReview:
		return "REVIEW"
	case ActionDeny:
		return "DENY"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

func (a Action) MarshalText() ([]byte, error) {
	switch a {
	case ActionAllow, ActionReview, ActionDeny:
		return []byte(a.String()), nil
	default:
		return nil, fmt.Errorf("firewall: invalid action %d", uint8(a))
	}
}

// Scope selects which evaluations a rule takes part in.
type Scope uint8

const (
	ScopeGlobal Scope = iota + 1
	ScopeSession
)

func (s Scope) Valid() bool { return s == ScopeGlobal || s == ScopeSession }

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeSession:
		return "session"
	default:
		return fmt.Sprintf("Scope(%d)", uint8(s))
	}
}

func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "global":
		return ScopeGlobal, nil
	case "session", "session-local":
		return ScopeSession, nil
	default:
		return 0, fmt.Errorf("firewall: unknown scope %q", raw)
	}
}

func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("firewall: invalid scope %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	v, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Rule categories. Each DENY carries the code of the category that caused it.
const (
	CategoryInjection    = "injection"
	CategoryExfiltration = "exfiltration"
	CategoryDestination  = "destination"
	CategoryPII          = "pii"
	CategoryPHI          = "phi"
	CategorySensitive    = "sensitive"
	CategoryRisk         = "semantic_density"
	CategoryPolicy       = "policy"
)

var categoryCodes = map[string]string{
	CategoryInjection:    "SIC-FW-002",
	CategoryExfiltration: "SIC-FW-003",
	CategoryDestination:  "SIC-FW-004",
	CategoryPII:          "SIC-FW-005",
	CategoryRisk:         "SIC-FW-006",
}

// CategoryCode maps a category to its error code. Unlisted categories,
// including operator-defined ones, share the generic policy code.
func CategoryCode(category string) string {
	if code, ok := categoryCodes[category]; ok {
		return code
	}
	return "SIC-FW-001"
}
