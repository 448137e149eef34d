package firewall

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/danmuck/intentlink/internal/protocol/canonical"
)

// Rule is one configured matcher. Pattern is matched case-insensitively
// against the decoded text of the whole message (and its canonical JSON),
// or against the value at Field (dot-separated path) when Field is set.
type Rule struct {
	ID       string
	Category string
	Severity Severity
	Scope    Scope
	Pattern  string
	Field    string
}

type compiledRule struct {
	Rule
	re   *regexp.Regexp
	path []string
}

func compileRule(r Rule) (compiledRule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return compiledRule{}, errors.New("firewall: rule id is required")
	}
	if strings.TrimSpace(r.Category) == "" {
		return compiledRule{}, fmt.Errorf("firewall: rule %q: category is required", r.ID)
	}
	if !r.Severity.Valid() {
		return compiledRule{}, fmt.Errorf("firewall: rule %q: invalid severity", r.ID)
	}
	if r.Scope == 0 {
		r.Scope = ScopeGlobal
	}
	if !r.Scope.Valid() {
		return compiledRule{}, fmt.Errorf("firewall: rule %q: invalid scope", r.ID)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return compiledRule{}, fmt.Errorf("firewall: rule %q: pattern is required", r.ID)
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("firewall: rule %q: %w", r.ID, err)
	}
	cr := compiledRule{Rule: r, re: re}
	if f := strings.TrimSpace(r.Field); f != "" {
		cr.path = strings.Split(f, ".")
	}
	return cr, nil
}

// match reports whether the rule fires for a message. plain is the
// searchable text of doc and canon its canonical JSON.
func (c compiledRule) match(plain, canon string, doc any) bool {
	if c.path == nil {
		return c.re.MatchString(plain) || c.re.MatchString(canon)
	}
	v, ok := lookup(doc, c.path)
	if !ok {
		return false
	}
	if s, ok := v.(string); ok {
		return c.re.MatchString(s)
	}
	if c.re.MatchString(searchText(v)) {
		return true
	}
	sub, err := canonical.Text(v)
	if err != nil {
		return false
	}
	return c.re.MatchString(sub)
}

// searchText joins the keys and string values of a normalized document
// with single spaces, objects in sorted key order. Strings appear decoded,
// so control characters inside them stay whitespace. Numbers are left to
// the canonical form.
func searchText(doc any) string {
	var b strings.Builder
	appendText(&b, doc)
	return b.String()
}

func appendText(b *strings.Builder, v any) {
	word := func(s string) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(t)) {
			word(k)
			appendText(b, t[k])
		}
	case []any:
		for _, e := range t {
			appendText(b, e)
		}
	case string:
		word(t)
	}
}

func lookup(doc any, path []string) (any, bool) {
	cur := doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
