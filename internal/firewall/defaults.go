package firewall

// DefaultRules returns the built-in rule families. The slice is fresh on
// every call.
func DefaultRules() []Rule {
	return []Rule{
		// instruction override and prompt injection
		{ID: "inj.ignore_instructions", Category: CategoryInjection, Severity: SeverityHigh,
			Pattern: `ignore\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|rules|prompts?|directions)`},
		{ID: "inj.disregard_rules", Category: CategoryInjection, Severity: SeverityHigh,
			Pattern: `(disregard|forget|override)\s+(all\s+)?(your|previous|prior|the)\s+(instructions|rules|guidelines|policies)`},
		{ID: "inj.role_override", Category: CategoryInjection, Severity: SeverityHigh,
			Pattern: `you\s+are\s+now\s+(an?\s+)?(unrestricted|jailbroken|developer\s+mode|admin(istrator)?)`},
		{ID: "inj.system_prompt", Category: CategoryInjection, Severity: SeverityHigh,
			Pattern: `(reveal|print|show|leak|repeat)\s+(me\s+)?(your|the)\s+(system|hidden)\s+prompt`},
		{ID: "inj.sql_drop", Category: CategoryInjection, Severity: SeverityHigh,
			Pattern: `;\s*(drop|truncate|alter)\s+(table|database)`},
		{ID: "inj.sql_tautology", Category: CategoryInjection, Severity: SeverityHigh,
			Pattern: `'\s*or\s+'?1'?\s*=\s*'?1|union\s+(all\s+)?select`},

		// data exfiltration intent
		{ID: "exf.export_sensitive", Category: CategoryExfiltration, Severity: SeverityHigh,
			Pattern: `(export|dump|exfiltrate|extract|download)[^.]{0,40}(customer|ssn|credit\s*card|password|pii|all\s+(data|records|users))`},
		{ID: "exf.send_external", Category: CategoryExfiltration, Severity: SeverityHigh,
			Pattern: `(send|upload|forward|post)\s+(all\s+|the\s+)?(data|records|credentials|database)\s+to\b`},

		// disallowed destinations
		{ID: "dst.raw_ip_url", Category: CategoryDestination, Severity: SeverityHigh,
			Pattern: `https?://\d{1,3}(\.\d{1,3}){3}`},
		{ID: "dst.drop_site", Category: CategoryDestination, Severity: SeverityHigh,
			Pattern: `(pastebin\.com|transfer\.sh|ngrok\.io|requestbin|webhook\.site)`},

		// PII and PCI shapes
		{ID: "pii.ssn", Category: CategoryPII, Severity: SeverityHigh,
			Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
		{ID: "pii.ssn_keyword", Category: CategoryPII, Severity: SeverityHigh,
			Pattern: `(^|[^a-z])(ssn|social\s+security(\s+number)?)([^a-z]|$)`},
		{ID: "pii.card_number", Category: CategoryPII, Severity: SeverityHigh,
			Pattern: `\b(\d[ -]?){12,15}\d\b`},
		{ID: "pii.government_id", Category: CategoryPII, Severity: SeverityHigh,
			Pattern: `(passport|national\s+id|tax\s+id|driver'?s?\s+licen[cs]e)(\s+(number|no))?[\s"':=#]*[a-z0-9]{6,}`},
		{ID: "pii.email", Category: CategoryPII, Severity: SeverityMedium,
			Pattern: `[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`},
		{ID: "pii.phone", Category: CategoryPII, Severity: SeverityMedium,
			Pattern: `(\+\d{1,3}[\s.-]?)?(\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`},

		// PHI keywords
		{ID: "phi.record", Category: CategoryPHI, Severity: SeverityMedium,
			Pattern: `\b(diagnosis|medical\s+record|health\s+record|prescription|patient\s+id)\b`},
		{ID: "phi.context", Category: CategoryPHI, Severity: SeverityLow,
			Pattern: `\b(patient|treatment|medication|clinical)\b`},

		// credentials and secrets
		{ID: "sens.credentials", Category: CategorySensitive, Severity: SeverityMedium,
			Pattern: `password|passwd|api[_-]?key|secret[_-]?key|private[_-]?key|access[_-]?token`},
	}
}
