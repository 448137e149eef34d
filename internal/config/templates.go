package config

import (
	"fmt"
	"os"
)

func Template() string {
	return endpointTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template()), 0o600)
}

const endpointTemplate = `endpoint = "model-b"

[protocol]
version = "1.0.0"
supported_versions = ["1.0.0", "1.0.1"]
default_ttl = 10
max_payload_bytes = 1048576

[handshake]
state_timeout = "30s"
session_lifetime = "1h"
signature_cache_size = 512
retired_tokens = 4096

[[peers]]
endpoint = "model-a"
shared_key = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

[[capabilities]]
domain = "finance"
actions = ["read_reports"]

[capabilities.constraints]
max_rows = 100

[firewall]
audit = false
default_rules = true
risk_threshold = 0.8

[[firewall.rules]]
id = "custom.payroll_bulk"
category = "exfiltration"
severity = "MEDIUM"
scope = "session"
pattern = "\\bbulk\\s+payroll\\b"
`
