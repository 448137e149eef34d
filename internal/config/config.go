package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/intentlink/internal/auth"
	"github.com/danmuck/intentlink/internal/firewall"
	"github.com/danmuck/intentlink/internal/protocol/packet"
	"github.com/danmuck/intentlink/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the endpoint configuration after defaults and file overrides.
type Config struct {
	Endpoint     string
	Protocol     ProtocolConfig
	Handshake    HandshakeConfig
	Peers        []PeerConfig
	Capabilities []CapabilityConfig
	Firewall     FirewallConfig
}

type ProtocolConfig struct {
	Version           string
	SupportedVersions []string
	DefaultTTL        int
	MaxPayloadBytes   int
}

type HandshakeConfig struct {
	StateTimeout       time.Duration
	SessionLifetime    time.Duration
	SignatureCacheSize int
	RetiredTokens      int
}

// PeerConfig is one static key ring entry. SharedKey is hex encoded.
type PeerConfig struct {
	Endpoint  string `toml:"endpoint"`
	SharedKey string `toml:"shared_key"`
}

type CapabilityConfig struct {
	Domain      string         `toml:"domain"`
	Actions     []string       `toml:"actions"`
	Constraints map[string]any `toml:"constraints"`
}

type FirewallConfig struct {
	Audit         bool
	DefaultRules  bool
	RiskThreshold float64
	Rules         []RuleConfig
}

type RuleConfig struct {
	ID       string `toml:"id"`
	Category string `toml:"category"`
	Severity string `toml:"severity"`
	Scope    string `toml:"scope"`
	Pattern  string `toml:"pattern"`
	Field    string `toml:"field"`
}

func DefaultConfig() Config {
	pcfg := packet.DefaultConfig()
	scfg := session.DefaultConfig()
	return Config{
		Endpoint: "intentlink.local",
		Protocol: ProtocolConfig{
			Version:           pcfg.Version,
			SupportedVersions: slices.Clone(pcfg.SupportedVersions),
			DefaultTTL:        pcfg.DefaultTTL,
			MaxPayloadBytes:   pcfg.MaxPayloadBytes,
		},
		Handshake: HandshakeConfig{
			StateTimeout:       scfg.HandshakeTimeout,
			SessionLifetime:    scfg.SessionLifetime,
			SignatureCacheSize: scfg.SignatureCacheSize,
			RetiredTokens:      scfg.RetiredTokens,
		},
		Firewall: FirewallConfig{
			DefaultRules:  true,
			RiskThreshold: firewall.DefaultRiskThreshold,
		},
	}
}

type fileConfig struct {
	Endpoint     string             `toml:"endpoint"`
	Protocol     fileProtocol       `toml:"protocol"`
	Handshake    fileHandshake      `toml:"handshake"`
	Peers        []PeerConfig       `toml:"peers"`
	Capabilities []CapabilityConfig `toml:"capabilities"`
	Firewall     fileFirewall       `toml:"firewall"`
}

type fileProtocol struct {
	Version           string   `toml:"version"`
	SupportedVersions []string `toml:"supported_versions"`
	DefaultTTL        int      `toml:"default_ttl"`
	MaxPayloadBytes   int      `toml:"max_payload_bytes"`
}

type fileHandshake struct {
	StateTimeout       string `toml:"state_timeout"`
	SessionLifetime    string `toml:"session_lifetime"`
	SignatureCacheSize int    `toml:"signature_cache_size"`
	RetiredTokens      int    `toml:"retired_tokens"`
}

type fileFirewall struct {
	Audit         bool         `toml:"audit"`
	DefaultRules  bool         `toml:"default_rules"`
	RiskThreshold float64      `toml:"risk_threshold"`
	Rules         []RuleConfig `toml:"rules"`
}

// Load reads path, applies the keys it defines on top of DefaultConfig and
// validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}

	if meta.IsDefined("protocol", "version") {
		cfg.Protocol.Version = strings.TrimSpace(raw.Protocol.Version)
	}
	if meta.IsDefined("protocol", "supported_versions") {
		cfg.Protocol.SupportedVersions = normalizeList(raw.Protocol.SupportedVersions)
	}
	if meta.IsDefined("protocol", "default_ttl") {
		cfg.Protocol.DefaultTTL = raw.Protocol.DefaultTTL
	}
	if meta.IsDefined("protocol", "max_payload_bytes") {
		cfg.Protocol.MaxPayloadBytes = raw.Protocol.MaxPayloadBytes
	}

	if meta.IsDefined("handshake", "state_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Handshake.StateTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse handshake.state_timeout: %w", err)
		}
		cfg.Handshake.StateTimeout = d
	}
	if meta.IsDefined("handshake", "session_lifetime") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Handshake.SessionLifetime))
		if err != nil {
			return Config{}, fmt.Errorf("parse handshake.session_lifetime: %w", err)
		}
		cfg.Handshake.SessionLifetime = d
	}
	if meta.IsDefined("handshake", "signature_cache_size") {
		cfg.Handshake.SignatureCacheSize = raw.Handshake.SignatureCacheSize
	}
	if meta.IsDefined("handshake", "retired_tokens") {
		cfg.Handshake.RetiredTokens = raw.Handshake.RetiredTokens
	}

	if meta.IsDefined("peers") {
		cfg.Peers = raw.Peers
	}
	if meta.IsDefined("capabilities") {
		cfg.Capabilities = raw.Capabilities
	}

	if meta.IsDefined("firewall", "audit") {
		cfg.Firewall.Audit = raw.Firewall.Audit
	}
	if meta.IsDefined("firewall", "default_rules") {
		cfg.Firewall.DefaultRules = raw.Firewall.DefaultRules
	}
	if meta.IsDefined("firewall", "risk_threshold") {
		cfg.Firewall.RiskThreshold = raw.Firewall.RiskThreshold
	}
	if meta.IsDefined("firewall", "rules") {
		cfg.Firewall.Rules = raw.Firewall.Rules
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if err := c.PacketConfig().Validate(); err != nil {
		return fmt.Errorf("%w: protocol: %v", ErrInvalidConfig, err)
	}

	if c.Handshake.StateTimeout <= 0 {
		return fmt.Errorf("%w: handshake.state_timeout must be > 0", ErrInvalidConfig)
	}
	if c.Handshake.SessionLifetime < 0 {
		return fmt.Errorf("%w: handshake.session_lifetime must be >= 0", ErrInvalidConfig)
	}
	if c.Handshake.SignatureCacheSize < 0 || c.Handshake.RetiredTokens < 0 {
		return fmt.Errorf("%w: handshake cache sizes must be >= 0", ErrInvalidConfig)
	}

	seenPeers := make(map[string]struct{}, len(c.Peers))
	for i, p := range c.Peers {
		id := strings.TrimSpace(p.Endpoint)
		if id == "" {
			return fmt.Errorf("%w: peers[%d]: endpoint is required", ErrInvalidConfig, i)
		}
		if _, dup := seenPeers[id]; dup {
			return fmt.Errorf("%w: peers[%d]: duplicate endpoint %q", ErrInvalidConfig, i, id)
		}
		seenPeers[id] = struct{}{}
	}
	if _, err := c.KeyRing(); err != nil {
		return fmt.Errorf("%w: peers: %v", ErrInvalidConfig, err)
	}

	seenDomains := make(map[string]struct{}, len(c.Capabilities))
	for i, entry := range c.Capabilities {
		domain := strings.TrimSpace(entry.Domain)
		if domain == "" {
			return fmt.Errorf("%w: capabilities[%d]: domain is required", ErrInvalidConfig, i)
		}
		if _, dup := seenDomains[domain]; dup {
			return fmt.Errorf("%w: capabilities[%d]: duplicate domain %q", ErrInvalidConfig, i, domain)
		}
		seenDomains[domain] = struct{}{}
		if len(normalizeList(entry.Actions)) == 0 {
			return fmt.Errorf("%w: capabilities[%d]: actions are required", ErrInvalidConfig, i)
		}
	}

	// scores are unbounded above; any finite positive threshold works
	if t := c.Firewall.RiskThreshold; !(t > 0) || math.IsInf(t, 1) {
		return fmt.Errorf("%w: firewall.risk_threshold must be a positive number", ErrInvalidConfig)
	}
	seenRules := make(map[string]struct{}, len(c.Firewall.Rules))
	for i, r := range c.Firewall.Rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return fmt.Errorf("%w: firewall.rules[%d]: id is required", ErrInvalidConfig, i)
		}
		if _, dup := seenRules[id]; dup {
			return fmt.Errorf("%w: firewall.rules[%d]: duplicate id %q", ErrInvalidConfig, i, id)
		}
		seenRules[id] = struct{}{}
		if _, err := r.Rule(); err != nil {
			return fmt.Errorf("%w: firewall.rules[%d]: %v", ErrInvalidConfig, i, err)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("%w: firewall.rules[%d]: pattern: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// KeyRing decodes the peer keys.
func (c Config) KeyRing() (auth.StaticKeys, error) {
	hexKeys := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		hexKeys[strings.TrimSpace(p.Endpoint)] = p.SharedKey
	}
	return auth.ParseHexKeys(hexKeys)
}

// Rule converts the file form into a firewall rule.
func (r RuleConfig) Rule() (firewall.Rule, error) {
	sev, err := firewall.ParseSeverity(r.Severity)
	if err != nil {
		return firewall.Rule{}, err
	}
	scope, err := firewall.ParseScope(r.Scope)
	if err != nil {
		return firewall.Rule{}, err
	}
	if strings.TrimSpace(r.Category) == "" {
		return firewall.Rule{}, fmt.Errorf("rule %q: category is required", r.ID)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return firewall.Rule{}, fmt.Errorf("rule %q: pattern is required", r.ID)
	}
	return firewall.Rule{
		ID:       strings.TrimSpace(r.ID),
		Category: strings.ToLower(strings.TrimSpace(r.Category)),
		Severity: sev,
		Scope:    scope,
		Pattern:  r.Pattern,
		Field:    strings.TrimSpace(r.Field),
	}, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
