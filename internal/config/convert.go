package config

import (
	"slices"
	"strings"

	"github.com/danmuck/intentlink/internal/capability"
	"github.com/danmuck/intentlink/internal/endpoint"
	"github.com/danmuck/intentlink/internal/firewall"
	"github.com/danmuck/intentlink/internal/protocol/packet"
	"github.com/danmuck/intentlink/internal/protocol/session"
)

func (c Config) PacketConfig() packet.Config {
	return packet.Config{
		Version:           c.Protocol.Version,
		SupportedVersions: slices.Clone(c.Protocol.SupportedVersions),
		DefaultTTL:        c.Protocol.DefaultTTL,
		MaxPayloadBytes:   c.Protocol.MaxPayloadBytes,
	}
}

func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HandshakeTimeout = c.Handshake.StateTimeout
	cfg.SessionLifetime = c.Handshake.SessionLifetime
	if c.Handshake.SignatureCacheSize > 0 {
		cfg.SignatureCacheSize = c.Handshake.SignatureCacheSize
	}
	if c.Handshake.RetiredTokens > 0 {
		cfg.RetiredTokens = c.Handshake.RetiredTokens
	}
	return cfg
}

func (c Config) CapabilityRegistry() (*capability.Registry, error) {
	entries := make([]capability.Entry, 0, len(c.Capabilities))
	for _, e := range c.Capabilities {
		entries = append(entries, capability.Entry{
			Domain:      strings.TrimSpace(e.Domain),
			Actions:     normalizeList(e.Actions),
			Constraints: e.Constraints,
		})
	}
	return capability.NewRegistry(entries...)
}

// FirewallOptions converts the firewall section. A scorer, when needed, is
// set by the caller.
func (c Config) FirewallOptions() (firewall.Options, error) {
	rules := make([]firewall.Rule, 0, len(c.Firewall.Rules))
	for _, rc := range c.Firewall.Rules {
		r, err := rc.Rule()
		if err != nil {
			return firewall.Options{}, err
		}
		rules = append(rules, r)
	}
	return firewall.Options{
		Rules:         rules,
		SkipDefaults:  !c.Firewall.DefaultRules,
		Audit:         c.Firewall.Audit,
		RiskThreshold: c.Firewall.RiskThreshold,
	}, nil
}

// EndpointOptions builds every component an endpoint needs.
func (c Config) EndpointOptions() (endpoint.Options, error) {
	keys, err := c.KeyRing()
	if err != nil {
		return endpoint.Options{}, err
	}
	caps, err := c.CapabilityRegistry()
	if err != nil {
		return endpoint.Options{}, err
	}
	fwOpts, err := c.FirewallOptions()
	if err != nil {
		return endpoint.Options{}, err
	}
	fw, err := firewall.NewEngine(fwOpts)
	if err != nil {
		return endpoint.Options{}, err
	}
	return endpoint.Options{
		Packet:       c.PacketConfig(),
		Session:      c.SessionConfig(),
		Firewall:     fw,
		Capabilities: caps,
		Keys:         keys,
	}, nil
}

// NewEndpoint builds the configured endpoint.
func (c Config) NewEndpoint() (*endpoint.Endpoint, error) {
	opts, err := c.EndpointOptions()
	if err != nil {
		return nil, err
	}
	return endpoint.New(c.Endpoint, opts)
}
