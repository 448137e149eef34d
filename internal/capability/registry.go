// Package capability holds the local policy of which actions each domain
// may be granted during a handshake.
package capability

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Wildcard as a domain applies when no exact domain entry exists. As an
// action it grants whatever is requested.
const Wildcard = "*"

var ErrUnknownDomain = errors.New("capability: unknown domain")

type Entry struct {
	Domain      string
	Actions     []string
	Constraints map[string]any
}

func (e Entry) clone() Entry {
	return Entry{
		Domain:      e.Domain,
		Actions:     slices.Clone(e.Actions),
		Constraints: maps.Clone(e.Constraints),
	}
}

// Registry is an owned domain -> entry table safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(e Entry) error {
	domain := strings.TrimSpace(e.Domain)
	if domain == "" {
		return errors.New("capability: domain is required")
	}
	if len(e.Actions) == 0 {
		return fmt.Errorf("capability: domain %q has no actions", domain)
	}
	e.Domain = domain
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[domain]; dup {
		return fmt.Errorf("capability: duplicate domain %q", domain)
	}
	r.entries[domain] = e.clone()
	return nil
}

func (r *Registry) Get(domain string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[domain]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Domains returns the registered domains sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Negotiate returns the sorted intersection of requested and the actions
// permitted for domain, plus the domain constraints. The result is never
// wider than requested.
func (r *Registry) Negotiate(domain string, requested []string) ([]string, map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[domain]
	if !ok {
		e, ok = r.entries[Wildcard]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}

	allowAll := slices.Contains(e.Actions, Wildcard)
	granted := make([]string, 0, len(requested))
	for _, action := range requested {
		if action == "" || action == Wildcard {
			continue
		}
		if allowAll || slices.Contains(e.Actions, action) {
			granted = append(granted, action)
		}
	}
	slices.Sort(granted)
	return slices.Compact(granted), maps.Clone(e.Constraints), nil
}
