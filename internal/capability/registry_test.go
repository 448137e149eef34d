package capability

import (
	"errors"
	"testing"

	"github.com/danmuck/intentlink/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestNegotiateNarrowsToIntersection(t *testing.T) {
	testlog.Start(t)
	r, err := NewRegistry(Entry{
		Domain:      "finance",
		Actions:     []string{"read_reports", "list_accounts"},
		Constraints: map[string]any{"max_rows": 100},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	granted, constraints, err := r.Negotiate("finance", []string{"write_reports", "read_reports", "read_reports"})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if diff := cmp.Diff([]string{"read_reports"}, granted); diff != "" {
		t.Fatalf("granted (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"max_rows": 100}, constraints); diff != "" {
		t.Fatalf("constraints (-want +got):\n%s", diff)
	}
	constraints["max_rows"] = 1
	_, again, _ := r.Negotiate("finance", []string{"read_reports"})
	if again["max_rows"] != 100 {
		t.Fatalf("constraints must be copied")
	}
}

func TestNegotiateEmptyIntersection(t *testing.T) {
	testlog.Start(t)
	r, _ := NewRegistry(Entry{Domain: "finance", Actions: []string{"read_reports"}})
	granted, _, err := r.Negotiate("finance", []string{"delete_reports"})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if len(granted) != 0 {
		t.Fatalf("expected empty grant, got %v", granted)
	}
}

func TestNegotiateWildcards(t *testing.T) {
	testlog.Start(t)
	r, err := NewRegistry(
		Entry{Domain: Wildcard, Actions: []string{"ping"}},
		Entry{Domain: "lab", Actions: []string{Wildcard}},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	granted, _, err := r.Negotiate("unknown", []string{"ping", "write"})
	if err != nil {
		t.Fatalf("negotiate fallback: %v", err)
	}
	if diff := cmp.Diff([]string{"ping"}, granted); diff != "" {
		t.Fatalf("fallback grant (-want +got):\n%s", diff)
	}
	granted, _, _ = r.Negotiate("lab", []string{"write", "*", "read"})
	if diff := cmp.Diff([]string{"read", "write"}, granted); diff != "" {
		t.Fatalf("wildcard action grant (-want +got):\n%s", diff)
	}
}

func TestNegotiateUnknownDomain(t *testing.T) {
	testlog.Start(t)
	r, _ := NewRegistry(Entry{Domain: "finance", Actions: []string{"read_reports"}})
	if _, _, err := r.Negotiate("hr", []string{"read_reports"}); !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	testlog.Start(t)
	r, _ := NewRegistry()
	if err := r.Register(Entry{Domain: " ", Actions: []string{"a"}}); err == nil {
		t.Fatalf("expected error for empty domain")
	}
	if err := r.Register(Entry{Domain: "d"}); err == nil {
		t.Fatalf("expected error for no actions")
	}
	if err := r.Register(Entry{Domain: "d", Actions: []string{"a"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Entry{Domain: "d", Actions: []string{"b"}}); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
	if diff := cmp.Diff([]string{"d"}, r.Domains()); diff != "" {
		t.Fatalf("domains (-want +got):\n%s", diff)
	}
	e, ok := r.Get("d")
	if !ok {
		t.Fatalf("get: missing entry")
	}
	e.Actions[0] = "mutated"
	again, _ := r.Get("d")
	if again.Actions[0] != "a" {
		t.Fatalf("Get must return a copy")
	}
}
