// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package signrules

import (
	"context"
	"strings"
	"testing"

	"github.com/lieser/dkimverifier/internal/dnsresolver"
)

// stubResolver answers TXT queries from a fixed map, for exercising
// EffectiveVerdict's DMARC fallback without a real DNS transport.
type stubResolver struct {
	records map[string][]string
}

func (r *stubResolver) TXT(_ context.Context, name string) (dnsresolver.Answer, error) {
	data, ok := r.records[name]
	if !ok {
		return dnsresolver.Answer{}, dnsresolver.ErrNotFound
	}
	return dnsresolver.Answer{Data: data}, nil
}

func TestLoadAndMatch(t *testing.T) {
	cfg := `
rule @example.com {
    verdict should-be-signed
    priority 10
}
rule * {
    verdict may-be-unsigned
}
`
	store, err := Load(strings.NewReader(cfg), "test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rule, ok := store.Match("joe@example.com")
	if !ok || rule.Verdict != ShouldBeSigned {
		t.Fatalf("Match(joe@example.com) = %+v, %v", rule, ok)
	}

	rule, ok = store.Match("joe@other.com")
	if !ok || rule.Verdict != MayBeUnsigned {
		t.Fatalf("Match(joe@other.com) = %+v, %v", rule, ok)
	}
}

func TestMatchNoRules(t *testing.T) {
	store := NewStore()
	_, ok := store.Match("joe@example.com")
	if ok {
		t.Error("expected no match with empty rule set")
	}
}

func TestAutoAddPromotesConsistentSigner(t *testing.T) {
	store := NewStore()
	for i := 0; i < autoAddThreshold; i++ {
		store.Observe("joe@example.com", true)
	}
	if !store.MaybeAutoAdd("example.com") {
		t.Fatal("expected auto-add to fire")
	}
	rule, ok := store.Match("joe@example.com")
	if !ok || rule.Verdict != ShouldBeSigned || !rule.AutoAdded {
		t.Fatalf("rule after auto-add = %+v, %v", rule, ok)
	}
}

func TestAutoAddSkipsInconsistentSigner(t *testing.T) {
	store := NewStore()
	for i := 0; i < autoAddThreshold; i++ {
		store.Observe("joe@example.com", i%2 == 0)
	}
	if store.MaybeAutoAdd("example.com") {
		t.Fatal("auto-add should not fire for inconsistent signing")
	}
}

func TestLoadParsesSDID(t *testing.T) {
	cfg := `
rule @example.com {
    verdict should-be-signed
    sdid mail.example.com
}
`
	store, err := Load(strings.NewReader(cfg), "test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rule, ok := store.Match("joe@example.com")
	if !ok || rule.SDID != "mail.example.com" {
		t.Fatalf("rule.SDID = %q, ok = %v", rule.SDID, ok)
	}
}

func TestEffectiveVerdictUsesExplicitRuleFirst(t *testing.T) {
	store, err := Load(strings.NewReader("rule @example.com {\n verdict may-be-unsigned\n}\n"), "test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	resolver := &stubResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	rule, ok := store.EffectiveVerdict(context.Background(), resolver, "joe@example.com")
	if !ok || rule.Verdict != MayBeUnsigned {
		t.Fatalf("expected the explicit may-be-unsigned rule to win, got %+v, %v", rule, ok)
	}
}

func TestEffectiveVerdictFallsBackToDMARCReject(t *testing.T) {
	store := NewStore()
	resolver := &stubResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	rule, ok := store.EffectiveVerdict(context.Background(), resolver, "joe@example.com")
	if !ok || rule.Verdict != ShouldBeSigned || rule.SDID != "example.com" {
		t.Fatalf("expected a synthesized should-be-signed rule pinned to example.com, got %+v, %v", rule, ok)
	}
}

func TestEffectiveVerdictNoFallbackWithoutDMARCPolicy(t *testing.T) {
	store := NewStore()
	resolver := &stubResolver{records: map[string][]string{}}
	_, ok := store.EffectiveVerdict(context.Background(), resolver, "joe@example.com")
	if ok {
		t.Fatal("expected no verdict when no rule matches and no DMARC policy is published")
	}
}

func TestEffectiveVerdictNilResolverSkipsFallback(t *testing.T) {
	store := NewStore()
	_, ok := store.EffectiveVerdict(context.Background(), nil, "joe@example.com")
	if ok {
		t.Fatal("expected no verdict when resolver is nil and no rule matches")
	}
}
