// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package signrules implements the local "should this message have
// been signed" policy: a priority-ordered rule set matched against the
// From address, backed by the same directive configuration language
// used throughout this codebase's ambient stack.
package signrules

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/lieser/dkimverifier/internal/address"
	"github.com/lieser/dkimverifier/internal/config"
	"github.com/lieser/dkimverifier/internal/dnsresolver"
)

// Verdict is what a sign rule says about whether a From address should
// carry a valid DKIM signature.
type Verdict string

const (
	ShouldBeSigned    Verdict = "should-be-signed"
	MayBeUnsigned     Verdict = "may-be-unsigned"
	ShouldNotBeSigned Verdict = "should-not-be-signed"
)

// Rule is one sign rule: a from-address or domain pattern, a verdict,
// and a priority (higher wins on overlapping matches).
type Rule struct {
	Pattern   string // exact address, "@domain", or "*" for default
	Verdict   Verdict
	Priority  int
	AutoAdded bool

	// SDID is the signing domain (d=) a should-be-signed rule requires
	// a valid signature to carry. Empty means any domain's valid
	// signature satisfies the rule (the pre-C11 behavior). Set, this
	// is what stops a spoofed sender with a valid-but-wrong-domain
	// signature from satisfying a policy meant to pin it to one SDID.
	SDID string
}

func (r Rule) matches(mailbox, domain string) bool {
	switch {
	case r.Pattern == "*":
		return true
	case strings.HasPrefix(r.Pattern, "@"):
		return strings.EqualFold(r.Pattern[1:], domain)
	default:
		return strings.EqualFold(r.Pattern, mailbox+"@"+domain)
	}
}

// Store holds the rule set and the observed-signing statistics used
// for auto-adding default-deny rules.
type Store struct {
	mu    sync.RWMutex
	rules []Rule

	observed map[string]observation
}

type observation struct {
	seen, signed int
}

// NewStore builds an empty rule store.
func NewStore() *Store {
	return &Store{observed: make(map[string]observation)}
}

// Load parses a directive-config file of the form:
//
//	rule <pattern> {
//	    verdict should-be-signed
//	    priority 10
//	}
func Load(r io.Reader, location string) (*Store, error) {
	nodes, err := config.ReadFile(r, location)
	if err != nil {
		return nil, fmt.Errorf("signrules: %w", err)
	}

	s := NewStore()
	for _, node := range nodes {
		if node.Name != "rule" {
			return nil, config.NodeErr(node, "signrules: unknown directive %q", node.Name)
		}
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "signrules: rule requires exactly one pattern argument")
		}
		rule := Rule{Pattern: node.Args[0], Verdict: MayBeUnsigned}

		m := config.NewMap(nil, node)
		var verdictStr string
		m.Enum("verdict", false, false,
			[]string{string(ShouldBeSigned), string(MayBeUnsigned), string(ShouldNotBeSigned)},
			string(MayBeUnsigned), &verdictStr)
		m.Int("priority", false, false, 0, &rule.Priority)
		m.String("sdid", false, false, "", &rule.SDID)
		if _, err := m.Process(); err != nil {
			return nil, err
		}
		rule.Verdict = Verdict(verdictStr)

		s.rules = append(s.rules, rule)
	}

	s.sortRules()
	return s, nil
}

func (s *Store) sortRules() {
	sort.SliceStable(s.rules, func(i, j int) bool { return s.rules[i].Priority > s.rules[j].Priority })
}

// AddRule inserts a rule (used by auto-add and management commands).
func (s *Store) AddRule(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
	s.sortRules()
}

// Rules returns a copy of the current rule set, highest priority
// first.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Match finds the highest-priority rule matching from. If none apply,
// or from cannot be split into mailbox and domain, it returns the zero
// Rule and false.
func (s *Store) Match(from string) (Rule, bool) {
	mailbox, domain, err := address.Split(from)
	if err != nil {
		return Rule{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.matches(mailbox, domain) {
			return r, true
		}
	}
	return Rule{}, false
}

// EffectiveVerdict returns the rule governing from: an explicit Match
// if one exists, otherwise a default-deny rule synthesized from the
// DMARC policy published for the sender's domain. A domain publishing
// p=reject or p=quarantine is telling the world it expects its mail to
// carry a valid DKIM signature, which this feeds into the
// should-be-signed heuristic even without an explicit local rule
// (C11). resolver may be nil, in which case only explicit rules are
// consulted and the DMARC fallback is skipped.
func (s *Store) EffectiveVerdict(ctx context.Context, resolver dnsresolver.Resolver, from string) (Rule, bool) {
	if rule, ok := s.Match(from); ok {
		return rule, true
	}
	if resolver == nil {
		return Rule{}, false
	}

	_, domain, err := address.Split(from)
	if err != nil {
		return Rule{}, false
	}
	policy, err := FetchDMARCPolicy(ctx, resolver, domain)
	if err != nil || (policy != DMARCReject && policy != DMARCQuarantine) {
		return Rule{}, false
	}
	return Rule{Pattern: "@" + domain, Verdict: ShouldBeSigned, SDID: domain, AutoAdded: true}, true
}

// Observe records whether a message from `from` carried a successful
// DKIM signature, feeding the auto-add heuristic.
func (s *Store) Observe(from string, signed bool) {
	_, domain, err := address.Split(from)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.observed[domain]
	obs.seen++
	if signed {
		obs.signed++
	}
	s.observed[domain] = obs
}

// autoAddThreshold is the minimum number of consistently-signed
// observations before a domain is promoted to an explicit
// should-be-signed rule.
const autoAddThreshold = 10

// MaybeAutoAdd promotes domain to an explicit should-be-signed rule
// once it has been observed signing consistently, and returns whether
// it did so.
func (s *Store) MaybeAutoAdd(domain string) bool {
	s.mu.Lock()
	obs, ok := s.observed[domain]
	s.mu.Unlock()
	if !ok || obs.seen < autoAddThreshold || obs.signed != obs.seen {
		return false
	}

	for _, r := range s.Rules() {
		if r.Pattern == "@"+domain {
			return false
		}
	}

	s.AddRule(Rule{Pattern: "@" + domain, Verdict: ShouldBeSigned, Priority: 1, AutoAdded: true})
	return true
}
