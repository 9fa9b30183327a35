// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package signrules

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"

	"github.com/lieser/dkimverifier/internal/dnsresolver"
)

// DMARCPolicyStrength is the coarse strictness read from a domain's
// DMARC record, used only to feed the should-be-signed heuristic.
// Evaluating DMARC alignment itself is out of scope for this package.
type DMARCPolicyStrength string

const (
	DMARCNone      DMARCPolicyStrength = "none"
	DMARCQuarantine DMARCPolicyStrength = "quarantine"
	DMARCReject    DMARCPolicyStrength = "reject"
	DMARCUnknown   DMARCPolicyStrength = "" // no DMARC record published
)

// FetchDMARCPolicy looks up the DMARC policy published for domain,
// falling back to the organizational domain (effective TLD+1) when
// the exact domain publishes nothing, per RFC 7489 §6.6.3.
func FetchDMARCPolicy(ctx context.Context, r dnsresolver.Resolver, domain string) (DMARCPolicyStrength, error) {
	rec, err := fetchRecord(ctx, r, "_dmarc."+domain)
	if err == nil {
		return strengthOf(rec.Policy), nil
	}

	orgDomain, orgErr := publicsuffix.EffectiveTLDPlusOne(domain)
	if orgErr != nil || orgDomain == domain {
		return DMARCUnknown, nil
	}
	rec, err = fetchRecord(ctx, r, "_dmarc."+orgDomain)
	if err != nil {
		return DMARCUnknown, nil
	}
	return strengthOf(rec.Policy), nil
}

func strengthOf(p dmarc.Policy) DMARCPolicyStrength {
	switch p {
	case dmarc.PolicyReject:
		return DMARCReject
	case dmarc.PolicyQuarantine:
		return DMARCQuarantine
	default:
		return DMARCNone
	}
}

func fetchRecord(ctx context.Context, r dnsresolver.Resolver, name string) (*dmarc.Record, error) {
	ans, err := r.TXT(ctx, name)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, txt := range ans.Data {
		if strings.HasPrefix(txt, "v=DMARC1") {
			candidates = append(candidates, txt)
		}
	}
	if len(candidates) != 1 {
		return nil, fmt.Errorf("signrules: %d DMARC records found at %s", len(candidates), name)
	}
	return dmarc.Parse(candidates[0])
}
