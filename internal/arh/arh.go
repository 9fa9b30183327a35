// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package arh parses and formats Authentication-Results header fields
// (RFC 8601) and integrates an upstream ARH's DKIM verdict with a
// local reverification, matching the shape the host's own
// Authentication-Results check-modules use elsewhere in this
// codebase family.
package arh

import (
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// TrustPolicy controls how an upstream Authentication-Results header
// is combined with local reverification.
type TrustPolicy string

const (
	// TrustReplace discards the local verification result in favor of
	// a trusted upstream ARH (useful behind an MTA that already
	// verifies DKIM).
	TrustReplace TrustPolicy = "replace"
	// TrustAugment combines the two into one result: a non-pass
	// upstream result is returned in place of the local one, otherwise
	// the local result is returned. The other result is not kept
	// alongside.
	TrustAugment TrustPolicy = "augment"
)

// Parse parses the value of one Authentication-Results header (with
// or without the leading "Authentication-Results:" field name) into
// its authserv-id and results.
func Parse(value string) (authServID string, results []authres.Result, err error) {
	value = strings.TrimPrefix(value, "Authentication-Results:")
	return authres.Parse(strings.TrimSpace(value))
}

// Format renders results back into an Authentication-Results value for
// authServID, reusing authres's own formatter.
func Format(authServID string, results []authres.Result) string {
	return authres.Format(authServID, results)
}

// TrustedInstance is one authserv-id this deployment trusts ARH
// headers from, e.g. the inbound MTA's own hostname.
type TrustedInstance struct {
	AuthServID string
	Policy     TrustPolicy
}

// TrustList matches inbound Authentication-Results headers against a
// configured set of trusted instances.
type TrustList struct {
	Instances []TrustedInstance
}

// Lookup returns the trust policy for authServID, and whether it is
// trusted at all.
func (t *TrustList) Lookup(authServID string) (TrustPolicy, bool) {
	for _, inst := range t.Instances {
		if strings.EqualFold(inst.AuthServID, authServID) {
			return inst.Policy, true
		}
	}
	return "", false
}

// DKIMResultFor extracts the first DKIM result for domain from a
// parsed ARH results slice, or nil if none is present.
func DKIMResultFor(results []authres.Result, domain string) *authres.DKIMResult {
	for _, r := range results {
		if dr, ok := r.(*authres.DKIMResult); ok {
			if domain == "" || strings.EqualFold(dr.Domain, domain) {
				return dr
			}
		}
	}
	return nil
}

// BIMIIndicator extracts a BIMI "header.selector" auth-result comment
// value, if present, for display purposes. BIMI itself is not
// evaluated by this package, only surfaced if an upstream gateway
// already recorded an indicator decision.
func BIMIIndicator(results []authres.Result) (selector string, ok bool) {
	for _, r := range results {
		generic, isGeneric := r.(*authres.GenericResult)
		if !isGeneric || !strings.EqualFold(generic.Method, "bimi") {
			continue
		}
		for _, prop := range generic.Props {
			if strings.EqualFold(prop.Type, "header") && strings.EqualFold(prop.Name, "selector") {
				return prop.Value, true
			}
		}
	}
	return "", false
}

// Combine merges a local SignatureVerdict-derived DKIM result with any
// trusted upstream ARH result for the same domain, according to
// policy. It never fabricates a Pass that neither side produced.
func Combine(policy TrustPolicy, upstream, local *authres.DKIMResult) *authres.DKIMResult {
	switch {
	case upstream == nil:
		return local
	case local == nil:
		return upstream
	case policy == TrustReplace:
		return upstream
	default: // TrustAugment: prefer the stricter (non-pass) outcome
		if upstream.Value != authres.ResultPass {
			return upstream
		}
		return local
	}
}
