// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package dnsresolver

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/lieser/dkimverifier/internal/dkimkey"
	"github.com/lieser/dkimverifier/internal/exterrors"
)

// ValidatingResolver asks its upstream for DNSSEC validation (EDNS0 +
// the AD bit) and trusts the returned AD flag only when the upstream
// is a loopback address, matching the assumption that a validating
// resolver is running locally. Against a non-loopback server the AD
// flag is never trusted and Secure is always reported false.
type ValidatingResolver struct {
	Client *dns.Client
	Server string // "host:port"
}

// NewValidatingResolver builds a resolver that queries server (e.g.
// "127.0.0.1:53") with DNSSEC validation requested.
func NewValidatingResolver(server string) *ValidatingResolver {
	return &ValidatingResolver{Client: &dns.Client{}, Server: server}
}

func (r *ValidatingResolver) trustsAD() bool {
	host, _, err := net.SplitHostPort(r.Server)
	if err != nil {
		host = r.Server
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// TXT implements Resolver.
func (r *ValidatingResolver) TXT(ctx context.Context, name string) (Answer, error) {
	return r.txt(ctx, name, 0)
}

func (r *ValidatingResolver) txt(ctx context.Context, name string, depth int) (Answer, error) {
	if depth > maxCNAMEHops {
		return Answer{}, exterrors.WithTemporary(fmt.Errorf("dnsresolver: too many CNAME hops for %s", name), false)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true
	msg.SetEdns0(4096, true)
	msg.AuthenticatedData = true

	resp, _, err := r.Client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return Answer{}, exterrors.WithTemporary(fmt.Errorf("dnsresolver: exchange with %s failed: %w", r.Server, err), true)
	}

	ans := Answer{Rcode: resp.Rcode}
	if r.trustsAD() {
		ans.Secure = resp.AuthenticatedData
	}
	if resp.Rcode == dns.RcodeServerFailure && r.trustsAD() {
		// A validating resolver returns SERVFAIL for DNSSEC-bogus
		// answers; a plain resolver would just fail open instead.
		ans.Bogus = true
	}

	if resp.Rcode == dns.RcodeNameError {
		return ans, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return ans, exterrors.WithTemporary(fmt.Errorf("dnsresolver: rcode %s for %s", dns.RcodeToString[resp.Rcode], name), true)
	}

	var cname string
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.TXT:
			ans.Data = append(ans.Data, dkimkey.JoinTXT(rec.Txt))
		case *dns.CNAME:
			cname = rec.Target
		}
	}

	if len(ans.Data) == 0 && cname != "" {
		sub, err := r.txt(ctx, cname, depth+1)
		sub.Secure = sub.Secure && ans.Secure
		return sub, err
	}
	if len(ans.Data) == 0 {
		return ans, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ans, nil
}
