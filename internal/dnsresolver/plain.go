// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package dnsresolver

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/lieser/dkimverifier/internal/dkimkey"
	"github.com/lieser/dkimverifier/internal/exterrors"
)

const maxCNAMEHops = 10

// PlainResolver performs ordinary (non-validating) DNS TXT lookups
// against the servers listed in a dns.ClientConfig, following CNAME
// chains itself since TXT lookups are frequently aliased.
type PlainResolver struct {
	Client *dns.Client
	Config *dns.ClientConfig
	group  singleflight.Group
}

// NewPlainResolver builds a resolver using cfg (as produced by
// dns.ClientConfigFromFile("/etc/resolv.conf")).
func NewPlainResolver(cfg *dns.ClientConfig) *PlainResolver {
	return &PlainResolver{
		Client: &dns.Client{},
		Config: cfg,
	}
}

// TXT implements Resolver.
func (r *PlainResolver) TXT(ctx context.Context, name string) (Answer, error) {
	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		return r.txt(ctx, name, 0)
	})
	if err != nil {
		return Answer{}, err
	}
	return v.(Answer), nil
}

func (r *PlainResolver) txt(ctx context.Context, name string, depth int) (Answer, error) {
	if depth > maxCNAMEHops {
		return Answer{}, exterrors.WithTemporary(fmt.Errorf("dnsresolver: too many CNAME hops for %s", name), false)
	}

	resp, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{Rcode: resp.Rcode}
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
		return r.txt(ctx, cname, depth+1)
	}
	if len(ans.Data) == 0 {
		return ans, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ans, nil
}

func (r *PlainResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if r.Config == nil || len(r.Config.Servers) == 0 {
		return nil, exterrors.WithTemporary(fmt.Errorf("dnsresolver: no DNS servers configured"), true)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.Config.Servers {
		addr := server + ":" + r.Config.Port
		resp, _, err := r.Client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, exterrors.WithTemporary(fmt.Errorf("dnsresolver: all servers failed: %w", lastErr), true)
}
