// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package dkimverifier is the host-facing entry point: it wires the
// DNS resolver, key store, verifier, sign rules and aggregator
// together behind a single Verify call.
package dkimverifier

import (
	"context"
	"fmt"

	"github.com/emersion/go-msgauth/authres"

	"github.com/lieser/dkimverifier/internal/address"
	"github.com/lieser/dkimverifier/internal/aggregator"
	"github.com/lieser/dkimverifier/internal/arh"
	"github.com/lieser/dkimverifier/internal/dnsresolver"
	"github.com/lieser/dkimverifier/internal/keystore"
	log "github.com/lieser/dkimverifier/internal/logging"
	"github.com/lieser/dkimverifier/internal/rfc5322"
	"github.com/lieser/dkimverifier/internal/signrules"
	"github.com/lieser/dkimverifier/internal/verifier"
)

// CoreContext bundles the ambient dependencies every operation needs,
// in place of package-level globals.
type CoreContext struct {
	Log      log.Logger
	Keys     *keystore.Store
	Verdicts *aggregator.Store
	Rules    *signrules.Store
	Trust    *arh.TrustList
	Resolver dnsresolver.Resolver
	Verifier *verifier.Verifier
}

// New builds a CoreContext from already-opened stores and a resolver.
func New(logger log.Logger, keys *keystore.Store, verdicts *aggregator.Store, rules *signrules.Store, trust *arh.TrustList, resolver dnsresolver.Resolver) *CoreContext {
	return &CoreContext{
		Log:      logger,
		Keys:     keys,
		Verdicts: verdicts,
		Rules:    rules,
		Trust:    trust,
		Resolver: resolver,
		Verifier: verifier.New(keys, logger),
	}
}

// Verify verifies every DKIM signature on rawMessage, folds the
// result with sign-rule policy and any trusted upstream
// Authentication-Results header already present on the message, and
// persists the assembled verdict.
func (c *CoreContext) Verify(ctx context.Context, rawMessage []byte) (*aggregator.MessageVerdict, error) {
	verdicts, best, err := c.Verifier.VerifyMessage(ctx, rawMessage)
	if err != nil {
		return nil, fmt.Errorf("dkimverifier: %w", err)
	}

	from, err := extractFrom(rawMessage)
	if err != nil {
		c.Log.Debugf("could not extract From address: %v", err)
	}

	mv := aggregator.Assemble(ctx, from, verdicts, best, c.Rules, c.Resolver)

	if c.Trust != nil {
		if authServID, upstream, ok := extractARH(rawMessage); ok {
			mv = aggregator.IntegrateARH(mv, c.Trust, authServID, upstream)
		}
	}

	if c.Verdicts != nil {
		if err := c.Verdicts.Persist(mv); err != nil {
			c.Log.Error("failed to persist DKIM verdict", err)
		}
	}

	return &mv, nil
}

// ResetResult records a "none" verdict for from in the verdict store.
// Rows persisted earlier for from are kept; nothing is deleted.
func (c *CoreContext) ResetResult(from string) error {
	if c.Verdicts == nil {
		return nil
	}
	return c.Verdicts.Persist(aggregator.MessageVerdict{From: from, BestOutcome: "none"})
}

func extractFrom(raw []byte) (string, error) {
	msg, err := rfc5322.Parse(raw)
	if err != nil {
		return "", err
	}
	fields := rfc5322.FieldsByName(msg.Header, "From")
	if len(fields) == 0 {
		return "", fmt.Errorf("dkimverifier: no From header")
	}
	colon := indexByte(fields[0].Raw, ':')
	value := string(fields[0].Raw[colon+1:])
	value = rfc5322.StripWhitespace(value)
	mailbox, domain, err := address.Split(extractAngleAddr(value))
	if err != nil {
		return "", err
	}
	return mailbox + "@" + domain, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// extractAngleAddr pulls "a@b" out of a raw (already whitespace
// stripped) From value that may carry a display name, e.g.
// "JoeSHO<joe@example.com>".
func extractAngleAddr(value string) string {
	start, end := -1, -1
	for i, c := range value {
		if c == '<' {
			start = i
		}
		if c == '>' {
			end = i
		}
	}
	if start >= 0 && end > start {
		return value[start+1 : end]
	}
	return value
}

func extractARH(raw []byte) (authServID string, results []authres.Result, ok bool) {
	msg, err := rfc5322.Parse(raw)
	if err != nil {
		return "", nil, false
	}
	fields := rfc5322.FieldsByName(msg.Header, "Authentication-Results")
	if len(fields) == 0 {
		return "", nil, false
	}
	colon := indexByte(fields[0].Raw, ':')
	authServID, results, err = arh.Parse(string(fields[0].Raw[colon+1:]))
	if err != nil {
		return "", nil, false
	}
	return authServID, results, true
}
