// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package dnsresolver resolves the TXT records DKIM key lookup and the
// DMARC policy heuristic need, with an optional DNSSEC-aware transport
// that reports whether an answer was authenticated.
package dnsresolver

import (
	"context"
	"errors"
)

// Answer is the result of a TXT lookup.
type Answer struct {
	// Data holds one entry per TXT RR found, each already joined from
	// its constituent character-strings.
	Data []string
	// Rcode is the raw DNS response code (0 = NOERROR).
	Rcode int
	// Secure is true when the answer was DNSSEC-validated by a
	// trusted resolver. Always false for the plain transport.
	Secure bool
	// Bogus is true when DNSSEC validation was attempted and failed.
	Bogus bool
}

// ErrNotFound is returned (wrapped) when a name does not exist or
// carries no TXT records; callers map it to a PermFail.
var ErrNotFound = errors.New("dnsresolver: name not found")

// Resolver resolves TXT records for DKIM keys and DMARC policy
// records.
type Resolver interface {
	TXT(ctx context.Context, name string) (Answer, error)
}
