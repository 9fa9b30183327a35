// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package aggregator assembles the final verdict for a message from
// its DKIM signature verdicts, any trusted upstream ARH, and the
// should-be-signed sign-rule verdict, and persists it for later
// lookup and display.
package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emersion/go-msgauth/authres"

	"github.com/lieser/dkimverifier/internal/arh"
	"github.com/lieser/dkimverifier/internal/dnsresolver"
	"github.com/lieser/dkimverifier/internal/errkind"
	"github.com/lieser/dkimverifier/internal/signrules"
	"github.com/lieser/dkimverifier/internal/verifier"
)

// MessageVerdict is the fully assembled outcome for one message.
type MessageVerdict struct {
	From            string
	SignatureCount  int
	BestOutcome     verifier.Outcome
	BestDomain      string
	DKIMResult      *authres.DKIMResult
	SignRuleVerdict signrules.Verdict
	ShouldHaveBeenSignedButWasnt bool
	Warnings        []string
	CheckedAt       time.Time
}

// Assemble combines a verifier run's output with sign-rule policy for
// the message's From address. resolver feeds signrules.Store's DMARC
// fallback when no explicit rule matches from; it may be nil to skip
// that fallback.
func Assemble(ctx context.Context, from string, verdicts []verifier.SignatureVerdict, best int, rules *signrules.Store, resolver dnsresolver.Resolver) MessageVerdict {
	mv := MessageVerdict{From: from, SignatureCount: len(verdicts), CheckedAt: time.Now()}

	if best >= 0 {
		v := verdicts[best]
		mv.BestOutcome = v.Outcome
		mv.BestDomain = v.Domain
		mv.DKIMResult = toAuthres(v)
		mv.Warnings = append(mv.Warnings, v.Warnings...)
	} else {
		mv.BestOutcome = verifier.OutcomeNone
		mv.DKIMResult = &authres.DKIMResult{Value: authres.ResultNone}
	}

	if rules != nil {
		if rule, ok := rules.EffectiveVerdict(ctx, resolver, from); ok {
			mv.SignRuleVerdict = rule.Verdict
			if rule.Verdict == signrules.ShouldBeSigned && !satisfiesSDID(verdicts, rule.SDID) {
				mv.ShouldHaveBeenSignedButWasnt = true
				if rule.SDID != "" && hasAnySuccess(verdicts) {
					mv.Warnings = append(mv.Warnings, errkind.WrongSdid)
				} else {
					mv.Warnings = append(mv.Warnings, errkind.MissingSig)
				}
			}
		}
		rules.Observe(from, mv.BestOutcome == verifier.OutcomeSuccess)
	}

	return mv
}

// satisfiesSDID reports whether verdicts contains a successful
// signature from sdid specifically, or (when sdid is empty, i.e. the
// rule doesn't pin a required signing domain) any successful
// signature at all.
func satisfiesSDID(verdicts []verifier.SignatureVerdict, sdid string) bool {
	for _, v := range verdicts {
		if v.Outcome != verifier.OutcomeSuccess {
			continue
		}
		if sdid == "" || v.Domain == sdid {
			return true
		}
	}
	return false
}

func hasAnySuccess(verdicts []verifier.SignatureVerdict) bool {
	for _, v := range verdicts {
		if v.Outcome == verifier.OutcomeSuccess {
			return true
		}
	}
	return false
}

func toAuthres(v verifier.SignatureVerdict) *authres.DKIMResult {
	value := authres.ResultNone
	reason := ""
	switch v.Outcome {
	case verifier.OutcomeSuccess:
		value = authres.ResultPass
	case verifier.OutcomePermFail:
		value = authres.ResultFail
		if v.Err != nil {
			reason = v.Err.Error()
		}
	case verifier.OutcomeTempFail:
		value = authres.ResultTempError
		if v.Err != nil {
			reason = v.Err.Error()
		}
	}
	return &authres.DKIMResult{Value: value, Reason: reason, Domain: v.Domain, Identifier: v.Identifier}
}

// IntegrateARH applies a trust-list policy to combine mv's locally
// computed DKIM result with an upstream ARH result for the same
// message.
func IntegrateARH(mv MessageVerdict, trustList *arh.TrustList, authServID string, upstream []authres.Result) MessageVerdict {
	policy, trusted := trustList.Lookup(authServID)
	if !trusted {
		return mv
	}
	upstreamDKIM := arh.DKIMResultFor(upstream, mv.BestDomain)
	mv.DKIMResult = arh.Combine(policy, upstreamDKIM, mv.DKIMResult)
	return mv
}

// Store persists message verdicts, suppressing TempFail from sticking
// in the record since a later delivery attempt is expected to resolve
// it (the caller should retry verification rather than treat a
// TempFail as final).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the verdict database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("aggregator: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS verdicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_addr TEXT NOT NULL,
	domain TEXT NOT NULL,
	outcome TEXT NOT NULL,
	sign_rule_verdict TEXT NOT NULL,
	should_have_been_signed INTEGER NOT NULL,
	checked_at INTEGER NOT NULL
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("aggregator: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Persist stores mv, unless its BestOutcome is TempFail (transient
// failures are not recorded; the caller is expected to re-verify on
// the next delivery attempt).
func (s *Store) Persist(mv MessageVerdict) error {
	if mv.BestOutcome == verifier.OutcomeTempFail {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO verdicts (from_addr, domain, outcome, sign_rule_verdict, should_have_been_signed, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mv.From, mv.BestDomain, string(mv.BestOutcome), string(mv.SignRuleVerdict), boolToInt(mv.ShouldHaveBeenSignedButWasnt), mv.CheckedAt.Unix())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
