// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package verifier drives a message's DKIM signatures through parsing,
// key lookup and cryptographic verification, and tie-breaks between
// multiple signatures on one message.
package verifier

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/lieser/dkimverifier/internal/canon"
	"github.com/lieser/dkimverifier/internal/dkimcrypto"
	"github.com/lieser/dkimverifier/internal/dkimkey"
	"github.com/lieser/dkimverifier/internal/dkimsig"
	"github.com/lieser/dkimverifier/internal/errkind"
	"github.com/lieser/dkimverifier/internal/exterrors"
	"github.com/lieser/dkimverifier/internal/keystore"
	log "github.com/lieser/dkimverifier/internal/logging"
	"github.com/lieser/dkimverifier/internal/rfc5322"
)

// Outcome is the classification of one signature's verification.
type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeSuccess  Outcome = "success"
	OutcomePermFail Outcome = "permfail"
	OutcomeTempFail Outcome = "tempfail"
)

// WeakHashPolicy controls how rsa-sha1 (and any other hash the
// operator considers weak) is treated.
type WeakHashPolicy string

const (
	WeakHashError   WeakHashPolicy = "error"
	WeakHashWarning WeakHashPolicy = "warning"
	WeakHashIgnore  WeakHashPolicy = "ignore"
)

// SignatureVerdict is the outcome of verifying one DKIM-Signature
// field.
type SignatureVerdict struct {
	Outcome    Outcome
	ErrorKind  string
	Domain     string // d=
	Identifier string // i=
	Selector   string // s=
	Timestamp  time.Time
	Warnings   []string // stable errkind identifiers for non-fatal policy advisories
	Err        error
}

// Options configures a verification run.
type Options struct {
	ZeroBMode      dkimsig.ZeroBMode
	ClockSkew      time.Duration
	WeakHash       WeakHashPolicy
	RequiredFields []string // additional fields that, if unsigned, demote success to permfail

	// StrictMode, when set, demotes an RSA key shorter than
	// MinStrictKeyBits to PermFail/KeyTooWeak instead of only warning.
	StrictMode bool
}

// Key-size thresholds (RFC 8301 §3.2): below MinWarnKeyBits the key is
// flagged KeySmall; below MinStrictKeyBits under StrictMode it is
// rejected outright as KeyTooWeak.
const (
	MinWarnKeyBits   = 2048
	MinStrictKeyBits = 1024
)

// DefaultOptions matches the reference implementation's defaults,
// including WeakHashError, which rejects rsa-sha1 like the reference;
// WeakHash can be set to WeakHashWarning or WeakHashIgnore instead.
func DefaultOptions() Options {
	return Options{ZeroBMode: dkimsig.ZeroBValueOnly, ClockSkew: 0, WeakHash: WeakHashError}
}

// Verifier verifies DKIM signatures on a message.
type Verifier struct {
	Keys *keystore.Store
	Log  log.Logger
	Opts Options
	Now  func() time.Time
}

// New builds a Verifier with sane defaults.
func New(keys *keystore.Store, logger log.Logger) *Verifier {
	return &Verifier{Keys: keys, Log: logger, Opts: DefaultOptions(), Now: time.Now}
}

// VerifyMessage parses raw for DKIM-Signature fields and verifies
// each, returning one SignatureVerdict per signature found (in header
// order) and the index of the winning one (tie-broken per
// Pick), or -1 if none are present.
func (v *Verifier) VerifyMessage(ctx context.Context, raw []byte) ([]SignatureVerdict, int, error) {
	msg, err := rfc5322.Parse(raw)
	if err != nil {
		return nil, -1, err
	}

	sigFields := rfc5322.FieldsByName(msg.Header, "DKIM-Signature")
	if len(sigFields) == 0 {
		return nil, -1, nil
	}

	verdicts := make([]SignatureVerdict, len(sigFields))
	for i, field := range sigFields {
		verdicts[i] = v.verifyOne(ctx, msg, field)
	}

	return verdicts, Pick(verdicts), nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) verifyOne(ctx context.Context, msg *rfc5322.Message, field rfc5322.Field) SignatureVerdict {
	sig, err := dkimsig.Parse(field)
	if err != nil {
		return classify(err, SignatureVerdict{Outcome: OutcomePermFail})
	}
	verdict := SignatureVerdict{Domain: sig.Domain, Identifier: sig.Identifier, Selector: sig.Selector, Timestamp: sig.Timestamp}

	if err := sig.CheckExpiration(v.now(), v.Opts.ClockSkew); err != nil {
		return classify(err, verdict)
	}

	hash, ok := sig.HashAlgorithm.CryptoHash()
	if !ok {
		verdict.Outcome = OutcomePermFail
		verdict.ErrorKind = errkind.WeakHashAlgorithm
		verdict.Err = &dkimsig.Error{Kind: errkind.WeakHashAlgorithm, Msg: "unsupported hash algorithm " + string(sig.HashAlgorithm)}
		return verdict
	}
	if sig.HashAlgorithm == dkimcrypto.HashSHA1 {
		switch v.Opts.WeakHash {
		case WeakHashIgnore:
			// proceed
		case WeakHashWarning:
			verdict.Warnings = append(verdict.Warnings, errkind.WeakHashAlgorithm)
		default:
			verdict.Outcome = OutcomePermFail
			verdict.ErrorKind = errkind.WeakHashAlgorithm
			verdict.Err = &dkimsig.Error{Kind: errkind.WeakHashAlgorithm, Msg: "rsa-sha1 rejected by policy"}
			return verdict
		}
	}

	keyRes, err := v.Keys.Fetch(ctx, sig.Domain, sig.Selector, sig.KeyAlgorithm)
	if err != nil {
		kind := errkind.KeyNotFound
		if exterrors.IsTemporary(err) {
			kind = errkind.DNSTemporary
		}
		if k, ok := exterrors.Fields(err)["kind"].(string); ok {
			kind = k
		}
		var kerr *dkimkey.Error
		if errors.As(err, &kerr) {
			kind = kerr.Kind
		}
		if kind == errkind.DNSTemporary || kind == errkind.DNSBogus {
			verdict.Outcome = OutcomeTempFail
		} else {
			verdict.Outcome = OutcomePermFail
		}
		verdict.ErrorKind = kind
		verdict.Err = err
		return verdict
	}
	if keyRes.CacheChanged {
		verdict.Outcome = OutcomePermFail
		verdict.ErrorKind = errkind.KeyMismatch
		verdict.Err = &dkimkey.Error{Kind: errkind.KeyMismatch, Msg: "DKIM key for this domain/selector changed since it was first cached"}
		return verdict
	}
	key := keyRes.Key

	if !key.AllowsHash(string(sig.HashAlgorithm)) {
		verdict.Outcome = OutcomePermFail
		verdict.ErrorKind = errkind.WeakHashAlgorithm
		verdict.Err = &dkimkey.Error{Kind: errkind.WeakHashAlgorithm, Msg: "key does not permit this hash algorithm"}
		return verdict
	}
	if key.KeyAlgorithm != sig.KeyAlgorithm {
		verdict.Outcome = OutcomePermFail
		verdict.ErrorKind = errkind.KeyTypeMismatch
		verdict.Err = &dkimkey.Error{Kind: errkind.KeyTypeMismatch, Msg: "key algorithm does not match signature"}
		return verdict
	}

	if key.KeyAlgorithm == dkimcrypto.KeyRSA {
		bits := key.PublicKey.BitLen()
		if bits < MinStrictKeyBits && v.Opts.StrictMode {
			verdict.Outcome = OutcomePermFail
			verdict.ErrorKind = errkind.KeyTooWeak
			verdict.Err = &dkimkey.Error{Kind: errkind.KeyTooWeak, Msg: "RSA key shorter than the strict-mode minimum"}
			return verdict
		}
		if bits < MinWarnKeyBits {
			verdict.Warnings = append(verdict.Warnings, errkind.KeySmall)
		}
	}

	bodyCanon := canon.Body(sig.BodyCanon, msg.Body)
	if sig.BodyLength >= 0 {
		if sig.BodyLength > int64(len(bodyCanon)) {
			verdict.Outcome = OutcomePermFail
			verdict.ErrorKind = errkind.TooLargeL
			verdict.Err = &dkimsig.Error{Kind: errkind.TooLargeL, Msg: "l= exceeds the actual canonicalized body length"}
			return verdict
		}
		if sig.BodyLength < int64(len(bodyCanon)) {
			verdict.Warnings = append(verdict.Warnings, errkind.PartialBodySigned)
		}
		bodyCanon = canon.LimitBody(bodyCanon, sig.BodyLength)
	}
	hasher := hash.New()
	hasher.Write(bodyCanon)
	if subtle.ConstantTimeCompare(hasher.Sum(nil), sig.BodyHash) != 1 {
		verdict.Outcome = OutcomePermFail
		verdict.ErrorKind = errkind.BodyHashMismatch
		verdict.Err = &dkimsig.Error{Kind: errkind.BodyHashMismatch, Msg: "body hash does not verify"}
		return verdict
	}

	headerHasher := hash.New()
	// RFC 6376 §5.4.2: for each name in h=, the *next* unconsumed
	// occurrence is taken starting from the bottom of the header block;
	// a second mention of the same name consumes the occurrence above
	// the one just used, and so on. remaining tracks, per header name,
	// how many trailing occurrences are still available to hand out.
	remaining := make(map[string]int)
	for _, name := range sig.SignedHeaders {
		nameKey := strings.ToLower(name)
		fields := rfc5322.FieldsByName(msg.Header, name)
		if _, seen := remaining[nameKey]; !seen {
			remaining[nameKey] = len(fields)
		}
		idx := remaining[nameKey] - 1
		if idx < 0 {
			continue
		}
		remaining[nameKey] = idx
		headerHasher.Write(canon.Header(sig.HeaderCanon, fields[idx].Raw))
	}
	headerHasher.Write(sig.CanonicalizedSelf(v.Opts.ZeroBMode))
	digest := headerHasher.Sum(nil)

	if err := dkimcrypto.Verify(key.PublicKey, hash, digest, sig.Signature); err != nil {
		verdict.Outcome = OutcomePermFail
		verdict.ErrorKind = errkind.BadSignature
		verdict.Err = &dkimsig.Error{Kind: errkind.BadSignature, Msg: "cryptographic verification failed: " + err.Error()}
		return verdict
	}

	verdict.Outcome = OutcomeSuccess
	return verdict
}

func classify(err error, verdict SignatureVerdict) SignatureVerdict {
	verdict.Err = err
	if kerr, ok := err.(*dkimsig.Error); ok {
		verdict.ErrorKind = kerr.Kind
	} else {
		verdict.ErrorKind = errkind.MalformedTag
	}
	verdict.Outcome = OutcomePermFail
	return verdict
}

// outcomeRank orders outcomes for tie-breaking: success beats tempfail
// beats permfail beats none.
func outcomeRank(o Outcome) int {
	switch o {
	case OutcomeSuccess:
		return 3
	case OutcomeTempFail:
		return 2
	case OutcomePermFail:
		return 1
	default:
		return 0
	}
}

// Pick returns the index of the best verdict among verdicts: highest
// outcomeRank wins, ties broken by the newest signing timestamp, then
// by earliest position in the header (first signature wins remaining
// ties). Returns -1 for an empty slice.
func Pick(verdicts []SignatureVerdict) int {
	best := -1
	for i, v := range verdicts {
		if best == -1 {
			best = i
			continue
		}
		switch {
		case outcomeRank(v.Outcome) > outcomeRank(verdicts[best].Outcome):
			best = i
		case outcomeRank(v.Outcome) == outcomeRank(verdicts[best].Outcome) && v.Timestamp.After(verdicts[best].Timestamp):
			best = i
		}
	}
	return best
}
