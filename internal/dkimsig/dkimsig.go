// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package dkimsig parses and validates one DKIM-Signature header field
// (RFC 6376 §3.5).
package dkimsig

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lieser/dkimverifier/internal/canon"
	"github.com/lieser/dkimverifier/internal/dkimcrypto"
	"github.com/lieser/dkimverifier/internal/errkind"
	"github.com/lieser/dkimverifier/internal/rfc5322"
)

var requiredTags = []string{"v", "a", "b", "bh", "d", "h", "s"}

// ZeroBMode selects how the b= tag is blanked out when recomputing the
// DKIM-Signature header field's own contribution to the header hash.
// The RFC text is read two different ways by real implementations;
// both are implemented so tests can exercise either.
type ZeroBMode int

const (
	// ZeroBValueOnly blanks only the b= tag's value, keeping the tag
	// name and surrounding syntax (matches the widely deployed
	// emersion/go-msgauth behavior).
	ZeroBValueOnly ZeroBMode = iota
	// ZeroBWholeTag blanks the entire "b=...;" segment including
	// adjacent folding whitespace.
	ZeroBWholeTag
)

// Error is a classified failure of signature parsing or validation. It
// always carries a stable Kind from package errkind.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

// Signature is a fully parsed and range-checked DKIM-Signature field.
type Signature struct {
	Version       string
	Algorithm     string // full a= value, e.g. "rsa-sha256"
	KeyAlgorithm  dkimcrypto.KeyAlgorithm
	HashAlgorithm dkimcrypto.HashAlgorithm
	Signature     []byte // decoded b=
	BodyHash      []byte // decoded bh=
	Domain        string // d=
	HeaderCanon   string // c= header half
	BodyCanon     string // c= body half
	SignedHeaders []string
	Identifier    string // i=, defaults to "@"+Domain
	KeyQueryTypes []string
	Selector      string // s=
	Timestamp     time.Time
	Expiration    time.Time
	BodyLength    int64 // l=, -1 if unspecified

	// field is the original, raw (unfolded-with-CRLF) header field
	// this Signature was parsed from, kept to recompute its own
	// canonicalized, b=-blanked contribution to the header hash.
	field rfc5322.Field
}

// Parse parses and validates one raw DKIM-Signature header field
// (Field.Raw including "DKIM-Signature:" and trailing CRLF).
func Parse(field rfc5322.Field) (*Signature, error) {
	colon := strings.IndexByte(string(field.Raw), ':')
	if colon < 0 {
		return nil, newError(errkind.MalformedTag, "dkimsig: missing colon in header field")
	}
	value := string(field.Raw[colon+1:])

	tags, err := rfc5322.ParseTagValueList(value)
	if err != nil {
		return nil, newError(errkind.MalformedTag, "dkimsig: "+err.Error())
	}

	for _, tag := range requiredTags {
		if _, ok := tags.Get(tag); !ok {
			return nil, newError(errkind.MissingTag, "dkimsig: missing required tag "+tag)
		}
	}

	sig := &Signature{field: field, BodyLength: -1}

	v, _ := tags.Get("v")
	sig.Version = rfc5322.StripWhitespace(v)
	if sig.Version != "1" {
		return nil, newError(errkind.UnsupportedVer, "dkimsig: unsupported signature version "+sig.Version)
	}

	a, _ := tags.Get("a")
	sig.Algorithm = rfc5322.StripWhitespace(a)
	algoParts := strings.SplitN(sig.Algorithm, "-", 2)
	if len(algoParts) != 2 {
		return nil, newError(errkind.MalformedTag, "dkimsig: malformed algorithm "+sig.Algorithm)
	}
	sig.KeyAlgorithm = dkimcrypto.KeyAlgorithm(algoParts[0])
	sig.HashAlgorithm = dkimcrypto.HashAlgorithm(algoParts[1])

	d, _ := tags.Get("d")
	sig.Domain = rfc5322.StripWhitespace(d)
	if sig.Domain == "" {
		return nil, newError(errkind.MalformedTag, "dkimsig: empty d= domain")
	}

	if i, ok := tags.Get("i"); ok {
		sig.Identifier = rfc5322.StripWhitespace(i)
		if !strings.HasSuffix(sig.Identifier, "@"+sig.Domain) && !strings.HasSuffix(sig.Identifier, "."+sig.Domain) {
			return nil, newError(errkind.BadDomainScope, "dkimsig: i= domain is not a subdomain of d=")
		}
	} else {
		sig.Identifier = "@" + sig.Domain
	}

	h, _ := tags.Get("h")
	sig.SignedHeaders = rfc5322.ParseTagList(h)
	hasFrom := false
	for _, name := range sig.SignedHeaders {
		if strings.EqualFold(name, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return nil, newError(errkind.FromNotSigned, "dkimsig: From header is not signed")
	}

	bh, _ := tags.Get("bh")
	sig.BodyHash, err = decodeBase64(bh)
	if err != nil {
		return nil, newError(errkind.MalformedTag, "dkimsig: malformed bh= "+err.Error())
	}

	b, _ := tags.Get("b")
	sig.Signature, err = decodeBase64(b)
	if err != nil {
		return nil, newError(errkind.MalformedTag, "dkimsig: malformed b= "+err.Error())
	}

	s, _ := tags.Get("s")
	sig.Selector = rfc5322.StripWhitespace(s)
	if sig.Selector == "" {
		return nil, newError(errkind.MalformedTag, "dkimsig: empty s= selector")
	}

	sig.HeaderCanon, sig.BodyCanon = parseCanon(tags)
	if sig.HeaderCanon != canon.Simple && sig.HeaderCanon != canon.Relaxed {
		return nil, newError(errkind.UnknownCanon, "dkimsig: unknown header canonicalization "+sig.HeaderCanon)
	}
	if sig.BodyCanon != canon.Simple && sig.BodyCanon != canon.Relaxed {
		return nil, newError(errkind.UnknownCanon, "dkimsig: unknown body canonicalization "+sig.BodyCanon)
	}

	if q, ok := tags.Get("q"); ok {
		sig.KeyQueryTypes = rfc5322.ParseTagList(q)
	} else {
		sig.KeyQueryTypes = []string{"dns/txt"}
	}

	if tStr, ok := tags.Get("t"); ok {
		ts, err := parseUnixTime(tStr)
		if err != nil {
			return nil, newError(errkind.MalformedTag, "dkimsig: malformed t= "+err.Error())
		}
		sig.Timestamp = ts
	}
	if xStr, ok := tags.Get("x"); ok {
		exp, err := parseUnixTime(xStr)
		if err != nil {
			return nil, newError(errkind.MalformedTag, "dkimsig: malformed x= "+err.Error())
		}
		sig.Expiration = exp
	}

	if l, ok := tags.Get("l"); ok {
		n, err := strconv.ParseInt(rfc5322.StripWhitespace(l), 10, 64)
		if err != nil || n < 0 {
			return nil, newError(errkind.MalformedTag, "dkimsig: malformed l=")
		}
		sig.BodyLength = n
	}

	return sig, nil
}

// CheckExpiration validates timestamps against now, allowing skew of
// slack in either direction.
func (s *Signature) CheckExpiration(now time.Time, skew time.Duration) error {
	if !s.Expiration.IsZero() && now.After(s.Expiration.Add(skew)) {
		return newError(errkind.SignatureExpired, "dkimsig: signature expired")
	}
	if !s.Timestamp.IsZero() && s.Timestamp.After(now.Add(skew)) {
		return newError(errkind.SignatureFuture, "dkimsig: signature timestamp is in the future")
	}
	return nil
}

// CanonicalizedSelf returns this signature's own header field,
// canonicalized under s.HeaderCanon, with the b= tag's value blanked
// per mode, ready to be the final entry hashed into the header digest
// (RFC 6376 §3.7).
func (s *Signature) CanonicalizedSelf(mode ZeroBMode) []byte {
	zeroed := zeroB(string(s.field.Raw), mode)
	canonField := canon.Header(s.HeaderCanon, []byte(zeroed))
	return []byte(strings.TrimRight(string(canonField), "\r\n"))
}

var reBValueOnly = regexp.MustCompile(`(?i)(b\s*=)[^;]*`)
var reBWholeTag = regexp.MustCompile(`(?i)\s*;?\s*b\s*=[^;]*;?`)

func zeroB(field string, mode ZeroBMode) string {
	if mode == ZeroBWholeTag {
		// Replace the whole "; b=...;" segment with a single ";" to
		// preserve tag-list syntax, leaving neighboring tags joined.
		return reBWholeTag.ReplaceAllString(field, ";")
	}
	return reBValueOnly.ReplaceAllString(field, "$1")
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(rfc5322.StripWhitespace(s))
}

func parseCanon(tags *rfc5322.TagValueList) (header, body string) {
	header, body = canon.Simple, canon.Simple
	c, ok := tags.Get("c")
	if !ok {
		return
	}
	parts := strings.SplitN(rfc5322.StripWhitespace(c), "/", 2)
	if parts[0] != "" {
		header = parts[0]
	}
	if len(parts) > 1 {
		body = parts[1]
	}
	return
}

func parseUnixTime(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(rfc5322.StripWhitespace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
