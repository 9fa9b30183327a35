// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package dkimkey parses and validates the tag-value record published
// at "<selector>._domainkey.<domain>" (RFC 6376 §3.6.1).
package dkimkey

import (
	"strings"

	"github.com/lieser/dkimverifier/internal/dkimcrypto"
	"github.com/lieser/dkimverifier/internal/errkind"
	"github.com/lieser/dkimverifier/internal/rfc5322"
)

// Error classifies a key-record parse or policy failure.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

// Key is a parsed DKIM key record.
type Key struct {
	Version      string   // v=, must be "DKIM1" if present
	Granularity  string   // g=, deprecated by RFC 8301 but still parsed
	HashAlgos    []string // h=, empty means "any"
	KeyAlgorithm dkimcrypto.KeyAlgorithm
	Notes        string // n=
	PublicKey    *dkimcrypto.PublicKey
	ServiceTypes []string // s=, empty/"*" means "any"
	Flags        []string // t=
}

// AllowsHash reports whether the key record permits hash algorithm h.
func (k *Key) AllowsHash(h string) bool {
	if len(k.HashAlgos) == 0 {
		return true
	}
	for _, a := range k.HashAlgos {
		if a == h {
			return true
		}
	}
	return false
}

// AllowsService reports whether the key record permits the "email"
// service type (the only one DKIM verification cares about).
func (k *Key) AllowsService() bool {
	if len(k.ServiceTypes) == 0 {
		return true
	}
	for _, s := range k.ServiceTypes {
		if s == "*" || s == "email" {
			return true
		}
	}
	return false
}

// HasFlag reports whether flag (e.g. "y" for testing mode, "s" for
// strict AUID subdomain matching) is set in t=.
func (k *Key) HasFlag(flag string) bool {
	for _, f := range k.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Parse parses a concatenated TXT record value into a Key, and decodes
// its public key material for the record's k= algorithm (rsa when k= is
// omitted). Unless keyAlgoHint (the algorithm named by the
// DKIM-Signature's a= tag) is empty, it must equal that algorithm.
func Parse(txt string, keyAlgoHint dkimcrypto.KeyAlgorithm) (*Key, error) {
	tags, err := rfc5322.ParseTagValueList(txt)
	if err != nil {
		return nil, newError(errkind.KeySyntaxInvalid, "dkimkey: "+err.Error())
	}

	k := &Key{KeyAlgorithm: dkimcrypto.KeyRSA}

	if v, ok := tags.Get("v"); ok {
		if len(tags.Order) > 0 && tags.Order[0] != "v" {
			return nil, newError(errkind.KeySyntaxInvalid, "dkimkey: v= must be the first tag")
		}
		k.Version = rfc5322.StripWhitespace(v)
		if k.Version != "DKIM1" {
			return nil, newError(errkind.KeySyntaxInvalid, "dkimkey: unsupported version "+k.Version)
		}
	}

	if g, ok := tags.Get("g"); ok {
		k.Granularity = rfc5322.StripWhitespace(g)
	}

	if h, ok := tags.Get("h"); ok {
		k.HashAlgos = rfc5322.ParseTagList(h)
	}

	if kAlgo, ok := tags.Get("k"); ok {
		k.KeyAlgorithm = dkimcrypto.KeyAlgorithm(rfc5322.StripWhitespace(kAlgo))
	}
	if k.KeyAlgorithm != keyAlgoHint && keyAlgoHint != "" {
		return nil, newError(errkind.KeyTypeMismatch, "dkimkey: key algorithm does not match signature's a= tag")
	}

	if n, ok := tags.Get("n"); ok {
		k.Notes = n
	}

	p, ok := tags.Get("p")
	if !ok {
		return nil, newError(errkind.KeySyntaxInvalid, "dkimkey: missing required p= tag")
	}
	if rfc5322.StripWhitespace(p) == "" {
		return nil, newError(errkind.KeyRevoked, "dkimkey: key revoked (empty p=)")
	}
	pub, err := dkimcrypto.DecodePublicKey(k.KeyAlgorithm, p)
	if err != nil {
		return nil, newError(errkind.KeySyntaxInvalid, "dkimkey: "+err.Error())
	}
	k.PublicKey = pub

	if s, ok := tags.Get("s"); ok {
		k.ServiceTypes = rfc5322.ParseTagList(s)
	}

	if t, ok := tags.Get("t"); ok {
		k.Flags = rfc5322.ParseTagList(t)
	}

	return k, nil
}

// JoinTXT concatenates the multiple character-strings of a TXT RR
// into the single value DKIM treats them as (RFC 6376 §3.6.2.2).
func JoinTXT(strs []string) string {
	return strings.Join(strs, "")
}
