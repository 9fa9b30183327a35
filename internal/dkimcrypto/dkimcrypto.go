// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package dkimcrypto implements the cryptographic primitives DKIM
// verification needs: public key decoding for the k= key types
// defined by RFC 6376 (rsa) and RFC 8463 (ed25519), and signature
// verification over a precomputed message hash.
package dkimcrypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	_ "crypto/sha1"
	_ "crypto/sha256"
)

// KeyAlgorithm is the k= tag value of a DKIM key record / a= tag
// prefix of a DKIM-Signature.
type KeyAlgorithm string

const (
	KeyRSA     KeyAlgorithm = "rsa"
	KeyEd25519 KeyAlgorithm = "ed25519"
)

// HashAlgorithm is the hash half of the a= tag.
type HashAlgorithm string

const (
	HashSHA1   HashAlgorithm = "sha1"
	HashSHA256 HashAlgorithm = "sha256"
)

// CryptoHash returns the standard crypto.Hash for h, and false if h is
// not a hash algorithm this package knows how to use.
func (h HashAlgorithm) CryptoHash() (crypto.Hash, bool) {
	switch h {
	case HashSHA1:
		return crypto.SHA1, true
	case HashSHA256:
		return crypto.SHA256, true
	default:
		return 0, false
	}
}

// PublicKey is a decoded DKIM public key, algorithm-tagged so the
// verifier doesn't need a type switch at every call site.
type PublicKey struct {
	Algorithm KeyAlgorithm
	RSA       *rsa.PublicKey
	Ed25519   ed25519.PublicKey
}

// BitLen reports the key's effective strength in bits, used for the
// "signing key too weak" advisory.
func (k *PublicKey) BitLen() int {
	switch k.Algorithm {
	case KeyRSA:
		if k.RSA == nil {
			return 0
		}
		return k.RSA.N.BitLen()
	case KeyEd25519:
		return 256
	default:
		return 0
	}
}

// DecodePublicKey decodes the base64 p= tag value of a DKIM key
// record for the given key algorithm. RSA keys are accepted in either
// PKCS#1 or PKIX (X.509 SubjectPublicKeyInfo) form, matching what is
// actually published by real-world signers.
func DecodePublicKey(algo KeyAlgorithm, base64Data string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return nil, fmt.Errorf("dkimcrypto: malformed base64 key data: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("dkimcrypto: empty public key (key revoked)")
	}

	switch algo {
	case KeyRSA:
		pub, err := decodeRSAPublicKey(raw)
		if err != nil {
			return nil, err
		}
		return &PublicKey{Algorithm: KeyRSA, RSA: pub}, nil
	case KeyEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("dkimcrypto: ed25519 key has wrong size %d", len(raw))
		}
		return &PublicKey{Algorithm: KeyEd25519, Ed25519: ed25519.PublicKey(raw)}, nil
	default:
		return nil, fmt.Errorf("dkimcrypto: unsupported key algorithm %q", algo)
	}
}

func decodeRSAPublicKey(raw []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(raw); err == nil {
		return pub, nil
	}
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("dkimcrypto: malformed RSA public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("dkimcrypto: key algorithm mismatch: not an RSA key")
	}
	return rsaPub, nil
}

// Verify checks signature sig over digest hashed under hash, using
// key. digest must already be the output of hash.New().Sum(nil) over
// the canonicalized, signed data.
func Verify(key *PublicKey, hash crypto.Hash, digest, sig []byte) error {
	switch key.Algorithm {
	case KeyRSA:
		if key.RSA == nil {
			return errors.New("dkimcrypto: nil RSA key")
		}
		return rsa.VerifyPKCS1v15(key.RSA, hash, digest, sig)
	case KeyEd25519:
		if len(key.Ed25519) != ed25519.PublicKeySize {
			return errors.New("dkimcrypto: invalid ed25519 key")
		}
		if !ed25519.Verify(key.Ed25519, digest, sig) {
			return errors.New("dkimcrypto: ed25519 signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("dkimcrypto: unsupported key algorithm %q", key.Algorithm)
	}
}
