// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package dkimkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/lieser/dkimverifier/internal/dkimcrypto"
)

func testRSAKeyRecord(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func TestParseValidKey(t *testing.T) {
	k, err := Parse(testRSAKeyRecord(t), dkimcrypto.KeyRSA)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k.KeyAlgorithm != dkimcrypto.KeyRSA {
		t.Errorf("algo = %s", k.KeyAlgorithm)
	}
	if !k.AllowsService() {
		t.Error("AllowsService should default true")
	}
}

func TestParseRevokedKey(t *testing.T) {
	_, err := Parse("v=DKIM1; k=rsa; p=", dkimcrypto.KeyRSA)
	if err == nil {
		t.Fatal("expected error for revoked key")
	}
	kerr, ok := err.(*Error)
	if !ok || kerr.Kind == "" {
		t.Fatalf("expected classified *Error, got %v", err)
	}
}

func TestParseMissingP(t *testing.T) {
	_, err := Parse("v=DKIM1; k=rsa", dkimcrypto.KeyRSA)
	if err == nil {
		t.Fatal("expected error for missing p=")
	}
}

func TestAllowsHash(t *testing.T) {
	k := &Key{HashAlgos: []string{"sha256"}}
	if k.AllowsHash("sha1") {
		t.Error("should not allow sha1")
	}
	if !k.AllowsHash("sha256") {
		t.Error("should allow sha256")
	}
}

func TestJoinTXT(t *testing.T) {
	if got := JoinTXT([]string{"v=DKIM1; p=", "AAAA"}); got != "v=DKIM1; p=AAAA" {
		t.Errorf("JoinTXT = %q", got)
	}
}
