// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/lieser/dkimverifier/internal/dkimcrypto"
	"github.com/lieser/dkimverifier/internal/dnsresolver"
	log "github.com/lieser/dkimverifier/internal/logging"
)

type stubResolver struct {
	calls int
	data  []string
	err   error
}

func (s *stubResolver) TXT(ctx context.Context, name string) (dnsresolver.Answer, error) {
	s.calls++
	if s.err != nil {
		return dnsresolver.Answer{}, s.err
	}
	return dnsresolver.Answer{Data: s.data}, nil
}

func testKeyRecord(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func TestStoreModeCacheHitsDNSOnce(t *testing.T) {
	resolver := &stubResolver{data: []string{testKeyRecord(t)}}
	store, err := Open("file:test_cache?mode=memory&cache=shared", resolver, ModeCache, log.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	if _, err := store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver called %d times, want 1", resolver.calls)
	}
}

func TestStoreModeCacheLastUsedAdvancesOnRead(t *testing.T) {
	resolver := &stubResolver{data: []string{testKeyRecord(t)}}
	store, err := Open("file:test_lastused?mode=memory&cache=shared", resolver, ModeCache, log.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	rec, ok, err := store.lookupCache("example.com", "sel")
	if err != nil || !ok {
		t.Fatalf("lookupCache after first fetch: %v, %v", ok, err)
	}
	first := rec.LastUsed

	// Force a later timestamp on the following read.
	if _, err := store.db.Exec(`UPDATE keys SET last_used_at = last_used_at - 10`); err != nil {
		t.Fatalf("backdating last_used_at: %v", err)
	}

	if _, err := store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	rec, ok, err = store.lookupCache("example.com", "sel")
	if err != nil || !ok {
		t.Fatalf("lookupCache after second fetch: %v, %v", ok, err)
	}
	if !rec.LastUsed.After(first.Add(-10_000_000_000)) || rec.LastUsed.Before(first) {
		t.Errorf("last_used_at did not advance: first=%v, second=%v", first, rec.LastUsed)
	}
}

func TestStoreCompareAndAlertFlagsChangedKey(t *testing.T) {
	resolver := &stubResolver{data: []string{testKeyRecord(t)}}
	store, err := Open("file:test_changed?mode=memory&cache=shared", resolver, ModeCompareAndAlert, log.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	res, err := store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	if res.CacheChanged {
		t.Error("CacheChanged should be false the first time a key is seen")
	}

	// Rotate to a different key on the resolver side.
	resolver.data = []string{testKeyRecord(t)}
	res, err = store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if !res.CacheChanged {
		t.Error("expected CacheChanged to be true after key rotation")
	}
}

func TestStoreModeOffAlwaysQueries(t *testing.T) {
	resolver := &stubResolver{data: []string{testKeyRecord(t)}}
	store, err := Open("file:test_off?mode=memory&cache=shared", resolver, ModeOff, log.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA)
	store.Fetch(ctx, "example.com", "sel", dkimcrypto.KeyRSA)
	if resolver.calls != 2 {
		t.Errorf("resolver called %d times, want 2", resolver.calls)
	}
}
