// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package keystore caches DKIM public keys fetched over DNS, with
// three modes controlling how much it trusts the cache versus a fresh
// DNSSEC-validated fetch.
package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lieser/dkimverifier/internal/dkimcrypto"
	"github.com/lieser/dkimverifier/internal/dkimkey"
	"github.com/lieser/dkimverifier/internal/dnsresolver"
	"github.com/lieser/dkimverifier/internal/errkind"
	"github.com/lieser/dkimverifier/internal/exterrors"
	"github.com/lieser/dkimverifier/internal/future"
	log "github.com/lieser/dkimverifier/internal/logging"
)

// Mode selects the key-store's trust behavior.
type Mode string

const (
	// ModeOff never caches; every lookup queries DNS directly.
	ModeOff Mode = "off"
	// ModeCache trusts the first key seen for a domain+selector and
	// serves it from the database on later lookups without
	// re-querying DNS.
	ModeCache Mode = "cache"
	// ModeCompareAndAlert always re-queries DNS, and if the freshly
	// fetched key differs from the cached one it reports a mismatch
	// instead of silently trusting the new key.
	ModeCompareAndAlert Mode = "compare-and-alert"
)

const schemaVersion = 1

// Record is one stored key, as returned by ListKeys.
type Record struct {
	Domain         string
	Selector       string
	RawKey         string
	FirstSeen      time.Time
	LastUsed       time.Time
	Secure         bool
	UserMarkedSafe bool
}

// Store persists DKIM keys and de-duplicates concurrent fetches for
// the same domain+selector.
type Store struct {
	db       *sql.DB
	resolver dnsresolver.Resolver
	mode     Mode
	logger   log.Logger

	mu       sync.Mutex
	inFlight map[string]*future.Future
}

// Open opens (creating if necessary) a SQLite-backed key store at
// dsn, e.g. "file:keys.sqlite?_pragma=busy_timeout(5000)".
func Open(dsn string, resolver dnsresolver.Resolver, mode Mode, logger log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, matches the SQLite-backed components elsewhere in this codebase

	s := &Store{db: db, resolver: resolver, mode: mode, logger: logger, inFlight: make(map[string]*future.Future)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS version (id INTEGER PRIMARY KEY CHECK (id = 1), value INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS keys (
	domain TEXT NOT NULL,
	selector TEXT NOT NULL,
	raw_key TEXT NOT NULL,
	first_seen INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL DEFAULT 0,
	secure INTEGER NOT NULL DEFAULT 0,
	user_marked_safe INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (domain, selector)
);
INSERT OR IGNORE INTO version (id, value) VALUES (1, ` + fmt.Sprint(schemaVersion) + `);
`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Result is the outcome of a key lookup.
type Result struct {
	Key          *dkimkey.Key
	RawText      string // the exact TXT record text, for byte-exact change comparison
	Secure       bool
	CacheChanged bool // true in compare-and-alert mode when DNS returned a different key than cached
}

// Fetch resolves the key for domain+selector, per the store's Mode.
func (s *Store) Fetch(ctx context.Context, domain, selector string, keyAlgoHint dkimcrypto.KeyAlgorithm) (*Result, error) {
	fetchKey := domain + "\x00" + selector

	s.mu.Lock()
	f, inflight := s.inFlight[fetchKey]
	if !inflight {
		f = future.New()
		s.inFlight[fetchKey] = f
	}
	s.mu.Unlock()

	if inflight {
		val, err := f.GetContext(ctx)
		if err != nil {
			return nil, err
		}
		return val.(*Result), nil
	}

	res, err := s.fetch(ctx, domain, selector, keyAlgoHint)
	f.Set(res, err)

	s.mu.Lock()
	delete(s.inFlight, fetchKey)
	s.mu.Unlock()

	return res, err
}

func (s *Store) fetch(ctx context.Context, domain, selector string, keyAlgoHint dkimcrypto.KeyAlgorithm) (*Result, error) {
	switch s.mode {
	case ModeOff:
		return s.fetchDNS(ctx, domain, selector, keyAlgoHint)
	case ModeCache:
		if rec, ok, err := s.lookupCache(domain, selector); err != nil {
			return nil, err
		} else if ok {
			key, err := dkimkey.Parse(rec.RawKey, keyAlgoHint)
			if err != nil {
				return nil, err
			}
			if err := s.touch(domain, selector); err != nil {
				s.logger.Error("failed to update DKIM key last-used timestamp", err)
			}
			return &Result{Key: key, Secure: rec.Secure}, nil
		}
		res, err := s.fetchDNS(ctx, domain, selector, keyAlgoHint)
		if err != nil {
			return nil, err
		}
		if err := s.store(domain, selector, res); err != nil {
			s.logger.Error("failed to persist DKIM key", err)
		}
		return res, nil
	case ModeCompareAndAlert:
		res, err := s.fetchDNS(ctx, domain, selector, keyAlgoHint)
		if err != nil {
			return nil, err
		}
		rec, ok, cacheErr := s.lookupCache(domain, selector)
		if cacheErr == nil && ok && rec.RawKey != res.RawText {
			res.CacheChanged = true
			s.logger.Printf("DKIM key for %s/%s changed since it was first cached", domain, selector)
		}
		if !ok {
			if err := s.store(domain, selector, res); err != nil {
				s.logger.Error("failed to persist DKIM key", err)
			}
		}
		return res, nil
	default:
		return nil, fmt.Errorf("keystore: unknown mode %q", s.mode)
	}
}

func (s *Store) fetchDNS(ctx context.Context, domain, selector string, keyAlgoHint dkimcrypto.KeyAlgorithm) (*Result, error) {
	name := selector + "._domainkey." + domain
	ans, err := s.resolver.TXT(ctx, name)
	if err != nil {
		kind := errkind.DNSTemporary
		if !exterrors.IsTemporary(err) {
			kind = errkind.KeyNotFound
		}
		return nil, exterrors.WithFields(err, map[string]interface{}{"kind": kind})
	}
	if ans.Bogus {
		return nil, exterrors.WithFields(fmt.Errorf("keystore: DNSSEC validation failed for %s", name),
			map[string]interface{}{"kind": errkind.DNSBogus})
	}
	if len(ans.Data) == 0 {
		return nil, exterrors.WithFields(fmt.Errorf("keystore: no key record for %s", name),
			map[string]interface{}{"kind": errkind.KeyNotFound})
	}

	raw := ans.Data[0]
	key, err := dkimkey.Parse(raw, keyAlgoHint)
	if err != nil {
		return nil, err
	}
	if !key.AllowsService() {
		return nil, fmt.Errorf("keystore: %w", &dkimkey.Error{Kind: errkind.ServiceTypeMismatch, Msg: "key does not permit email service"})
	}

	return &Result{Key: key, RawText: raw, Secure: ans.Secure}, nil
}

func (s *Store) lookupCache(domain, selector string) (*Record, bool, error) {
	row := s.db.QueryRow(`SELECT raw_key, first_seen, last_used_at, secure, user_marked_safe FROM keys WHERE domain = ? AND selector = ?`, domain, selector)
	var rec Record
	var firstSeen, lastUsed int64
	var secure, userSafe int
	err := row.Scan(&rec.RawKey, &firstSeen, &lastUsed, &secure, &userSafe)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: lookup: %w", err)
	}
	rec.Domain, rec.Selector = domain, selector
	rec.FirstSeen = time.Unix(firstSeen, 0)
	rec.LastUsed = time.Unix(lastUsed, 0)
	rec.Secure = secure != 0 || userSafe != 0
	rec.UserMarkedSafe = userSafe != 0
	return &rec, true, nil
}

// touch advances a cached key's last_used_at to the current time,
// letting ListKeys/the management CLI tell apart keys still in active
// use from stale ones worth pruning.
func (s *Store) touch(domain, selector string) error {
	_, err := s.db.Exec(`UPDATE keys SET last_used_at = ? WHERE domain = ? AND selector = ?`, time.Now().Unix(), domain, selector)
	return err
}

func (s *Store) store(domain, selector string, res *Result) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO keys (domain, selector, raw_key, first_seen, last_used_at, secure, user_marked_safe)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE((SELECT user_marked_safe FROM keys WHERE domain = ? AND selector = ?), 0))`,
		domain, selector, res.RawText, now, now, boolToInt(res.Secure), domain, selector)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeleteKey removes a cached key, forcing the next Fetch to hit DNS.
func (s *Store) DeleteKey(domain, selector string) error {
	_, err := s.db.Exec(`DELETE FROM keys WHERE domain = ? AND selector = ?`, domain, selector)
	return err
}

// MarkKeyAsSecure records a user override that treats this key as
// secure regardless of what DNSSEC reports.
func (s *Store) MarkKeyAsSecure(domain, selector string) error {
	_, err := s.db.Exec(`UPDATE keys SET user_marked_safe = 1 WHERE domain = ? AND selector = ?`, domain, selector)
	return err
}

// ListKeys returns every cached key.
func (s *Store) ListKeys() ([]Record, error) {
	rows, err := s.db.Query(`SELECT domain, selector, raw_key, first_seen, last_used_at, secure, user_marked_safe FROM keys ORDER BY domain, selector`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var firstSeen, lastUsed int64
		var secure, userSafe int
		if err := rows.Scan(&rec.Domain, &rec.Selector, &rec.RawKey, &firstSeen, &lastUsed, &secure, &userSafe); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.Unix(firstSeen, 0)
		rec.LastUsed = time.Unix(lastUsed, 0)
		rec.Secure = secure != 0
		rec.UserMarkedSafe = userSafe != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateKey forces a specific raw key value into the cache, used by
// operators recovering from a known-bad DNS response.
func (s *Store) UpdateKey(domain, selector, rawKey string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO keys (domain, selector, raw_key, first_seen, last_used_at, secure, user_marked_safe)
		VALUES (?, ?, ?, ?, ?, 0, COALESCE((SELECT user_marked_safe FROM keys WHERE domain = ? AND selector = ?), 0))`,
		domain, selector, rawKey, now, now, domain, selector)
	return err
}
