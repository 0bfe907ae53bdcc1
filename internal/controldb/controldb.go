// Package controldb owns the shared relational database described in
// SPEC_FULL.md §3/§6: domain mappings, site rows, the advisory-lock table,
// webhook subscriptions/deliveries, and the observability event log.
// Migrations follow the teacher's internal/sqlmigrate pattern.
package controldb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"wisp-edge/internal/sqlmigrate"
)

// DB wraps the shared *sql.DB handle. Every component that touches the
// shared database (controldb itself, dlock, notify, obslog) shares one
// handle, matching the teacher's pattern of the analytics Recorder and
// webhook Notifier sharing a single SQLite file.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the shared database at dsn and applies pending
// migrations.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("controldb: open: %w", err)
	}
	db := &DB{DB: sqlDB}
	if err := sqlmigrate.Apply(sqlDB, migrations); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("controldb: migrate: %w", err)
	}
	return db, nil
}

var migrations = []func(*sql.Tx) error{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE site (
				user_id      TEXT NOT NULL,
				site_name    TEXT NOT NULL,
				display_name TEXT,
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL,
				PRIMARY KEY (user_id, site_name)
			);
			CREATE TABLE wisp_domain (
				domain    TEXT PRIMARY KEY,
				user_id   TEXT NOT NULL,
				site_name TEXT
			);
			CREATE TABLE custom_domain (
				id               TEXT PRIMARY KEY,
				domain           TEXT NOT NULL UNIQUE,
				user_id          TEXT NOT NULL,
				site_name        TEXT,
				verified         INTEGER NOT NULL DEFAULT 0,
				last_verified_at INTEGER
			);
		`)
		return err
	},
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE lock (
				key        TEXT PRIMARY KEY,
				holder     TEXT NOT NULL,
				expires_at INTEGER NOT NULL
			);
		`)
		return err
	},
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE webhook_subscriptions (
				user_id   TEXT NOT NULL,
				site_name TEXT NOT NULL,
				url       TEXT NOT NULL,
				secret    TEXT NOT NULL,
				events    TEXT NOT NULL,
				PRIMARY KEY (user_id, site_name, url)
			);
			CREATE TABLE webhook_deliveries (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type      TEXT NOT NULL,
				user_id         TEXT NOT NULL,
				site_name       TEXT NOT NULL,
				payload         TEXT NOT NULL,
				status          TEXT NOT NULL,
				attempts        INTEGER NOT NULL DEFAULT 0,
				last_attempt_at INTEGER,
				delivered_at    INTEGER,
				error           TEXT
			);
		`)
		return err
	},
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE obs_events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				ts         INTEGER NOT NULL,
				level      TEXT NOT NULL,
				source     TEXT NOT NULL,
				event_type TEXT,
				message    TEXT NOT NULL,
				attrs_json TEXT
			);
			CREATE INDEX idx_obs_events_ts ON obs_events(ts);
		`)
		return err
	},
}

// Site mirrors the `site` table row.
type Site struct {
	UserID      string
	SiteName    string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertSite inserts or updates a site row, as performed at the end of a
// successful ingestion event (spec.md §4.I).
func (db *DB) UpsertSite(userID, siteName, displayName string, now time.Time) error {
	_, err := db.Exec(`
		INSERT INTO site (user_id, site_name, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, site_name) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at
	`, userID, siteName, displayName, now.Unix(), now.Unix())
	return err
}

// DeleteSite removes the site row on a delete ingestion event.
func (db *DB) DeleteSite(userID, siteName string) error {
	_, err := db.Exec(`DELETE FROM site WHERE user_id = ? AND site_name = ?`, userID, siteName)
	return err
}

// ListSites returns every site row, for the one-shot backfill procedure.
func (db *DB) ListSites() ([]Site, error) {
	rows, err := db.Query(`SELECT user_id, site_name, display_name, created_at, updated_at FROM site`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Site
	for rows.Next() {
		var s Site
		var created, updated int64
		var display sql.NullString
		if err := rows.Scan(&s.UserID, &s.SiteName, &display, &created, &updated); err != nil {
			return nil, err
		}
		s.DisplayName = display.String
		s.CreatedAt = time.Unix(created, 0)
		s.UpdatedAt = time.Unix(updated, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// WispDomainLookup is the result of resolving a platform subdomain.
type WispDomainLookup struct {
	UserID   string
	SiteName sql.NullString
}

// LookupWispDomain resolves a platform-issued subdomain.
func (db *DB) LookupWispDomain(domain string) (WispDomainLookup, bool, error) {
	var l WispDomainLookup
	err := db.QueryRow(`SELECT user_id, site_name FROM wisp_domain WHERE domain = ?`, domain).
		Scan(&l.UserID, &l.SiteName)
	if err == sql.ErrNoRows {
		return WispDomainLookup{}, false, nil
	}
	return l, err == nil, err
}

// CustomDomainLookup is the result of resolving a user-provided domain.
type CustomDomainLookup struct {
	ID             string
	Domain         string
	UserID         string
	SiteName       sql.NullString
	Verified       bool
	LastVerifiedAt sql.NullInt64
}

// LookupCustomDomainByName resolves a custom domain by its lowercased
// hostname, requiring verified = true (spec.md §4.K step 4).
func (db *DB) LookupCustomDomainByName(domain string) (CustomDomainLookup, bool, error) {
	return db.queryCustomDomain(`SELECT id, domain, user_id, site_name, verified, last_verified_at FROM custom_domain WHERE domain = ? AND verified = 1`, domain)
}

// LookupCustomDomainByHash resolves a custom domain by its DNS-hash id
// (spec.md §4.K step 2); verification is not required here, since this is
// the synthetic CNAME target, not the user-facing hostname.
func (db *DB) LookupCustomDomainByHash(hash string) (CustomDomainLookup, bool, error) {
	return db.queryCustomDomain(`SELECT id, domain, user_id, site_name, verified, last_verified_at FROM custom_domain WHERE id = ?`, hash)
}

func (db *DB) queryCustomDomain(query, arg string) (CustomDomainLookup, bool, error) {
	var l CustomDomainLookup
	var verified int
	err := db.QueryRow(query, arg).Scan(&l.ID, &l.Domain, &l.UserID, &l.SiteName, &verified, &l.LastVerifiedAt)
	if err == sql.ErrNoRows {
		return CustomDomainLookup{}, false, nil
	}
	if err != nil {
		return CustomDomainLookup{}, false, err
	}
	l.Verified = verified != 0
	return l, true, nil
}

// VerifiedCustomDomains returns every custom_domain row currently marked
// verified, for the DNS Verifier's periodic pass.
func (db *DB) VerifiedCustomDomains() ([]CustomDomainLookup, error) {
	rows, err := db.Query(`SELECT id, user_id, domain, site_name, verified, last_verified_at FROM custom_domain WHERE verified = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CustomDomainLookup
	for rows.Next() {
		var l CustomDomainLookup
		var verified int
		if err := rows.Scan(&l.ID, &l.UserID, &l.Domain, &l.SiteName, &verified, &l.LastVerifiedAt); err != nil {
			return nil, err
		}
		l.Verified = verified != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetCustomDomainVerified updates the verified flag and last_verified_at
// timestamp for id.
func (db *DB) SetCustomDomainVerified(id string, verified bool, at time.Time) error {
	_, err := db.Exec(`UPDATE custom_domain SET verified = ?, last_verified_at = ? WHERE id = ?`, boolToInt(verified), at.Unix(), id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
