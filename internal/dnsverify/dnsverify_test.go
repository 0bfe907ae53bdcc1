package dnsverify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wisp-edge/internal/controldb"
)

func openTestDB(t *testing.T) *controldb.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "control.db")
	db, err := controldb.Open(dsn)
	if err != nil {
		t.Fatalf("controldb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertCustomDomain(t *testing.T, db *controldb.DB, id, domain, userID string, verified bool) {
	t.Helper()
	v := 0
	if verified {
		v = 1
	}
	_, err := db.Exec(`INSERT INTO custom_domain (id, domain, user_id, verified) VALUES (?, ?, ?, ?)`, id, domain, userID, v)
	if err != nil {
		t.Fatalf("insert custom_domain: %v", err)
	}
}

type fakeResolver struct {
	txt      map[string][]string
	cname    map[string]string
	cnameErr error
}

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.txt[name], nil
}

func (f fakeResolver) LookupCNAME(ctx context.Context, name string) (string, error) {
	return f.cname[name], f.cnameErr
}

func TestRunOnceVerifiesMatchingTXT(t *testing.T) {
	db := openTestDB(t)
	insertCustomDomain(t, db, "abc123", "example.com", "did:plc:u1", true)

	r := fakeResolver{txt: map[string][]string{"_wisp.example.com": {"did:plc:u1"}}}
	v := New(db, r, "wisp.place", time.Hour)

	c := v.RunOnce(context.Background())
	if c.Checked != 1 || c.Verified != 1 || c.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", c)
	}

	l, ok, err := db.LookupCustomDomainByName("example.com")
	if err != nil || !ok {
		t.Fatalf("lookup after verify: ok=%v err=%v", ok, err)
	}
	if !l.Verified {
		t.Fatal("expected domain to remain verified")
	}
}

func TestRunOnceMarksUnverifiedOnTXTMismatch(t *testing.T) {
	db := openTestDB(t)
	insertCustomDomain(t, db, "abc123", "example.com", "did:plc:u1", true)

	r := fakeResolver{txt: map[string][]string{"_wisp.example.com": {"did:plc:someone-else"}}}
	v := New(db, r, "wisp.place", time.Hour)

	c := v.RunOnce(context.Background())
	if c.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", c)
	}

	_, ok, err := db.LookupCustomDomainByName("example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("domain should no longer resolve as verified")
	}
}

func TestRunOnceToleratesCNAMELookupFailure(t *testing.T) {
	db := openTestDB(t)
	insertCustomDomain(t, db, "abc123", "example.com", "did:plc:u1", true)

	r := fakeResolver{
		txt:      map[string][]string{"_wisp.example.com": {"did:plc:u1"}},
		cnameErr: errors.New("SERVFAIL"),
	}
	v := New(db, r, "wisp.place", time.Hour)

	c := v.RunOnce(context.Background())
	if c.Verified != 1 {
		t.Fatalf("CNAME lookup failure should not affect TXT-based verification: %+v", c)
	}
}
