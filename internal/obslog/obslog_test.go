package obslog

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"wisp-edge/internal/sqlmigrate"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := sqlmigrate.Apply(db, []func(*sql.Tx) error{
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
			`)
			return err
		},
	}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestRecordAndQuery(t *testing.T) {
	db := testDB(t)
	s := NewStore(db)
	defer s.Close()

	s.Record(Event{Level: "ERROR", Source: "ingest", Message: "fetch record failed", Attrs: map[string]any{"did": "did:plc:alice"}})
	s.Record(Event{Level: "INFO", Source: "router", Message: "served request"})

	waitFor(t, func() bool {
		recs, err := s.Query(context.Background(), Filter{})
		return err == nil && len(recs) == 2
	})

	recs, err := s.Query(context.Background(), Filter{Level: "ERROR"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].Source != "ingest" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs[0].Attrs["did"] != "did:plc:alice" {
		t.Fatalf("unexpected attrs: %+v", recs[0].Attrs)
	}
}

func TestQueryFiltersBySearchAndSource(t *testing.T) {
	db := testDB(t)
	s := NewStore(db)
	defer s.Close()

	s.Record(Event{Level: "INFO", Source: "dnsverify", Message: "verification succeeded for example.com"})
	s.Record(Event{Level: "INFO", Source: "router", Message: "served request"})

	waitFor(t, func() bool {
		recs, err := s.Query(context.Background(), Filter{})
		return err == nil && len(recs) == 2
	})

	recs, err := s.Query(context.Background(), Filter{Source: "dnsverify", Search: "example.com"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 matching record, got %d", len(recs))
	}

	recs, err = s.Query(context.Background(), Filter{Search: "nomatch"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no matches, got %d", len(recs))
	}
}

func TestHandlerMirrorsLogRecords(t *testing.T) {
	db := testDB(t)
	s := NewStore(db)
	defer s.Close()

	base := slog.NewTextHandler(discard{}, nil)
	logger := slog.New(s.Handler("router", base))
	logger.Error("request failed", "status", 500)

	waitFor(t, func() bool {
		recs, err := s.Query(context.Background(), Filter{Level: "ERROR"})
		return err == nil && len(recs) == 1
	})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
