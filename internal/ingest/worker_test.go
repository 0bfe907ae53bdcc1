package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"wisp-edge/internal/blob"
	"wisp-edge/internal/cache"
	"wisp-edge/internal/controldb"
	"wisp-edge/internal/dlock"
	"wisp-edge/internal/fetch"
	"wisp-edge/internal/sitestore"
)

// testPDS is an httptest server that plays the part of a user's PDS plus
// the PLC directory (it serves its own did document), so a single server
// can satisfy ResolvePDS, getRecord, and getBlob for one test.
type testPDS struct {
	srv     *httptest.Server
	did     string
	record  json.RawMessage
	cid     string
	deleted bool

	blobs map[string][]byte
}

func newTestPDS(t *testing.T, did string) *testPDS {
	t.Helper()
	p := &testPDS{did: did, blobs: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+did {
			json.NewEncoder(w).Encode(map[string]any{
				"service": []map[string]string{
					{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": p.srv.URL},
				},
			})
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.getRecord", func(w http.ResponseWriter, r *http.Request) {
		if p.deleted {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"uri":   "at://" + did + "/place.wisp.site/blog",
			"cid":   p.cid,
			"value": p.record,
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.sync.getBlob", func(w http.ResponseWriter, r *http.Request) {
		cid := r.URL.Query().Get("cid")
		data, ok := p.blobs[cid]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// setManifest builds a single-file site manifest ("index.html") whose
// blob content id is computed from body, and registers the blob bytes so
// getBlob can serve them.
func (p *testPDS) setManifest(t *testing.T, siteDisplayName string, body []byte) {
	t.Helper()
	cid, err := blob.ComputeContentID(body)
	if err != nil {
		t.Fatalf("ComputeContentID: %v", err)
	}
	p.blobs[cid] = body

	fileNode := blob.FileNode{Blob: json.RawMessage(fmt.Sprintf(`{"$link":%q}`, cid)), MimeType: "text/html"}
	fileNodeJSON, _ := json.Marshal(fileNode)
	root := map[string]any{
		"entries": []map[string]any{
			{"name": "index.html", "file": json.RawMessage(fileNodeJSON)},
		},
	}
	mv := map[string]any{"site": siteDisplayName, "root": root, "createdAt": "2026-01-01T00:00:00Z"}
	raw, err := json.Marshal(mv)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	p.record = raw

	recordCID, err := blob.ComputeContentID(raw)
	if err != nil {
		t.Fatalf("ComputeContentID record: %v", err)
	}
	p.cid = recordCID
}

func newTestWorker(t *testing.T, pds *testPDS) (*Worker, *sitestore.Store, *controldb.DB) {
	t.Helper()
	fetch.AllowLoopbackForTesting(t)

	store := sitestore.New(t.TempDir())
	db, err := controldb.Open(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("controldb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w := &Worker{
		Identity: &Identity{PLCDirectory: pds.srv.URL},
		Store:    store,
		DB:       db,
		Lock:     dlock.New(db),
		Barrier:  cache.NewBarrier(),
		Caches:   cache.NewCaches(1<<20, 1<<20, 1<<20),
		HolderID: "test-holder",
	}
	return w, store, db
}

func TestHandleUpsertMaterializesAndUpsertsSite(t *testing.T) {
	pds := newTestPDS(t, "did:plc:alice")
	pds.setManifest(t, "Alice's Blog", []byte("<html>hi</html>"))
	w, store, db := newTestWorker(t, pds)

	op := Op{Action: "create", Collection: "place.wisp.site", Rkey: "blog"}
	if err := w.handleOp(context.Background(), "did:plc:alice", op); err != nil {
		t.Fatalf("handleOp: %v", err)
	}

	if !store.IsCached("did:plc:alice", "blog") {
		t.Fatal("expected site to be materialized")
	}
	data, _, err := store.ReadFile("did:plc:alice", "blog", "index.html")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "<html>hi</html>" {
		t.Fatalf("unexpected file content: %q", data)
	}

	sites, err := db.ListSites()
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 1 || sites[0].DisplayName != "Alice's Blog" {
		t.Fatalf("unexpected sites: %+v", sites)
	}
}

func TestHandleUpsertDropsMismatchedContentID(t *testing.T) {
	pds := newTestPDS(t, "did:plc:alice")
	pds.setManifest(t, "Alice's Blog", []byte("<html>hi</html>"))
	w, store, _ := newTestWorker(t, pds)

	op := Op{Action: "create", Collection: "place.wisp.site", Rkey: "blog", CID: "bafkreispoofedspoofedspoofedspoofedspoofedspoofedspoof"}
	if err := w.handleOp(context.Background(), "did:plc:alice", op); err != nil {
		t.Fatalf("handleOp should not error on a dropped spoofed event: %v", err)
	}
	if store.IsCached("did:plc:alice", "blog") {
		t.Fatal("spoofed event must not be materialized")
	}
}

func TestHandleDeleteNoopWhenStillPresent(t *testing.T) {
	pds := newTestPDS(t, "did:plc:alice")
	pds.setManifest(t, "Alice's Blog", []byte("<html>hi</html>"))
	w, store, _ := newTestWorker(t, pds)

	createOp := Op{Action: "create", Collection: "place.wisp.site", Rkey: "blog"}
	if err := w.handleOp(context.Background(), "did:plc:alice", createOp); err != nil {
		t.Fatalf("handleOp(create): %v", err)
	}

	deleteOp := Op{Action: "delete", Collection: "place.wisp.site", Rkey: "blog"}
	if err := w.handleOp(context.Background(), "did:plc:alice", deleteOp); err != nil {
		t.Fatalf("handleOp(delete): %v", err)
	}
	if !store.IsCached("did:plc:alice", "blog") {
		t.Fatal("delete event racing a still-present record must not remove the snapshot")
	}
}

func TestHandleDeleteRemovesWhenPDSConfirmsGone(t *testing.T) {
	pds := newTestPDS(t, "did:plc:alice")
	pds.setManifest(t, "Alice's Blog", []byte("<html>hi</html>"))
	w, store, db := newTestWorker(t, pds)

	createOp := Op{Action: "create", Collection: "place.wisp.site", Rkey: "blog"}
	if err := w.handleOp(context.Background(), "did:plc:alice", createOp); err != nil {
		t.Fatalf("handleOp(create): %v", err)
	}

	pds.deleted = true
	deleteOp := Op{Action: "delete", Collection: "place.wisp.site", Rkey: "blog"}
	if err := w.handleOp(context.Background(), "did:plc:alice", deleteOp); err != nil {
		t.Fatalf("handleOp(delete): %v", err)
	}
	if store.IsCached("did:plc:alice", "blog") {
		t.Fatal("expected snapshot to be removed")
	}
	sites, _ := db.ListSites()
	if len(sites) != 0 {
		t.Fatalf("expected site row to be deleted, got %+v", sites)
	}
}

func TestResolveAndMaterializeOnDemand(t *testing.T) {
	pds := newTestPDS(t, "did:plc:alice")
	pds.setManifest(t, "Alice's Blog", []byte("hello"))
	w, store, _ := newTestWorker(t, pds)

	if err := w.ResolveAndMaterialize(context.Background(), "did:plc:alice", "blog"); err != nil {
		t.Fatalf("ResolveAndMaterialize: %v", err)
	}
	if !store.IsCached("did:plc:alice", "blog") {
		t.Fatal("expected on-demand materialize to cache the site")
	}
}

func TestWorkerHealthReflectsEvents(t *testing.T) {
	pds := newTestPDS(t, "did:plc:alice")
	pds.setManifest(t, "Alice's Blog", []byte("hi"))
	w, _, _ := newTestWorker(t, pds)

	if h := w.Health(); h.Healthy {
		t.Fatal("worker should not be healthy before any connection")
	}

	w.connected.Store(true)
	w.markSeen()
	h := w.Health()
	if !h.Connected || !h.Healthy {
		t.Fatalf("expected connected+healthy, got %+v", h)
	}
	if h.TimeSinceLastEvent > time.Second {
		t.Fatalf("unexpected staleness: %v", h.TimeSinceLastEvent)
	}
}
