package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wisp-edge/internal/blob"
	"wisp-edge/internal/cache"
	"wisp-edge/internal/controldb"
	"wisp-edge/internal/dlock"
	"wisp-edge/internal/fetch"
	"wisp-edge/internal/metrics"
	"wisp-edge/internal/notify"
	"wisp-edge/internal/pathsafe"
	"wisp-edge/internal/sitestore"
)

// HealthyAfter is the staleness threshold past which Health.Healthy goes
// false even on an open connection (spec.md §4.I).
const HealthyAfter = 5 * time.Minute

// Health is the ingestion worker's self-reported status.
type Health struct {
	Connected          bool
	LastEventTime      time.Time
	TimeSinceLastEvent time.Duration
	Healthy            bool
}

// Worker drives the commit-stream subscription end to end: resolve the
// authoring PDS, verify against a spoof guard, mark the barrier,
// materialize the snapshot, and upsert the site row under the
// distributed lock.
type Worker struct {
	Subscriber Subscriber
	Identity   *Identity
	Store      *sitestore.Store
	DB         *controldb.DB
	Lock       *dlock.Locker
	Barrier    *cache.Barrier
	Caches     *cache.Caches
	// Notifier fires site.created/site.updated/site.deleted events; nil
	// disables event notification entirely (e.g. in tests).
	Notifier *notify.Notifier
	// HolderID identifies this edge instance as a distributed-lock
	// holder; it should be stable for the process lifetime and unique
	// across a cluster.
	HolderID string

	connected atomic.Bool
	mu        sync.Mutex
	lastEvent time.Time
}

// manifestValue is the site-manifest record shape from spec.md §3.
type manifestValue struct {
	Site      string       `json:"site"`
	Root      blob.DirNode `json:"root"`
	CreatedAt string       `json:"createdAt"`
	FileCount int          `json:"fileCount,omitempty"`
}

// Run blocks, consuming the commit stream until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if sub, ok := w.Subscriber.(*WSSubscriber); ok {
		sub.OnConnect = func() { w.connected.Store(true) }
		sub.OnDisconnect = func(error) { w.connected.Store(false) }
	}
	err := w.Subscriber.Run(ctx, w.handleEvent)
	w.connected.Store(false)
	return err
}

// Health reports the worker's current status, for the Admin/Health
// Surface and the Process Supervisor's /health aggregate.
func (w *Worker) Health() Health {
	w.mu.Lock()
	last := w.lastEvent
	w.mu.Unlock()

	connected := w.connected.Load()
	var since time.Duration
	if !last.IsZero() {
		since = time.Since(last)
	}
	healthy := connected && (last.IsZero() || since < HealthyAfter)
	return Health{Connected: connected, LastEventTime: last, TimeSinceLastEvent: since, Healthy: healthy}
}

func (w *Worker) handleEvent(ev Event) {
	for _, op := range ev.Ops {
		w.markSeen()
		if err := w.handleOp(context.Background(), ev.DID, op); err != nil {
			slog.Error("ingest: event processing failed",
				"did", ev.DID, "collection", op.Collection, "rkey", op.Rkey, "action", op.Action, "err", err)
		}
	}
}

func (w *Worker) markSeen() {
	w.mu.Lock()
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

func (w *Worker) handleOp(ctx context.Context, did string, op Op) error {
	switch op.Action {
	case "delete":
		return w.handleDelete(ctx, did, op)
	case "create", "update":
		return w.handleUpsert(ctx, did, op)
	default:
		return fmt.Errorf("ingest: unknown op action %q (malformed, dropped)", op.Action)
	}
}

// handleUpsert implements the create/update path of spec.md §4.I.
func (w *Worker) handleUpsert(ctx context.Context, did string, op Op) (err error) {
	result := "error"
	defer func() { metrics.CountIngestEvent(op.Action, result) }()

	siteName := op.Rkey
	if !pathsafe.ValidSiteName(siteName) {
		return fmt.Errorf("invalid site name %q (malformed, dropped)", siteName)
	}

	pds, err := w.Identity.ResolvePDS(ctx, did)
	if err != nil {
		return fmt.Errorf("resolve pds: %w", err)
	}
	rec, err := fetchRecord(ctx, pds, did, op.Collection, op.Rkey)
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}

	// Spoof guard: the event's declared content id, if any, must match
	// what the owning PDS actually serves.
	if op.CID != "" && op.CID != rec.CID {
		slog.Warn("ingest: dropping event with mismatched content id",
			"did", did, "rkey", op.Rkey, "event_cid", op.CID, "pds_cid", rec.CID)
		result = "dropped"
		return nil
	}

	var mv manifestValue
	if err := json.Unmarshal(rec.Value, &mv); err != nil {
		return fmt.Errorf("malformed manifest (dropped): %w", err)
	}
	if mv.Site == "" || len(mv.Site) > 512 {
		return fmt.Errorf("malformed manifest: invalid site display name (dropped)")
	}

	blobs, err := blob.ExtractBlobMap(&mv.Root)
	if err != nil {
		return fmt.Errorf("malformed manifest (dropped): %w", err)
	}

	eventType := "site.updated"
	if op.Action == "create" {
		eventType = "site.created"
	}
	if err := w.materializeAndUpsert(ctx, did, siteName, rec.CID, mv.Site, blobs, eventType); err != nil {
		return err
	}
	result = "upserted"
	return nil
}

func (w *Worker) materializeAndUpsert(ctx context.Context, did, siteName, recordCID, displayName string, blobs map[string]blob.BlobRef, eventType string) error {
	key := cache.SiteKey{UserID: did, SiteName: siteName}
	w.Barrier.Mark(key)
	defer w.Barrier.Unmark(key)

	swapStart := time.Now()
	err := w.Store.Materialize(ctx, sitestore.MaterializeParams{
		UserID:    did,
		SiteName:  siteName,
		RecordCID: recordCID,
		DID:       did,
		Blobs:     blobs,
		Resolver:  w.Identity,
	})
	if err != nil {
		metrics.ObserveSnapshotSwap("error", time.Since(swapStart))
		return fmt.Errorf("materialize: %w", err)
	}
	metrics.ObserveSnapshotSwap("ok", time.Since(swapStart))
	w.Caches.InvalidateSite(did, siteName)

	lockKey := dlock.KeyID(did, siteName)
	if err := w.Lock.TryAcquire(lockKey, w.HolderID, dlock.DefaultTTL); err != nil {
		if errors.Is(err, dlock.ErrHeld) {
			// Another edge in the cluster owns the write for this event;
			// our local cache is already current, which is all this
			// instance's readers need.
			return nil
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := w.Lock.Release(lockKey, w.HolderID); err != nil {
			slog.Error("ingest: lock release failed", "key", lockKey, "err", err)
		}
	}()

	if err := w.DB.UpsertSite(did, siteName, displayName, time.Now()); err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	if w.Notifier != nil && eventType != "" {
		w.Notifier.Fire(eventType, did, siteName, map[string]any{"recordCid": recordCID, "displayName": displayName})
	}
	return nil
}

// handleDelete implements the delete path of spec.md §4.I: the record's
// absence is itself re-verified against the PDS before any local state is
// torn down, since a delete event racing a fast create/delete/create
// cycle must never destroy a snapshot that is current again.
func (w *Worker) handleDelete(ctx context.Context, did string, op Op) (err error) {
	result := "error"
	defer func() { metrics.CountIngestEvent("delete", result) }()

	siteName := op.Rkey
	if !pathsafe.ValidSiteName(siteName) {
		return fmt.Errorf("invalid site name %q on delete (malformed, dropped)", siteName)
	}

	pds, err := w.Identity.ResolvePDS(ctx, did)
	if err != nil {
		return fmt.Errorf("resolve pds: %w", err)
	}
	_, err = fetchRecord(ctx, pds, did, op.Collection, op.Rkey)
	var statusErr *fetch.StatusError
	switch {
	case err == nil:
		slog.Info("ingest: delete event raced a re-create, record still present", "did", did, "rkey", siteName)
		result = "noop"
		return nil
	case errors.As(err, &statusErr) && statusErr.Code == 404:
		// confirmed gone; fall through to tear down local state.
	default:
		return fmt.Errorf("fetch record for delete check: %w", err)
	}

	key := cache.SiteKey{UserID: did, SiteName: siteName}
	w.Barrier.Mark(key)
	defer w.Barrier.Unmark(key)

	w.Caches.InvalidateSite(did, siteName)
	if err := w.Store.InvalidateAndRemove(did, siteName); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	if err := w.DB.DeleteSite(did, siteName); err != nil {
		slog.Error("ingest: deleting site row failed", "did", did, "site", siteName, "err", err)
	}
	if w.Notifier != nil {
		w.Notifier.Fire("site.deleted", did, siteName, nil)
	}
	result = "deleted"
	return nil
}

// ResolveAndMaterialize implements router.ManifestResolver: an on-demand
// fetch-and-materialize when the Router finds a site not yet cached.
// There is no untrusted declared content id to guard against here — the
// record is fetched directly from its PDS, which is already the spoof
// guard's source of truth.
func (w *Worker) ResolveAndMaterialize(ctx context.Context, userID, siteName string) error {
	if !pathsafe.ValidSiteName(siteName) {
		return fmt.Errorf("invalid site name %q", siteName)
	}
	pds, err := w.Identity.ResolvePDS(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve pds: %w", err)
	}
	rec, err := fetchRecord(ctx, pds, userID, siteManifestCollection, siteName)
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}
	var mv manifestValue
	if err := json.Unmarshal(rec.Value, &mv); err != nil {
		return fmt.Errorf("malformed manifest: %w", err)
	}
	if mv.Site == "" || len(mv.Site) > 512 {
		return fmt.Errorf("malformed manifest: invalid site display name")
	}
	blobs, err := blob.ExtractBlobMap(&mv.Root)
	if err != nil {
		return fmt.Errorf("malformed manifest: %w", err)
	}
	return w.materializeAndUpsert(ctx, userID, siteName, rec.CID, mv.Site, blobs, "")
}

// siteManifestCollection is the NSID of the collection ingestion
// subscribes to and on-demand resolve reads from.
const siteManifestCollection = "place.wisp.site"
