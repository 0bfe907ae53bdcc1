// Package ingest subscribes to the upstream repo-commit stream, resolves
// the authoring repo's PDS, re-fetches and verifies each changed record,
// and drives the Site Store's atomic materialize (SPEC_FULL.md/spec.md
// §4.I). It also supplies the concrete identity/manifest resolution the
// Router and Site Store need for on-demand resolve.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"wisp-edge/internal/fetch"
)

// ErrUnknownIdentifier is returned by ResolveIdentifier for a handle the
// identity directory does not know.
var ErrUnknownIdentifier = fmt.Errorf("ingest: unknown identifier")

// pdsCacheTTL bounds how long a resolved DID -> PDS endpoint mapping is
// trusted before being re-resolved, so a PDS migration is picked up
// without restarting the service.
const pdsCacheTTL = 10 * time.Minute

// Identity resolves AT Protocol identifiers to PDS endpoints, and
// satisfies router.IdentityResolver and sitestore.PDSResolver. It is the
// single point of contact with the public PLC directory and appview.
type Identity struct {
	// PLCDirectory is the base URL of the public PLC directory, e.g.
	// "https://plc.directory".
	PLCDirectory string
	// AppView is the base URL of an XRPC appview used to resolve handles
	// to DIDs, e.g. "https://public.api.bsky.app".
	AppView string

	mu    sync.Mutex
	cache map[string]pdsCacheEntry
}

type pdsCacheEntry struct {
	endpoint string
	expires  time.Time
}

// ResolveIdentifier implements router.IdentityResolver. A value starting
// with "did:" is accepted as-is; anything else is treated as a handle and
// resolved via com.atproto.identity.resolveHandle.
func (id *Identity) ResolveIdentifier(ctx context.Context, identifier string) (string, error) {
	if strings.HasPrefix(identifier, "did:") {
		return identifier, nil
	}
	u := id.AppView + "/xrpc/com.atproto.identity.resolveHandle?handle=" + url.QueryEscape(identifier)
	var resp struct {
		DID string `json:"did"`
	}
	if err := fetch.FetchJSON(ctx, u, &resp, fetch.Options{}); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownIdentifier, identifier, err)
	}
	if resp.DID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentifier, identifier)
	}
	return resp.DID, nil
}

// ResolvePDS resolves did to its current PDS base URL (no trailing
// slash), consulting the DID method appropriate for its prefix.
func (id *Identity) ResolvePDS(ctx context.Context, did string) (string, error) {
	id.mu.Lock()
	if e, ok := id.cache[did]; ok && time.Now().Before(e.expires) {
		id.mu.Unlock()
		return e.endpoint, nil
	}
	id.mu.Unlock()

	var doc didDocument
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		if err := fetch.FetchJSON(ctx, id.plcDirectory()+"/"+did, &doc, fetch.Options{}); err != nil {
			return "", fmt.Errorf("ingest: plc directory lookup: %w", err)
		}
	case strings.HasPrefix(did, "did:web:"):
		docURL, err := didWebDocumentURL(did)
		if err != nil {
			return "", err
		}
		if err := fetch.FetchJSON(ctx, docURL, &doc, fetch.Options{}); err != nil {
			return "", fmt.Errorf("ingest: did:web document fetch: %w", err)
		}
	default:
		return "", fmt.Errorf("ingest: unsupported did method: %s", did)
	}

	endpoint, err := doc.pdsEndpoint()
	if err != nil {
		return "", err
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	id.mu.Lock()
	if id.cache == nil {
		id.cache = make(map[string]pdsCacheEntry)
	}
	id.cache[did] = pdsCacheEntry{endpoint: endpoint, expires: time.Now().Add(pdsCacheTTL)}
	id.mu.Unlock()

	return endpoint, nil
}

func (id *Identity) plcDirectory() string {
	if id.PLCDirectory != "" {
		return id.PLCDirectory
	}
	return "https://plc.directory"
}

// BlobURL implements sitestore.PDSResolver: it resolves did's PDS and
// builds the com.atproto.sync.getBlob request URL for cid.
func (id *Identity) BlobURL(did, cid string) (string, error) {
	pds, err := id.ResolvePDS(context.Background(), did)
	if err != nil {
		return "", err
	}
	return pds + "/xrpc/com.atproto.sync.getBlob?did=" + url.QueryEscape(did) + "&cid=" + url.QueryEscape(cid), nil
}

// didDocument is the subset of a DID document this package reads: the
// service list naming the AtprotoPersonalDataServer endpoint.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (d didDocument) pdsEndpoint() (string, error) {
	for _, s := range d.Service {
		if s.Type == "AtprotoPersonalDataServer" {
			return s.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("ingest: did document has no AtprotoPersonalDataServer service")
}

// didWebDocumentURL rewrites a did:web identifier to its well-known
// document location: "did:web:example.com" -> ".../.well-known/did.json",
// "did:web:example.com:path:to" -> ".../path/to/did.json".
func didWebDocumentURL(did string) (string, error) {
	rest := strings.TrimPrefix(did, "did:web:")
	if rest == "" {
		return "", fmt.Errorf("ingest: empty did:web identifier")
	}
	parts := strings.Split(rest, ":")
	host, err := url.QueryUnescape(parts[0])
	if err != nil {
		return "", fmt.Errorf("ingest: invalid did:web host: %w", err)
	}
	if len(parts) == 1 {
		return "https://" + host + "/.well-known/did.json", nil
	}
	segments := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		seg, err := url.QueryUnescape(p)
		if err != nil {
			return "", fmt.Errorf("ingest: invalid did:web path segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return "https://" + host + "/" + strings.Join(segments, "/") + "/did.json", nil
}

// getRecordResponse is the com.atproto.repo.getRecord shape this package
// needs: the record's content id and its raw value payload.
type getRecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// fetchRecord re-fetches a record directly from its owning PDS, which is
// the spoof guard's source of truth (spec.md §4.I).
func fetchRecord(ctx context.Context, pds, did, collection, rkey string) (getRecordResponse, error) {
	u := pds + "/xrpc/com.atproto.repo.getRecord?repo=" + url.QueryEscape(did) +
		"&collection=" + url.QueryEscape(collection) + "&rkey=" + url.QueryEscape(rkey)
	var resp getRecordResponse
	if err := fetch.FetchJSON(ctx, u, &resp, fetch.Options{}); err != nil {
		return getRecordResponse{}, err
	}
	return resp, nil
}
