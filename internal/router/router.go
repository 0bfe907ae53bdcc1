// Package router implements the request dispatcher described in
// SPEC_FULL.md §4.K: hostname classification, domain lookup, the
// being-cached barrier check, on-demand materialization, layered routing
// (redirects, clean URLs, index/SPA/404 fallbacks), HTML rewriting under a
// path prefix, and response headers (cache-control, CORS, custom).
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"wisp-edge/internal/cache"
	"wisp-edge/internal/controldb"
	"wisp-edge/internal/metrics"
	"wisp-edge/internal/pathsafe"
	"wisp-edge/internal/redirects"
	"wisp-edge/internal/rewrite"
	"wisp-edge/internal/sitestore"
)

// ErrBadIdentifier is returned when a path-prefix host names an identifier
// that cannot be resolved to a repo (unknown handle, malformed DID).
var ErrBadIdentifier = errors.New("router: bad identifier")

// IdentityResolver resolves a user-facing identifier (a DID, passed
// through, or a handle, resolved via XRPC) to the canonical user id used
// as the site store's partition key.
type IdentityResolver interface {
	ResolveIdentifier(ctx context.Context, identifier string) (userID string, err error)
}

// ManifestResolver fetches and materializes a site on demand when a
// request arrives for a (user, site) pair that is not yet cached.
type ManifestResolver interface {
	ResolveAndMaterialize(ctx context.Context, userID, siteName string) error
}

var dnsHashHostPattern = regexp.MustCompile(`^([0-9a-f]{16})\.dns\.`)

// Router dispatches incoming requests to the correct site snapshot.
type Router struct {
	BaseHost string

	DB       *controldb.DB
	Store    *sitestore.Store
	Caches   *cache.Caches
	Domains  *cache.DomainCache
	Barrier  *cache.Barrier
	Identity IdentityResolver
	Manifest ManifestResolver
}

// target identifies the resolved (user, site) pair and whether the
// request should be served with a path prefix + HTML rewriting.
type target struct {
	userID   string
	siteName string
	base     string // e.g. "/did:plc:abc/blog/"; "" when no rewrite
	rewrite  bool
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := strings.ToLower(stripPort(r.Host))
	class := hostClass(host, rt.BaseHost)
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.ObserveRequest(class, rec.status, time.Since(start))
	}()

	// CORS headers must be present on every response per spec.md §7,
	// including the error exits below.
	rt.applyCORS(rec)

	tgt, err := rt.classify(ctx, host, r.URL.Path)
	if err != nil {
		if errors.Is(err, ErrBadIdentifier) {
			http.Error(rec, "bad identifier", http.StatusBadRequest)
			return
		}
		http.NotFound(rec, r)
		return
	}
	if tgt == nil {
		http.NotFound(rec, r)
		return
	}

	rt.serve(rec, r, *tgt)
}

// statusRecorder captures the response status code for metrics, since
// http.ResponseWriter has no read-back accessor.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush forwards to the underlying ResponseWriter's Flusher, if any, so
// wrapping a statusRecorder doesn't hide streaming support from
// compressWriter's own Flusher type assertion.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// hostClass labels a request by the hostname class it will be dispatched
// through (spec.md §4.K), for per-class request metrics. It mirrors
// classify's branch order but does no DB/cache lookups.
func hostClass(host, baseHost string) string {
	switch {
	case host == "sites."+baseHost:
		return "path-prefix"
	case dnsHashHostPattern.MatchString(host) && strings.HasSuffix(host, baseHost):
		return "dns-hash"
	case strings.HasSuffix(host, "."+baseHost):
		return "wisp-domain"
	default:
		return "custom-domain"
	}
}

// stripPort removes an optional :port suffix from a Host header value.
func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// classify implements the hostname classes in strict order (spec.md
// §4.K). A nil target with a nil error means "no mapping" (404).
func (rt *Router) classify(ctx context.Context, host, reqPath string) (*target, error) {
	sitesHost := "sites." + rt.BaseHost
	if host == sitesHost {
		return rt.classifyPathPrefix(ctx, reqPath)
	}

	if m := dnsHashHostPattern.FindStringSubmatch(host); m != nil && strings.HasSuffix(host, rt.BaseHost) {
		return rt.classifyDNSHash(m[1])
	}

	if strings.HasSuffix(host, "."+rt.BaseHost) {
		return rt.classifyWispDomain(host)
	}

	return rt.classifyCustomDomain(host)
}

// classifyPathPrefix handles class 1: sites.<base-host>/<identifier>/<site>/<rest>.
func (rt *Router) classifyPathPrefix(ctx context.Context, reqPath string) (*target, error) {
	trimmed := strings.TrimPrefix(reqPath, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 {
		return nil, nil
	}
	identifier, siteName := parts[0], parts[1]
	if !pathsafe.ValidIdentifier(identifier) {
		return nil, ErrBadIdentifier
	}
	userID, err := rt.Identity.ResolveIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentifier, err)
	}
	if !pathsafe.ValidSiteName(siteName) {
		return nil, nil
	}
	return &target{
		userID:   userID,
		siteName: siteName,
		base:     "/" + identifier + "/" + siteName + "/",
		rewrite:  true,
	}, nil
}

// classifyDNSHash handles class 2: <hash>.dns.<base-host>.
func (rt *Router) classifyDNSHash(hash string) (*target, error) {
	if m, ok := rt.Domains.Get("hash:" + hash); ok {
		if !m.Found {
			return nil, nil
		}
		return &target{userID: m.UserID, siteName: m.SiteName}, nil
	}
	row, ok, err := rt.DB.LookupCustomDomainByHash(hash)
	if err != nil {
		return nil, err
	}
	mapping := cache.DomainMapping{Found: ok}
	if ok {
		mapping.UserID = row.UserID
		mapping.SiteName = row.SiteName.String
	}
	rt.Domains.Put("hash:"+hash, mapping)
	if !ok || row.SiteName.String == "" {
		return nil, nil
	}
	return &target{userID: row.UserID, siteName: row.SiteName.String}, nil
}

// classifyWispDomain handles class 3: platform subdomains.
func (rt *Router) classifyWispDomain(host string) (*target, error) {
	if m, ok := rt.Domains.Get(host); ok {
		if !m.Found {
			return nil, nil
		}
		return &target{userID: m.UserID, siteName: m.SiteName}, nil
	}
	row, ok, err := rt.DB.LookupWispDomain(host)
	if err != nil {
		return nil, err
	}
	mapping := cache.DomainMapping{Found: ok}
	if ok {
		mapping.UserID = row.UserID
		mapping.SiteName = row.SiteName.String
	}
	rt.Domains.Put(host, mapping)
	if !ok || row.SiteName.String == "" {
		return nil, nil
	}
	return &target{userID: row.UserID, siteName: row.SiteName.String}, nil
}

// classifyCustomDomain handles class 4: verified user-provided domains.
func (rt *Router) classifyCustomDomain(host string) (*target, error) {
	if m, ok := rt.Domains.Get(host); ok {
		if !m.Found {
			return nil, nil
		}
		return &target{userID: m.UserID, siteName: m.SiteName}, nil
	}
	row, ok, err := rt.DB.LookupCustomDomainByName(host)
	if err != nil {
		return nil, err
	}
	mapping := cache.DomainMapping{Found: ok}
	if ok {
		mapping.UserID = row.UserID
		mapping.SiteName = row.SiteName.String
	}
	rt.Domains.Put(host, mapping)
	if !ok || row.SiteName.String == "" {
		return nil, nil
	}
	return &target{userID: row.UserID, siteName: row.SiteName.String}, nil
}

// serve implements the barrier check, on-demand materialize, and layered
// routing described in spec.md §4.K/§4.D.
func (rt *Router) serve(w http.ResponseWriter, r *http.Request, tgt target) {
	key := cache.SiteKey{UserID: tgt.userID, SiteName: tgt.siteName}
	if rt.Barrier.IsBeing(key) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(barrierRetryAfter.Seconds())))
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(siteUpdatingHTML)
		return
	}

	if !rt.Store.IsCached(tgt.userID, tgt.siteName) {
		if err := rt.Manifest.ResolveAndMaterialize(r.Context(), tgt.userID, tgt.siteName); err != nil {
			slog.Warn("router: on-demand materialize failed", "user", tgt.userID, "site", tgt.siteName, "err", err)
			http.NotFound(w, r)
			return
		}
	}

	settings, err := rt.Store.ReadSettings(tgt.userID, tgt.siteName)
	if err != nil {
		slog.Error("router: reading settings failed", "user", tgt.userID, "site", tgt.siteName, "err", err)
		settings = sitestore.DefaultSettings()
	}

	reqPath := r.URL.Path
	if tgt.base != "" {
		reqPath = strings.TrimPrefix(reqPath, strings.TrimSuffix(tgt.base, "/"))
	}
	cleanPath := pathsafe.SanitizePath(reqPath)

	if rules, err := rt.loadRedirectRules(tgt.userID, tgt.siteName); err == nil && len(rules) > 0 {
		exists := rt.Store.Exists(tgt.userID, tgt.siteName, cleanPath)
		if m, ok := redirects.MatchRequest(rules, r, exists); ok {
			rt.applyRedirect(w, r, tgt, m)
			return
		}
	}

	rt.serveContent(w, r, tgt, cleanPath, settings)
}

func (rt *Router) loadRedirectRules(userID, siteName string) ([]*redirects.Rule, error) {
	data, err := rt.Store.ReadRedirects(userID, siteName)
	if err != nil || data == nil {
		return nil, err
	}
	rules, errs := redirects.Parse(data)
	for _, e := range errs {
		slog.Debug("router: skipping malformed _redirects line", "err", e)
	}
	return rules, nil
}

func (rt *Router) applyRedirect(w http.ResponseWriter, r *http.Request, tgt target, m *redirects.Match) {
	location := m.Target
	if tgt.base != "" && strings.HasPrefix(location, "/") && !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		location = strings.TrimSuffix(tgt.base, "/") + location
	}
	if m.Rule.Status == 200 {
		// Internal rewrite: serve the target's content without changing
		// the URL the client sees.
		settings, _ := rt.Store.ReadSettings(tgt.userID, tgt.siteName)
		rt.serveContent(w, r, tgt, pathsafe.SanitizePath(m.Target), settings)
		return
	}
	if m.Rule.Status == http.StatusNotFound {
		// Serve the target's body with status 404, without a Location header.
		settings, _ := rt.Store.ReadSettings(tgt.userID, tgt.siteName)
		notFoundPath := pathsafe.SanitizePath(m.Target)
		if data, meta, ok := rt.tryFile(tgt, notFoundPath); ok {
			rt.writeFile(w, r, tgt, notFoundPath, data, meta, settings, http.StatusNotFound)
			return
		}
		rt.serveBuiltin404(w)
		return
	}
	status := m.Rule.Status
	if status == 0 {
		status = http.StatusMovedPermanently
	}
	http.Redirect(w, r, location, status)
}

// serveContent implements layered-routing steps 3-10 of spec.md §4.D:
// serve the file as-is, else try index files, else cleanUrls fallback,
// else spaMode, else custom404, else autodetected 404, else directory
// listing, else the built-in 404.
func (rt *Router) serveContent(w http.ResponseWriter, r *http.Request, tgt target, reqPath string, settings sitestore.Settings) {
	if data, meta, ok := rt.tryFile(tgt, reqPath); ok {
		rt.writeFile(w, r, tgt, reqPath, data, meta, settings, http.StatusOK)
		return
	}

	// Directory request: try index files.
	for _, idx := range settings.IndexFiles {
		candidate := path.Join(reqPath, idx)
		if data, meta, ok := rt.tryFile(tgt, candidate); ok {
			rt.writeFile(w, r, tgt, candidate, data, meta, settings, http.StatusOK)
			return
		}
	}

	if settings.CleanURLs && path.Ext(reqPath) == "" {
		if data, meta, ok := rt.tryFile(tgt, reqPath+".html"); ok {
			rt.writeFile(w, r, tgt, reqPath+".html", data, meta, settings, http.StatusOK)
			return
		}
		for _, idx := range settings.IndexFiles {
			candidate := path.Join(reqPath, idx)
			if data, meta, ok := rt.tryFile(tgt, candidate); ok {
				rt.writeFile(w, r, tgt, candidate, data, meta, settings, http.StatusOK)
				return
			}
		}
	}

	if settings.SPAMode != "" {
		if data, meta, ok := rt.tryFile(tgt, settings.SPAMode); ok {
			rt.writeFile(w, r, tgt, settings.SPAMode, data, meta, settings, http.StatusOK)
			return
		}
	}

	if settings.Custom404 != "" {
		if data, meta, ok := rt.tryFile(tgt, settings.Custom404); ok {
			rt.writeFile(w, r, tgt, settings.Custom404, data, meta, settings, http.StatusNotFound)
			return
		}
	}

	for _, autodetect := range []string{"404.html", "not_found.html"} {
		if data, meta, ok := rt.tryFile(tgt, autodetect); ok {
			rt.writeFile(w, r, tgt, autodetect, data, meta, settings, http.StatusNotFound)
			return
		}
	}

	if settings.DirectoryListing {
		rt.serveDirectoryListing(w, tgt, reqPath)
		return
	}

	rt.serveBuiltin404(w)
}

// tryFile reads reqPath from cache, falling back to the site store and
// populating the cache on a miss.
func (rt *Router) tryFile(tgt target, reqPath string) ([]byte, sitestore.FileMeta, bool) {
	key := cache.ContentKey{UserID: tgt.userID, SiteName: tgt.siteName, Path: reqPath}
	if data, ok := rt.Caches.Files.Get(key); ok {
		var meta sitestore.FileMeta
		if rawMeta, ok := rt.Caches.Meta.Get(key); ok {
			json.Unmarshal(rawMeta, &meta)
		}
		return data, meta, true
	}
	data, meta, err := rt.Store.ReadFile(tgt.userID, tgt.siteName, reqPath)
	if err != nil {
		return nil, sitestore.FileMeta{}, false
	}
	rt.Caches.Files.Put(key, data)
	if metaBytes, err := json.Marshal(meta); err == nil {
		rt.Caches.Meta.Put(key, metaBytes)
	}
	return data, meta, true
}

func (rt *Router) writeFile(w http.ResponseWriter, r *http.Request, tgt target, reqPath string, data []byte, meta sitestore.FileMeta, settings sitestore.Settings, status int) {
	contentType := meta.MimeType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(reqPath))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// onDiskGzip tracks whether data is still gzip-compressed as stored by
	// the site store (spec.md §4.F step 3); HTML rewriting needs the plain
	// bytes, so it decompresses before touching them.
	onDiskGzip := meta.Encoding == "gzip"
	isHTML := strings.HasPrefix(contentType, "text/html")
	if isHTML && tgt.rewrite {
		rewriteKey := cache.RewriteKey{ContentKey: cache.ContentKey{UserID: tgt.userID, SiteName: tgt.siteName, Path: reqPath}, Base: tgt.base}
		if cached, ok := rt.Caches.Rewritten.Get(rewriteKey); ok {
			data = cached
			onDiskGzip = false
		} else {
			plain := data
			if onDiskGzip {
				if decompressed, err := gunzipBytes(data); err == nil {
					plain = decompressed
				}
			}
			rewritten := rewrite.HTML(plain, strings.TrimSuffix(tgt.base, "/"), reqPath)
			rt.Caches.Rewritten.Put(rewriteKey, rewritten)
			data = rewritten
			onDiskGzip = false
		}
	}

	rt.applyCORS(w)
	rt.applyCacheControl(w, isHTML)
	rt.applyCustomHeaders(w, reqPath, settings)
	w.Header().Set("Content-Type", contentType)

	if onDiskGzip {
		// Already compressed on disk: serve it verbatim with
		// Content-Encoding: gzip when the client accepts it, otherwise
		// decompress. Never hand it to serveCompressed, which would
		// wrap the gzip bytes in a second layer of gzip.
		if acceptsGzip(r) {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Vary", "Accept-Encoding")
			w.WriteHeader(status)
			w.Write(data)
			return
		}
		decompressed, err := gunzipBytes(data)
		if err != nil {
			slog.Error("router: decompress cached file failed", "path", reqPath, "err", err)
			decompressed = data
		}
		w.WriteHeader(status)
		w.Write(decompressed)
		return
	}

	serveCompressed(w, r, "", status, data)
}

func (rt *Router) applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
}

func (rt *Router) applyCacheControl(w http.ResponseWriter, isHTML bool) {
	if isHTML {
		w.Header().Set("Cache-Control", "public, max-age=300")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
}

func (rt *Router) applyCustomHeaders(w http.ResponseWriter, reqPath string, settings sitestore.Settings) {
	for _, h := range settings.Headers {
		if h.Path == "" || globMatch(h.Path, "/"+reqPath) {
			w.Header().Set(h.Name, h.Value)
		}
	}
}

// globMatch supports the "*"/"?" glob syntax named in spec.md §3's
// settings table.
func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// serveDirectoryListing renders the contents of reqPath within the site's
// snapshot, mirroring the teacher's os.ReadDir-based listing.
func (rt *Router) serveDirectoryListing(w http.ResponseWriter, tgt target, reqPath string) {
	entries, err := rt.Store.ListDir(tgt.userID, tgt.siteName, reqPath)
	if err != nil {
		rt.serveBuiltin404(w)
		return
	}

	dirPath := "/" + strings.TrimPrefix(reqPath, "/")
	if !strings.HasSuffix(dirPath, "/") {
		dirPath += "/"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<!doctype html><title>Index of %s</title><h1>Index of %s</h1><ul>", html.EscapeString(dirPath), html.EscapeString(dirPath))
	if dirPath != "/" {
		fmt.Fprint(w, `<li><a href="../">../</a></li>`)
	}
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`, html.EscapeString(name), html.EscapeString(name))
	}
	fmt.Fprint(w, "</ul>")
}

func (rt *Router) serveBuiltin404(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write(builtin404HTML)
}

var builtin404HTML = []byte(`<!doctype html><html><head><meta charset="utf-8"><title>404 Not Found</title></head><body><h1>404</h1><p>The requested page was not found.</p></body></html>`)

// siteUpdatingHTML is served, with a no-store Cache-Control, while a site's
// snapshot is mid-swap (spec.md §6/§4.G, scenario S5).
var siteUpdatingHTML = []byte(`<!doctype html><html><head><meta charset="utf-8"><title>Site Updating</title></head><body><h1>Site Updating</h1><p>This site is being updated. Try again in a moment.</p></body></html>`)

// barrierRetryAfter is the Retry-After duration advertised on a 503
// "Site Updating" response.
const barrierRetryAfter = 3 * time.Second
