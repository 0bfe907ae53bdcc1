// Package sitestore owns the on-disk site snapshot layout described in
// SPEC_FULL.md §3/§4.F: per-(user,site) directories materialized from a
// PDS manifest via the atomic rename-pair swap, with incremental blob
// reuse keyed by content id.
package sitestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wisp-edge/internal/blob"
	"wisp-edge/internal/fetch"
	"wisp-edge/internal/pathsafe"
)

// ErrNotCached is returned by reads against a site that has never been
// materialized.
var ErrNotCached = errors.New("sitestore: site not cached")

// Metadata is the sidecar written at F/.metadata.json on every swap.
type Metadata struct {
	RecordCID string            `json:"recordCid"`
	CachedAt  int64             `json:"cachedAt"`
	DID       string            `json:"did,omitempty"`
	Rkey      string            `json:"rkey,omitempty"`
	FileCIDs  map[string]string `json:"fileCids"`
}

// FileMeta is the optional sidecar written at F/<path>.meta.
type FileMeta struct {
	Encoding string `json:"encoding,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// maxConcurrentCopies and maxConcurrentDownloads bound the parallelism of
// an individual snapshot swap (spec.md §4.F step 4).
const (
	maxConcurrentCopies     = 10
	maxConcurrentDownloads  = 3
	blobFetchMaxBytes       = 500 << 20
	blobFetchTimeout        = 5 * time.Minute
)

// alreadyCompressedMIME holds MIME types that are already in their final
// compressed form (images, fonts, archives). A manifest leaf with one of
// these MIME types and encoding=gzip gets unwrapped on ingest: the gzip
// layer was never meant to reach the client, since browsers don't expect
// a Content-Encoding transform on top of an already-compressed format.
// Everything else (text/html, js, css, ...) is left gzipped on disk and
// served with Content-Encoding: gzip.
var alreadyCompressedMIME = map[string]bool{
	"image/png": true, "image/jpeg": true, "image/webp": true,
	"image/gif": true, "font/woff2": true, "font/woff": true,
	"application/zip": true, "application/gzip": true,
}

// PDSResolver resolves a (did, cid) blob reference to the PDS endpoint to
// fetch it from. The Ingestion Worker supplies the concrete resolution
// logic (component I); the Site Store only needs the resulting URL.
type PDSResolver interface {
	BlobURL(did, cid string) (string, error)
}

// Store manages the on-disk cache root.
type Store struct {
	root string
}

// New constructs a Store rooted at root (the `<cache-root>` of spec.md §3).
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) siteDir(userID, siteName string) string {
	return filepath.Join(s.root, userID, siteName)
}

// IsCached reports whether a site directory currently exists.
func (s *Store) IsCached(userID, siteName string) bool {
	_, err := os.Stat(s.siteDir(userID, siteName))
	return err == nil
}

// ReadMetadata reads F/.metadata.json.
func (s *Store) ReadMetadata(userID, siteName string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.siteDir(userID, siteName), ".metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrNotCached
		}
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("sitestore: parse metadata: %w", err)
	}
	return m, nil
}

// GetCachedFilePath applies path sanitization and returns the absolute
// on-disk path for a requested file, without checking existence.
func (s *Store) GetCachedFilePath(userID, siteName, reqPath string) string {
	clean := pathsafe.SanitizePath(reqPath)
	return filepath.Join(s.siteDir(userID, siteName), filepath.FromSlash(clean))
}

// ReadFile returns the bytes and optional sidecar metadata for a cached
// file path, or os.ErrNotExist.
func (s *Store) ReadFile(userID, siteName, reqPath string) ([]byte, FileMeta, error) {
	abs := s.GetCachedFilePath(userID, siteName, reqPath)
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, FileMeta{}, err
	}
	var meta FileMeta
	if raw, err := os.ReadFile(abs + ".meta"); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return data, meta, nil
}

// Exists reports whether a cached file (not sidecar) exists at reqPath.
func (s *Store) Exists(userID, siteName, reqPath string) bool {
	_, err := os.Stat(s.GetCachedFilePath(userID, siteName, reqPath))
	return err == nil
}

// DirEntry describes one file or subdirectory returned by ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// ListDir returns the contents of a directory within a cached site,
// directories first then files, alphabetical within each group, for the
// directoryListing fallback of spec.md §4.D step 9. The .metadata.json
// sidecar and per-file .meta sidecars are never listed.
func (s *Store) ListDir(userID, siteName, reqPath string) ([]DirEntry, error) {
	dir := s.GetCachedFilePath(userID, siteName, reqPath)
	osEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(osEntries))
	for _, e := range osEntries {
		name := e.Name()
		if name == ".metadata.json" || strings.HasSuffix(name, ".meta") {
			continue
		}
		var size int64
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				size = info.Size()
			}
		}
		entries = append(entries, DirEntry{Name: name, IsDir: e.IsDir(), Size: size})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// InvalidateAndRemove deletes a site's entire snapshot directory, used
// when an upstream delete event is confirmed (spec.md §4.I delete path).
func (s *Store) InvalidateAndRemove(userID, siteName string) error {
	return os.RemoveAll(s.siteDir(userID, siteName))
}

// isGzipMagic reports whether b begins with the gzip magic bytes.
func isGzipMagic(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// MaterializeParams carries everything the swap procedure needs about the
// incoming manifest.
type MaterializeParams struct {
	UserID    string
	SiteName  string
	RecordCID string
	DID       string
	Blobs     map[string]blob.BlobRef // path -> blob ref, from blob.ExtractBlobMap
	Resolver  PDSResolver
	Fetcher   *fetch.Options
}

// Materialize performs the atomic snapshot swap described in spec.md
// §4.F: it builds a temporary directory incrementally (reusing unchanged
// files from the previous snapshot by content id, downloading the rest),
// then replaces the live snapshot with a rename pair.
func (s *Store) Materialize(ctx context.Context, p MaterializeParams) error {
	finalDir := s.siteDir(p.UserID, p.SiteName)
	tmpDir := fmt.Sprintf("%s.tmp-%d-%s", finalDir, time.Now().UnixNano(), randomNonce())
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return fmt.Errorf("sitestore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prev, _ := s.ReadMetadata(p.UserID, p.SiteName)

	type job struct {
		path string
		ref  blob.BlobRef
	}
	var reuseJobs, downloadJobs []job
	for path, ref := range p.Blobs {
		if prevCID, ok := prev.FileCIDs[path]; ok && prevCID == ref.CID && s.Exists(p.UserID, p.SiteName, path) {
			reuseJobs = append(reuseJobs, job{path, ref})
		} else {
			downloadJobs = append(downloadJobs, job{path, ref})
		}
	}

	if err := runBounded(len(reuseJobs), maxConcurrentCopies, func(i int) error {
		j := reuseJobs[i]
		src := s.GetCachedFilePath(p.UserID, p.SiteName, j.path)
		dst := filepath.Join(tmpDir, filepath.FromSlash(j.path))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("reuse %s: %w", j.path, err)
		}
		if meta, err := os.ReadFile(src + ".meta"); err == nil {
			_ = os.WriteFile(dst+".meta", meta, 0644)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := runBounded(len(downloadJobs), maxConcurrentDownloads, func(i int) error {
		j := downloadJobs[i]
		return s.downloadOne(ctx, p, tmpDir, j.path, j.ref)
	}); err != nil {
		return err
	}

	fileCIDs := make(map[string]string, len(p.Blobs))
	for path, ref := range p.Blobs {
		fileCIDs[path] = ref.CID
	}
	meta := Metadata{RecordCID: p.RecordCID, CachedAt: time.Now().UnixMilli(), DID: p.DID, Rkey: p.SiteName, FileCIDs: fileCIDs}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sitestore: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".metadata.json"), metaBytes, 0644); err != nil {
		return fmt.Errorf("sitestore: write metadata: %w", err)
	}

	return s.swap(finalDir, tmpDir)
}

// swap performs the rename-pair in spec.md §4.F step 6, preferring to
// restore the backup over leaving the site directory missing.
func (s *Store) swap(finalDir, tmpDir string) error {
	backup := fmt.Sprintf("%s.old-%d", finalDir, time.Now().UnixNano())
	hadExisting := s.exists(finalDir)
	if hadExisting {
		if err := os.Rename(finalDir, backup); err != nil {
			return fmt.Errorf("sitestore: backup current snapshot: %w", err)
		}
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		if hadExisting && !s.exists(finalDir) {
			os.Rename(backup, finalDir)
		}
		return fmt.Errorf("sitestore: activate new snapshot: %w", err)
	}
	if hadExisting {
		os.RemoveAll(backup)
	}
	return nil
}

func (s *Store) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) downloadOne(ctx context.Context, p MaterializeParams, tmpDir, path string, ref blob.BlobRef) error {
	url, err := p.Resolver.BlobURL(p.DID, ref.CID)
	if err != nil {
		return fmt.Errorf("resolve blob url for %s: %w", path, err)
	}
	opts := fetch.Options{MaxBytes: blobFetchMaxBytes, Timeout: blobFetchTimeout}
	if p.Fetcher != nil {
		opts = *p.Fetcher
	}
	data, err := fetch.FetchBytes(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}
	encoding := ref.Encoding
	if encoding == "gzip" && isGzipMagic(data) && alreadyCompressedMIME[ref.MimeType] {
		decompressed, derr := gunzip(data)
		if derr == nil {
			data = decompressed
			encoding = ""
		}
	}
	dst := filepath.Join(tmpDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return err
	}
	if encoding != "" || ref.MimeType != "" {
		meta := FileMeta{Encoding: encoding, MimeType: ref.MimeType}
		metaBytes, _ := json.Marshal(meta)
		return os.WriteFile(dst+".meta", metaBytes, 0644)
	}
	return nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytesReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// runBounded runs n independent jobs through fn with at most concurrency
// in flight at once, returning the first error encountered.
func runBounded(n, concurrency int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
