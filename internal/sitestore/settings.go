package sitestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// settingsPath is the on-disk location of a site's settings document
// relative to its snapshot root.
const settingsPath = ".wisp/settings.json"

// HeaderRule is a single custom-header declaration, glob-matched against
// the request path.
type HeaderRule struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path,omitempty"`
}

// Settings holds the per-site settings recognized by spec.md §3. Only one
// of SPAMode, DirectoryListing, Custom404 may be set; neither this package
// nor ingestion checks that invariant, and when several are set the
// router's fallback order decides which one applies.
type Settings struct {
	IndexFiles       []string     `json:"indexFiles,omitempty"`
	CleanURLs        bool         `json:"cleanUrls,omitempty"`
	DirectoryListing bool         `json:"directoryListing,omitempty"`
	SPAMode          string       `json:"spaMode,omitempty"`
	Custom404        string       `json:"custom404,omitempty"`
	Headers          []HeaderRule `json:"headers,omitempty"`
}

// DefaultSettings returns the settings in effect when a site has none.
func DefaultSettings() Settings {
	return Settings{IndexFiles: []string{"index.html", "index.htm"}}
}

// ReadSettings reads and parses a site's settings document, falling back
// to DefaultSettings when absent.
func (s *Store) ReadSettings(userID, siteName string) (Settings, error) {
	data, err := os.ReadFile(filepath.Join(s.siteDir(userID, siteName), filepath.FromSlash(settingsPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return Settings{}, err
	}
	var st Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return Settings{}, fmt.Errorf("sitestore: parse settings: %w", err)
	}
	if len(st.IndexFiles) == 0 {
		st.IndexFiles = DefaultSettings().IndexFiles
	}
	return st, nil
}

// ReadRedirects reads a site's /_redirects file, returning (nil, nil) if
// absent.
func (s *Store) ReadRedirects(userID, siteName string) ([]byte, error) {
	data, err := os.ReadFile(s.GetCachedFilePath(userID, siteName, "_redirects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
