// Package blob computes and parses content identifiers for manifest blobs,
// and walks a manifest's directory tree to produce a path -> CID map.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrNoContentID is returned by ExtractContentID when a blob reference
// carries no recognizable content-id shape.
var ErrNoContentID = errors.New("blob: no content id in reference")

// ComputeContentID returns a CIDv1 with the raw codec and a SHA-256
// multihash, serialized in base32-lower (prefix "bafkrei...").
func ComputeContentID(data []byte) (string, error) {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("blob: hashing content: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, h)
	return c.String(), nil
}

// ExtractContentID accepts a JSON blob reference in any of the shapes
// manifests use — {"$link": cid}, {"ref": {"$link": cid}},
// {"ref": "<cid>"}, {"cid": cid} — and returns the CID string. It returns
// ErrNoContentID for {}, null, a bare string, or a number.
func ExtractContentID(raw json.RawMessage) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ErrNoContentID
	}
	if link, ok := obj["$link"]; ok {
		return unquoteOrString(link)
	}
	if c, ok := obj["cid"]; ok {
		return unquoteOrString(c)
	}
	if ref, ok := obj["ref"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(ref, &nested); err == nil {
			if link, ok := nested["$link"]; ok {
				return unquoteOrString(link)
			}
		}
		return unquoteOrString(ref)
	}
	return "", ErrNoContentID
}

func unquoteOrString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", ErrNoContentID
	}
	if s == "" {
		return "", ErrNoContentID
	}
	return s, nil
}

// Parse validates that s is a well-formed CID string.
func Parse(s string) (cid.Cid, error) {
	return cid.Decode(s)
}

// Node mirrors the tagged-union directory-entry shape of the site manifest:
// exactly one of File or Dir is set.
type Node struct {
	Name string    `json:"name"`
	File *FileNode `json:"file,omitempty"`
	Dir  *DirNode  `json:"directory,omitempty"`
}

// FileNode is a manifest leaf: an opaque blob reference plus overrides.
type FileNode struct {
	Blob     json.RawMessage `json:"blob"`
	Encoding string          `json:"encoding,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Base64   bool            `json:"base64,omitempty"`
}

// DirNode is a manifest directory: an ordered list of entries.
type DirNode struct {
	Entries []Node `json:"entries"`
}

// BlobRef is one resolved path -> blob mapping.
type BlobRef struct {
	Path     string
	CID      string
	Encoding string
	MimeType string
	Base64   bool
}

// ExtractBlobMap walks root and returns path -> BlobRef for every file
// leaf. It returns an error if any leaf's blob reference has no
// extractable content id, or a path segment is invalid.
func ExtractBlobMap(root *DirNode) (map[string]BlobRef, error) {
	out := make(map[string]BlobRef)
	if err := walk(root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(dir *DirNode, prefix string, out map[string]BlobRef) error {
	for _, entry := range dir.Entries {
		if entry.Name == "" {
			return fmt.Errorf("blob: empty entry name under %q", prefix)
		}
		path := entry.Name
		if prefix != "" {
			path = prefix + "/" + entry.Name
		}
		switch {
		case entry.File != nil:
			id, err := ExtractContentID(entry.File.Blob)
			if err != nil {
				return fmt.Errorf("blob: %s: %w", path, err)
			}
			if _, err := Parse(id); err != nil {
				return fmt.Errorf("blob: %s: unparseable content id %q: %w", path, id, err)
			}
			out[path] = BlobRef{
				Path:     path,
				CID:      id,
				Encoding: entry.File.Encoding,
				MimeType: entry.File.MimeType,
				Base64:   entry.File.Base64,
			}
		case entry.Dir != nil:
			if err := walk(entry.Dir, path, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("blob: entry %q is neither file nor directory", path)
		}
	}
	return nil
}
