package sitestore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"io"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// randomNonce returns a short random hex string used to disambiguate
// concurrent temp directories for the same site.
func randomNonce() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
