// Package artifact implements the content-addressed cache of derived media
// artifacts (thumbnails, renditions, hashes, palettes, OCR text).
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"github.com/fruitsalade/mediasync/internal/fingerprint"
)

// Kind names a derivation operation. Each kind gets its own storage directory.
type Kind string

const (
	KindThumbnail Kind = "thumbnail"
	KindOptimized Kind = "optimized"
	KindPHash     Kind = "phash"
	KindPalette   Kind = "palette"
	KindOCR       Kind = "ocr"
)

// Params are the operation parameters that, together with the fingerprint
// and kind, address an artifact.
type Params map[string]string

// Canonical encodes params with sorted keys so that equal parameter sets
// always produce the same string.
func (p Params) Canonical() string {
	v := make(url.Values, len(p))
	for k, val := range p {
		v.Set(k, val)
	}
	return v.Encode()
}

// Int returns an integer parameter, or fallback when missing or malformed.
func (p Params) Int(name string, fallback int) int {
	if s, ok := p[name]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// Request describes one artifact to get or compute.
type Request struct {
	Fingerprint fingerprint.Fingerprint
	Kind        Kind
	Params      Params
	// Ext is the payload file extension including the dot, e.g. ".jpg".
	Ext string
}

// Key returns the deterministic cache key for the request.
func (r Request) Key() string {
	sum := sha256.Sum256([]byte(r.Fingerprint.Digest + "|" + r.Fingerprint.IdentityKey + "|" + string(r.Kind) + "|" + r.Params.Canonical()))
	return hex.EncodeToString(sum[:16])
}

// Location returns the storage key of the request's payload.
func (r Request) Location() string {
	return string(r.Kind) + "/" + r.Key() + r.Ext
}

// Artifact is an immutable derived output.
type Artifact struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Kind        Kind                    `json:"kind"`
	Params      Params                  `json:"params,omitempty"`
	Key         string                  `json:"key"`
	Location    string                  `json:"location"`
	Size        int64                   `json:"size,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}
