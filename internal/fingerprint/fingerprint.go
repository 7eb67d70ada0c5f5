// Package fingerprint derives cheap content identities from file metadata.
//
// A fingerprint is computed from the absolute path, size and modification
// time of a file. File contents are never read, so the cost is a single stat
// call. Two files with identical path, size and mtime are considered the same
// content; coarse mtime resolution can therefore produce a stale hit, which is
// accepted.
package fingerprint

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fruitsalade/mediasync/internal/mediaerr"
)

// Fingerprint identifies one version of a file.
type Fingerprint struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	IdentityKey string    `json:"identity_key"`
	Digest      string    `json:"digest"`
}

// Equal reports whether two fingerprints identify the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Digest == other.Digest && f.IdentityKey == other.IdentityKey
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f.Digest == ""
}

// Compute stats path and returns its fingerprint.
func Compute(path string) (Fingerprint, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Fingerprint{}, mediaerr.Failed("fingerprint", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Fingerprint{}, mediaerr.FromOS("fingerprint", abs, err)
	}
	if info.IsDir() {
		return Fingerprint{}, mediaerr.New(mediaerr.ErrNotFound, "fingerprint", abs, nil)
	}
	return FromInfo(abs, info.Size(), info.ModTime()), nil
}

// FromInfo builds a fingerprint from already-known metadata.
func FromInfo(absPath string, size int64, modTime time.Time) Fingerprint {
	key := absPath + "|" + strconv.FormatInt(size, 10) + "|" + strconv.FormatInt(modTime.UnixNano(), 10)
	return Fingerprint{
		Path:        absPath,
		Size:        size,
		ModTime:     modTime,
		IdentityKey: key,
		Digest:      strconv.FormatUint(xxhash.Sum64String(key), 16),
	}
}

// Service computes fingerprints. Engines default to StatService; see their
// WithFingerprints methods.
type Service interface {
	Compute(path string) (Fingerprint, error)
}

// StatService is the filesystem-backed Service.
type StatService struct{}

// Compute implements Service.
func (StatService) Compute(path string) (Fingerprint, error) {
	return Compute(path)
}
