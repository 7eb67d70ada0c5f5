// Package media classifies files by extension.
package media

import (
	"path/filepath"
	"strings"
)

// Kind is the media type of a file, resolved once from its name.
type Kind int

const (
	Unknown Kind = iota
	Image
	Video
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind as its lowercase name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// imageExtensions are file extensions treated as images.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
	".tiff": true, ".tif": true, ".heic": true, ".heif": true, ".avif": true, ".svg": true,
}

// videoExtensions are file extensions treated as videos.
var videoExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".m4v": true, ".mkv": true, ".avi": true, ".ogv": true,
}

// decodable lists the image formats the built-in codec can decode.
var decodable = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tiff": true, ".tif": true,
}

// KindOf returns the media kind of a file name.
func KindOf(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExtensions[ext]:
		return Image
	case videoExtensions[ext]:
		return Video
	default:
		return Unknown
	}
}

// Decodable reports whether the built-in image codec can decode the file.
func Decodable(name string) bool {
	return decodable[strings.ToLower(filepath.Ext(name))]
}

// DefaultExtensions returns the default media allow-list.
func DefaultExtensions() []string {
	exts := make([]string, 0, len(imageExtensions)+len(videoExtensions))
	for e := range imageExtensions {
		exts = append(exts, e)
	}
	for e := range videoExtensions {
		exts = append(exts, e)
	}
	return exts
}

// AllowList filters file names by extension.
type AllowList struct {
	exts map[string]bool
}

// NewAllowList builds an allow-list; an empty list means DefaultExtensions.
func NewAllowList(exts []string) *AllowList {
	if len(exts) == 0 {
		exts = DefaultExtensions()
	}
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = true
	}
	return &AllowList{exts: m}
}

// Allows reports whether name has an allowed extension.
func (a *AllowList) Allows(name string) bool {
	return a.exts[strings.ToLower(filepath.Ext(name))]
}
