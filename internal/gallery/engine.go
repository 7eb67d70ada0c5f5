// Package gallery derives display renditions (thumbnails and web-optimized
// versions) from source images and decides which one a viewer should get.
//
// Derivations are cached through the artifact cache. Codec failures never
// surface to callers: the original file is served instead.
package gallery

import (
	"context"
	"errors"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/artifact"
	"github.com/fruitsalade/mediasync/internal/fingerprint"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
)

const (
	ThumbMaxSize = 400
	ThumbQuality = 80

	OptimizeQuality = 85
)

// ThumbOptions request a thumbnail. Zero fields take the defaults.
type ThumbOptions struct {
	Width   int
	Height  int
	Quality int
}

func (o ThumbOptions) withDefaults() ThumbOptions {
	if o.Width <= 0 {
		o.Width = ThumbMaxSize
	}
	if o.Height <= 0 {
		o.Height = ThumbMaxSize
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = ThumbQuality
	}
	return o
}

// OptimizeOptions request a web-optimized rendition.
type OptimizeOptions struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
	Format    string
}

// Rendition points at the bytes to serve for a request.
type Rendition struct {
	// Path is the file to serve. For derived renditions it is empty when
	// the artifact backend is not local; use Engine.Open then.
	Path        string             `json:"path,omitempty"`
	Artifact    *artifact.Artifact `json:"artifact,omitempty"`
	Original    bool               `json:"original"`
	ContentType string             `json:"content_type"`
}

// Engine derives and selects renditions.
type Engine struct {
	cache        *artifact.Cache
	codec        Codec
	fingerprints fingerprint.Service
	log          *zap.Logger
}

// NewEngine creates an engine. A nil codec means ImagingCodec.
func NewEngine(cache *artifact.Cache, codec Codec) *Engine {
	if codec == nil {
		codec = ImagingCodec{}
	}
	return &Engine{
		cache:        cache,
		codec:        codec,
		fingerprints: fingerprint.StatService{},
		log:          logging.Named("gallery"),
	}
}

// WithFingerprints replaces the fingerprint service. Nil keeps the
// filesystem one.
func (e *Engine) WithFingerprints(s fingerprint.Service) *Engine {
	if s != nil {
		e.fingerprints = s
	}
	return e
}

// Metadata returns the metadata of an image.
func (e *Engine) Metadata(path string) (Metadata, error) {
	return e.codec.Metadata(path)
}

// Thumbnail returns a cached thumbnail of path, generating it on first use.
func (e *Engine) Thumbnail(ctx context.Context, path string, opts ThumbOptions) (Rendition, error) {
	opts = opts.withDefaults()

	fp, err := e.fingerprints.Compute(path)
	if err != nil {
		return Rendition{}, err
	}
	if !media.Decodable(fp.Path) {
		return original(fp.Path), nil
	}

	req := artifact.Request{
		Fingerprint: fp,
		Kind:        artifact.KindThumbnail,
		Params: artifact.Params{
			"w": strconv.Itoa(opts.Width),
			"h": strconv.Itoa(opts.Height),
			"q": strconv.Itoa(opts.Quality),
		},
		Ext: ".jpg",
	}
	a, err := e.cache.GetOrCompute(ctx, req, func(context.Context) ([]byte, error) {
		return e.codec.Resize(fp.Path, ResizeOptions{
			Width:   opts.Width,
			Height:  opts.Height,
			Quality: opts.Quality,
			Format:  "jpeg",
		})
	})
	if err != nil {
		return e.fallback(ctx, fp.Path, "thumbnail", err)
	}
	return e.derived(a), nil
}

// Optimize returns a version of path that fits inside the given bounds.
// Images already within bounds are returned untouched; nothing is upscaled.
func (e *Engine) Optimize(ctx context.Context, path string, opts OptimizeOptions) (Rendition, error) {
	fp, err := e.fingerprints.Compute(path)
	if err != nil {
		return Rendition{}, err
	}
	if !media.Decodable(fp.Path) {
		return original(fp.Path), nil
	}

	meta, err := e.codec.Metadata(fp.Path)
	if err != nil {
		return e.fallback(ctx, fp.Path, "optimize", err)
	}
	if !exceeds(meta, opts.MaxWidth, opts.MaxHeight) {
		return original(fp.Path), nil
	}

	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = OptimizeQuality
	}
	format := normalizeFormat(opts.Format)

	req := artifact.Request{
		Fingerprint: fp,
		Kind:        artifact.KindOptimized,
		Params: artifact.Params{
			"w":   strconv.Itoa(opts.MaxWidth),
			"h":   strconv.Itoa(opts.MaxHeight),
			"q":   strconv.Itoa(opts.Quality),
			"fmt": format,
		},
		Ext: formatExt(format),
	}
	a, err := e.cache.GetOrCompute(ctx, req, func(context.Context) ([]byte, error) {
		return e.codec.Resize(fp.Path, ResizeOptions{
			Width:   opts.MaxWidth,
			Height:  opts.MaxHeight,
			Quality: opts.Quality,
			Format:  format,
		})
	})
	if err != nil {
		return e.fallback(ctx, fp.Path, "optimize", err)
	}
	return e.derived(a), nil
}

// Serve picks the rendition to send to a container of the given size:
// the original when it is small enough, otherwise a thumbnail for
// thumbnail-sized containers or an optimized version at twice the
// container size.
func (e *Engine) Serve(ctx context.Context, path string, containerW, containerH int) (Rendition, Fit, error) {
	fp, err := e.fingerprints.Compute(path)
	if err != nil {
		return Rendition{}, Fit{}, err
	}
	if !media.Decodable(fp.Path) {
		return original(fp.Path), Fit{}, nil
	}

	meta, err := e.codec.Metadata(fp.Path)
	if err != nil {
		r, err := e.fallback(ctx, fp.Path, "serve", err)
		return r, Fit{}, err
	}

	fit := BestFit(meta, containerW, containerH)
	if fit.Recommend == RecommendOriginal {
		return original(fp.Path), fit, nil
	}

	var r Rendition
	if containerW <= ThumbMaxSize && containerH <= ThumbMaxSize {
		r, err = e.Thumbnail(ctx, fp.Path, ThumbOptions{})
	} else {
		r, err = e.Optimize(ctx, fp.Path, OptimizeOptions{MaxWidth: 2 * containerW, MaxHeight: 2 * containerH})
	}
	return r, fit, err
}

// Open returns a reader for a rendition.
func (e *Engine) Open(ctx context.Context, r Rendition) (io.ReadCloser, int64, error) {
	if r.Artifact != nil {
		return e.cache.Open(ctx, r.Artifact)
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, 0, mediaerr.FromOS("open", r.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, mediaerr.FromOS("open", r.Path, err)
	}
	return f, info.Size(), nil
}

// fallback applies the failure policy: a missing or forbidden source and a
// cancelled request are errors, everything else serves the original.
func (e *Engine) fallback(ctx context.Context, path, op string, err error) (Rendition, error) {
	if ctx.Err() != nil {
		return Rendition{}, ctx.Err()
	}
	if errors.Is(err, mediaerr.ErrNotFound) || errors.Is(err, mediaerr.ErrAccessDenied) {
		return Rendition{}, err
	}
	e.log.Warn("derivation failed, serving original",
		zap.String("op", op),
		zap.String("path", path),
		zap.Error(err))
	return original(path), nil
}

func (e *Engine) derived(a *artifact.Artifact) Rendition {
	return Rendition{
		Path:        e.cache.LocalPath(a),
		Artifact:    a,
		ContentType: contentType(a.Location),
	}
}

func original(path string) Rendition {
	return Rendition{Path: path, Original: true, ContentType: contentType(path)}
}

func exceeds(meta Metadata, maxW, maxH int) bool {
	return (maxW > 0 && meta.Width > maxW) || (maxH > 0 && meta.Height > maxH)
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
