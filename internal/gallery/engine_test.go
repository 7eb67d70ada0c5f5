package gallery

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/mediasync/internal/artifact"
	"github.com/fruitsalade/mediasync/internal/fingerprint"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/storage/local"
)

// countingCodec counts resize calls made through the real codec.
type countingCodec struct {
	ImagingCodec
	resizes atomic.Int32
}

func (c *countingCodec) Resize(path string, opts ResizeOptions) ([]byte, error) {
	c.resizes.Add(1)
	return c.ImagingCodec.Resize(path, opts)
}

func newTestEngine(t *testing.T, codec Codec) *Engine {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "artifacts"), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	cache, err := artifact.New(backend, artifact.Options{})
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	return NewEngine(cache, codec)
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodedSize(t *testing.T, e *Engine, r Rendition) (int, int) {
	t.Helper()
	rc, _, err := e.Open(context.Background(), r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestMetadata(t *testing.T) {
	e := newTestEngine(t, nil)
	path := writePNG(t, t.TempDir(), "wide.png", 300, 150)

	meta, err := e.Metadata(path)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Width != 300 || meta.Height != 150 || meta.Format != "png" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.AspectRatio != 2 {
		t.Errorf("aspect ratio = %v, want 2", meta.AspectRatio)
	}
	if meta.Orientation != 1 || meta.SizeBytes == 0 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestMetadataErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	dir := t.TempDir()

	if _, err := e.Metadata(filepath.Join(dir, "missing.png")); !errors.Is(err, mediaerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.jpg")
	os.WriteFile(corrupt, []byte("definitely not a jpeg"), 0644)
	if _, err := e.Metadata(corrupt); !errors.Is(err, mediaerr.ErrUnreadable) {
		t.Errorf("expected ErrUnreadable, got %v", err)
	}
}

func TestThumbnailCachedOnce(t *testing.T) {
	codec := &countingCodec{}
	e := newTestEngine(t, codec)
	path := writePNG(t, t.TempDir(), "photo.png", 1200, 600)
	ctx := context.Background()

	r, err := e.Thumbnail(ctx, path, ThumbOptions{})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if r.Original {
		t.Fatal("expected a derived thumbnail")
	}
	if r.ContentType != "image/jpeg" {
		t.Errorf("content type = %q", r.ContentType)
	}
	if w, h := decodedSize(t, e, r); w != 400 || h != 200 {
		t.Errorf("thumbnail size = %dx%d, want 400x200", w, h)
	}

	again, err := e.Thumbnail(ctx, path, ThumbOptions{Width: 400, Height: 400, Quality: 80})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if again.Artifact != r.Artifact {
		t.Error("expected the cached artifact for an equivalent request")
	}
	if codec.resizes.Load() != 1 {
		t.Errorf("codec resized %d times, want 1", codec.resizes.Load())
	}
}

// pinnedFingerprints reports every file as unchanged since a fixed time.
type pinnedFingerprints struct{}

func (pinnedFingerprints) Compute(path string) (fingerprint.Fingerprint, error) {
	return fingerprint.FromInfo(path, 1, time.Unix(1700000000, 0)), nil
}

func TestThumbnailUsesInjectedFingerprints(t *testing.T) {
	codec := &countingCodec{}
	e := newTestEngine(t, codec).WithFingerprints(pinnedFingerprints{})
	dir := t.TempDir()
	path := writePNG(t, dir, "photo.png", 1200, 600)
	ctx := context.Background()

	first, err := e.Thumbnail(ctx, path, ThumbOptions{})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	// A rewrite is invisible to the pinned service, so the thumbnail is reused.
	writePNG(t, dir, "photo.png", 600, 600)
	second, err := e.Thumbnail(ctx, path, ThumbOptions{})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if second.Artifact != first.Artifact || codec.resizes.Load() != 1 {
		t.Errorf("expected the pinned fingerprint to key the cache, resizes=%d", codec.resizes.Load())
	}
}

func TestThumbnailFallsBackToOriginal(t *testing.T) {
	e := newTestEngine(t, nil)
	corrupt := filepath.Join(t.TempDir(), "broken.jpg")
	os.WriteFile(corrupt, []byte("garbage"), 0644)

	r, err := e.Thumbnail(context.Background(), corrupt, ThumbOptions{})
	if err != nil {
		t.Fatalf("codec failure should not surface: %v", err)
	}
	if !r.Original || r.Path != corrupt {
		t.Errorf("expected original rendition, got %+v", r)
	}
}

func TestThumbnailMissingSource(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Thumbnail(context.Background(), filepath.Join(t.TempDir(), "gone.png"), ThumbOptions{})
	if !errors.Is(err, mediaerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOptimizeNeverUpscales(t *testing.T) {
	codec := &countingCodec{}
	e := newTestEngine(t, codec)
	dir := t.TempDir()
	ctx := context.Background()

	small := writePNG(t, dir, "small.png", 200, 100)
	r, err := e.Optimize(ctx, small, OptimizeOptions{MaxWidth: 800, MaxHeight: 800})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if !r.Original || codec.resizes.Load() != 0 {
		t.Errorf("small image should be served untouched, got %+v", r)
	}

	large := writePNG(t, dir, "large.png", 1000, 500)
	r, err = e.Optimize(ctx, large, OptimizeOptions{MaxWidth: 500, MaxHeight: 500, Format: "png"})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if r.Original {
		t.Fatal("expected an optimized rendition")
	}
	if filepath.Ext(r.Artifact.Location) != ".png" {
		t.Errorf("location = %s, want .png", r.Artifact.Location)
	}
	if w, h := decodedSize(t, e, r); w != 500 || h != 250 {
		t.Errorf("optimized size = %dx%d, want 500x250", w, h)
	}
}

func TestServeChoosesRendition(t *testing.T) {
	e := newTestEngine(t, nil)
	path := writePNG(t, t.TempDir(), "pano.png", 1600, 800)
	ctx := context.Background()

	r, fit, err := e.Serve(ctx, path, 200, 100)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if fit.Recommend != RecommendReduced || r.Original || r.Artifact.Kind != artifact.KindThumbnail {
		t.Errorf("small container: fit=%+v rendition=%+v", fit, r)
	}

	r, fit, err = e.Serve(ctx, path, 600, 300)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if fit.Recommend != RecommendReduced || r.Original || r.Artifact.Kind != artifact.KindOptimized {
		t.Errorf("medium container: fit=%+v rendition=%+v", fit, r)
	}

	r, fit, err = e.Serve(ctx, path, 1600, 800)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if fit.Mode != DisplayFill || !r.Original {
		t.Errorf("large container: fit=%+v rendition=%+v", fit, r)
	}
}

func TestVideoIsServedAsIs(t *testing.T) {
	e := newTestEngine(t, nil)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	os.WriteFile(path, []byte("not really a video"), 0644)

	r, err := e.Thumbnail(context.Background(), path, ThumbOptions{})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if !r.Original || r.Path != path {
		t.Errorf("rendition = %+v", r)
	}
}
