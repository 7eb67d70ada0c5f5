package gallery

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/disintegration/imaging"

	// Decoders beyond the ones imaging registers.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/fruitsalade/mediasync/internal/mediaerr"
)

// Codec is the image codec the engine drives.
type Codec interface {
	Metadata(path string) (Metadata, error)
	Resize(path string, opts ResizeOptions) ([]byte, error)
}

// ResizeOptions control a resize/encode pass. The output fits inside
// Width x Height, preserving aspect ratio and never upscaling.
type ResizeOptions struct {
	Width   int
	Height  int
	Quality int
	Format  string // "jpeg" or "png"
}

// ImagingCodec decodes with the standard and x/image decoders, applies EXIF
// orientation, and resizes with disintegration/imaging.
type ImagingCodec struct{}

var _ Codec = ImagingCodec{}

// Metadata reads dimensions, format and EXIF of an image file.
func (ImagingCodec) Metadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, mediaerr.FromOS("metadata", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Metadata{}, mediaerr.FromOS("metadata", path, err)
	}

	ex := ExtractExif(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Metadata{}, mediaerr.Failed("metadata", path, err)
	}

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Metadata{}, mediaerr.Unreadable("metadata", path, err)
	}

	w, h := cfg.Width, cfg.Height
	if swapsAxes(ex.Orientation) {
		w, h = h, w
	}

	m := Metadata{
		Width:       w,
		Height:      h,
		Format:      format,
		SizeBytes:   info.Size(),
		Orientation: ex.Orientation,
		CameraMake:  ex.CameraMake,
		CameraModel: ex.CameraModel,
		DateTaken:   ex.DateTaken,
	}
	if h > 0 {
		m.AspectRatio = float64(w) / float64(h)
	}
	return m, nil
}

// Resize decodes path, corrects its orientation and encodes a version that
// fits inside the requested bounds.
func (ImagingCodec) Resize(path string, opts ResizeOptions) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, mediaerr.FromOS("resize", path, err)
	}

	ex := ExtractExif(bytes.NewReader(content))

	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, mediaerr.Unreadable("resize", path, err)
	}
	img = applyOrientation(img, ex.Orientation)

	if opts.Width > 0 || opts.Height > 0 {
		img = imaging.Fit(img, bound(opts.Width), bound(opts.Height), imaging.Lanczos)
	}

	format, encOpts := encoding(opts)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, encOpts...); err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// bound treats a missing dimension as unbounded.
func bound(v int) int {
	if v <= 0 {
		return 1 << 20
	}
	return v
}

func encoding(opts ResizeOptions) (imaging.Format, []imaging.EncodeOption) {
	if normalizeFormat(opts.Format) == "png" {
		return imaging.PNG, nil
	}
	q := opts.Quality
	if q <= 0 || q > 100 {
		q = ThumbQuality
	}
	return imaging.JPEG, []imaging.EncodeOption{imaging.JPEGQuality(q)}
}

// normalizeFormat maps a requested output format onto one the codec can
// encode. Anything unknown is encoded as JPEG.
func normalizeFormat(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "png"
	default:
		return "jpeg"
	}
}

func formatExt(format string) string {
	if normalizeFormat(format) == "png" {
		return ".png"
	}
	return ".jpg"
}
