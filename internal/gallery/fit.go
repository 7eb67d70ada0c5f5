package gallery

import (
	"math"
	"time"
)

// Metadata describes a source image. Width and Height are after EXIF
// orientation has been applied.
type Metadata struct {
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Format      string     `json:"format"`
	SizeBytes   int64      `json:"size_bytes"`
	AspectRatio float64    `json:"aspect_ratio"`
	Orientation int        `json:"orientation"`
	CameraMake  string     `json:"camera_make,omitempty"`
	CameraModel string     `json:"camera_model,omitempty"`
	DateTaken   *time.Time `json:"date_taken,omitempty"`
}

// DisplayMode is how an image should be laid out inside its container.
type DisplayMode string

const (
	DisplayFill    DisplayMode = "fill"
	DisplayContain DisplayMode = "contain"
	// DisplayCover is available to callers but never chosen by BestFit.
	DisplayCover DisplayMode = "cover"
)

// Recommendation says which rendition should be served.
type Recommendation string

const (
	RecommendOriginal Recommendation = "original"
	RecommendReduced  Recommendation = "reduced"
)

// aspectTolerance is the largest aspect ratio difference still treated as
// the same shape.
const aspectTolerance = 0.1

// Fit is the result of BestFit.
type Fit struct {
	Mode      DisplayMode    `json:"display_mode"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Scale     float64        `json:"scale"`
	Recommend Recommendation `json:"recommend"`
}

// BestFit computes how an image of the given metadata fits a container.
// The returned dimensions never exceed the container.
func BestFit(meta Metadata, containerW, containerH int) Fit {
	w, h := meta.Width, meta.Height
	if w <= 0 || h <= 0 || containerW <= 0 || containerH <= 0 {
		return Fit{Mode: DisplayContain, Width: w, Height: h, Scale: 1, Recommend: RecommendOriginal}
	}

	scale := math.Min(float64(containerW)/float64(w), float64(containerH)/float64(h))

	mode := DisplayContain
	imageAR := float64(w) / float64(h)
	containerAR := float64(containerW) / float64(containerH)
	if math.Abs(imageAR-containerAR) < aspectTolerance {
		mode = DisplayFill
	}

	rec := RecommendOriginal
	if w > 2*containerW || h > 2*containerH {
		rec = RecommendReduced
	}

	return Fit{
		Mode:      mode,
		Width:     clamp(int(math.Round(float64(w)*scale)), containerW),
		Height:    clamp(int(math.Round(float64(h)*scale)), containerH),
		Scale:     scale,
		Recommend: rec,
	}
}

func clamp(v, limit int) int {
	if v > limit {
		return limit
	}
	if v < 1 {
		return 1
	}
	return v
}
