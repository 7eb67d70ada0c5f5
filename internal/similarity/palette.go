package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sort"
	"strconv"

	"github.com/disintegration/imaging"

	"github.com/fruitsalade/mediasync/internal/artifact"
)

const (
	previewSize = 100
	binWidth    = 32
	// DefaultPaletteSize is used when Palette is asked for zero colors.
	DefaultPaletteSize = 5
)

// Color is one palette bucket.
type Color struct {
	Hex         string  `json:"hex"`
	R           uint8   `json:"r"`
	G           uint8   `json:"g"`
	B           uint8   `json:"b"`
	Percentage  float64 `json:"percentage"`
	Name        string  `json:"name"`
	Temperature string  `json:"temperature"`
}

// Palette summarizes the colors of an image.
type Palette struct {
	Colors           []Color `json:"colors"`
	Dominant         string  `json:"dominant"`
	Temperature      string  `json:"temperature"`
	IsDark           bool    `json:"is_dark"`
	AverageLuminance float64 `json:"average_luminance"`
}

// Palette returns the n most frequent color buckets of an image.
func (e *Engine) Palette(ctx context.Context, path string, n int) (Palette, error) {
	if n <= 0 {
		n = DefaultPaletteSize
	}

	fp, err := e.fingerprints.Compute(path)
	if err != nil {
		return Palette{}, err
	}

	req := artifact.Request{
		Fingerprint: fp,
		Kind:        artifact.KindPalette,
		Params:      artifact.Params{"n": strconv.Itoa(n)},
		Ext:         ".json",
	}
	a, err := e.cache.GetOrCompute(ctx, req, func(context.Context) ([]byte, error) {
		img, err := decode(fp.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(extractPalette(img, n))
	})
	if err != nil {
		return Palette{}, err
	}

	data, err := e.cache.ReadAll(ctx, a)
	if err != nil {
		return Palette{}, err
	}
	var p Palette
	if err := json.Unmarshal(data, &p); err != nil {
		return Palette{}, fmt.Errorf("decode palette %s: %w", a.Location, err)
	}
	return p, nil
}

func extractPalette(img image.Image, n int) Palette {
	preview := imaging.Fit(img, previewSize, previewSize, imaging.Box)
	b := preview.Bounds()

	type bucket struct{ r, g, b uint8 }
	counts := make(map[bucket]int)
	var total int
	var lumSum, rSum, gSum, bSum float64

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			off := preview.PixOffset(x, y)
			r, g, bl := preview.Pix[off], preview.Pix[off+1], preview.Pix[off+2]
			counts[bucket{r / binWidth, g / binWidth, bl / binWidth}]++
			total++
			lumSum += luminance(float64(r), float64(g), float64(bl))
			rSum += float64(r)
			gSum += float64(g)
			bSum += float64(bl)
		}
	}

	p := Palette{Colors: []Color{}}
	if total == 0 {
		return p
	}

	keys := make([]bucket, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := counts[keys[i]], counts[keys[j]]
		if ci != cj {
			return ci > cj
		}
		ki, kj := keys[i], keys[j]
		if ki.r != kj.r {
			return ki.r < kj.r
		}
		if ki.g != kj.g {
			return ki.g < kj.g
		}
		return ki.b < kj.b
	})
	if len(keys) > n {
		keys = keys[:n]
	}

	for _, k := range keys {
		r, g, bl := center(k.r), center(k.g), center(k.b)
		p.Colors = append(p.Colors, Color{
			Hex:         fmt.Sprintf("#%02x%02x%02x", r, g, bl),
			R:           r,
			G:           g,
			B:           bl,
			Percentage:  float64(counts[k]) / float64(total) * 100,
			Name:        colorName(float64(r), float64(g), float64(bl)),
			Temperature: temperature(float64(r), float64(g), float64(bl)),
		})
	}

	ft := float64(total)
	p.AverageLuminance = lumSum / ft
	p.IsDark = p.AverageLuminance < 128
	p.Dominant = p.Colors[0].Name
	p.Temperature = temperature(rSum/ft, gSum/ft, bSum/ft)
	return p
}

func center(bin uint8) uint8 {
	return bin*binWidth + binWidth/2
}

func luminance(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

// colorName names a color by its strongest channel, or black/white/gray
// when the channels are close together.
func colorName(r, g, b float64) string {
	hi := max(r, g, b)
	lo := min(r, g, b)
	if hi-lo < 30 {
		switch l := luminance(r, g, b); {
		case l < 50:
			return "black"
		case l > 205:
			return "white"
		default:
			return "gray"
		}
	}
	switch hi {
	case r:
		return "red"
	case g:
		return "green"
	default:
		return "blue"
	}
}

func temperature(r, g, b float64) string {
	l := luminance(r, g, b)
	switch {
	case l < 60:
		return "dark"
	case l > 200:
		return "light"
	case r > b+30:
		return "warm"
	case b > r+30:
		return "cool"
	default:
		return "neutral"
	}
}
