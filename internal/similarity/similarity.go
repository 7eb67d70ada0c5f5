// Package similarity finds visually similar images using an average
// perceptual hash, and extracts color palettes.
package similarity

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/artifact"
	"github.com/fruitsalade/mediasync/internal/fingerprint"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
)

// DefaultGridSize is the side of the hash grid; an 8x8 grid gives 64 bits.
const DefaultGridSize = 8

// Hash is a perceptual hash rendered as a string of '0' and '1'.
type Hash string

// Group is a set of near-duplicate images.
type Group struct {
	Members   []string `json:"members"`
	Threshold float64  `json:"threshold"`
}

// Match is one result of FindSimilar.
type Match struct {
	Path       string  `json:"path"`
	Similarity float64 `json:"similarity"`
}

// Options configures an Engine.
type Options struct {
	GridSize int
}

// Engine computes and compares perceptual hashes.
type Engine struct {
	cache        *artifact.Cache
	fingerprints fingerprint.Service
	grid         int
	log          *zap.Logger
}

// NewEngine creates an engine that caches hashes and palettes in cache.
func NewEngine(cache *artifact.Cache, opts Options) *Engine {
	if opts.GridSize <= 0 {
		opts.GridSize = DefaultGridSize
	}
	return &Engine{
		cache:        cache,
		fingerprints: fingerprint.StatService{},
		grid:         opts.GridSize,
		log:          logging.Named("similarity"),
	}
}

// WithFingerprints replaces the fingerprint service used to key hashes and
// palettes.
func (e *Engine) WithFingerprints(s fingerprint.Service) *Engine {
	if s != nil {
		e.fingerprints = s
	}
	return e
}

// Hash returns the perceptual hash of an image: the image is reduced to a
// grid of greyscale cells and each cell contributes a 1 bit when its
// luminance is at least the mean.
func (e *Engine) Hash(ctx context.Context, path string) (Hash, error) {
	fp, err := e.fingerprints.Compute(path)
	if err != nil {
		return "", err
	}

	req := artifact.Request{
		Fingerprint: fp,
		Kind:        artifact.KindPHash,
		Params:      artifact.Params{"grid": strconv.Itoa(e.grid)},
		Ext:         ".txt",
	}
	a, err := e.cache.GetOrCompute(ctx, req, func(context.Context) ([]byte, error) {
		img, err := decode(fp.Path)
		if err != nil {
			return nil, err
		}
		return []byte(averageHash(img, e.grid)), nil
	})
	if err != nil {
		return "", err
	}

	data, err := e.cache.ReadAll(ctx, a)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

func decode(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, mediaerr.Unreadable("decode", path, err)
	}
	return img, nil
}

func averageHash(img image.Image, grid int) string {
	small := imaging.Grayscale(imaging.Resize(img, grid, grid, imaging.Box))

	lum := make([]float64, 0, grid*grid)
	var sum float64
	for y := 0; y < grid; y++ {
		for x := 0; x < grid; x++ {
			// Grayscale output has R == G == B.
			v := float64(small.Pix[small.PixOffset(x, y)])
			lum = append(lum, v)
			sum += v
		}
	}
	mean := sum / float64(len(lum))

	var b strings.Builder
	b.Grow(len(lum))
	for _, v := range lum {
		if v >= mean {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// HammingSimilarity returns the percentage of matching bits between two
// hashes, or 0 when they differ in length or are empty.
func HammingSimilarity(a, b Hash) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	matching := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			matching++
		}
	}
	return float64(matching) / float64(len(a)) * 100
}

// GroupNearDuplicates greedily clusters paths: each image not yet grouped
// collects every later image at or above threshold. Groups are disjoint and
// single images are not reported. Images that cannot be hashed are skipped.
// A path given more than once counts as one image.
func (e *Engine) GroupNearDuplicates(ctx context.Context, paths []string, threshold float64) ([]Group, error) {
	type hashed struct {
		path string
		hash Hash
	}
	items := make([]hashed, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}

		h, err := e.Hash(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("skipping unhashable image", zap.String("path", p), zap.Error(err))
			continue
		}
		items = append(items, hashed{path: p, hash: h})
	}

	used := make([]bool, len(items))
	var groups []Group
	for i := range items {
		if used[i] {
			continue
		}
		members := []string{items[i].path}
		for j := i + 1; j < len(items); j++ {
			if used[j] {
				continue
			}
			if HammingSimilarity(items[i].hash, items[j].hash) >= threshold {
				members = append(members, items[j].path)
				used[j] = true
			}
		}
		if len(members) > 1 {
			used[i] = true
			groups = append(groups, Group{Members: members, Threshold: threshold})
		}
	}
	return groups, nil
}

// FindSimilar returns the candidates at or above threshold similarity to
// target, most similar first. The target itself is never included.
func (e *Engine) FindSimilar(ctx context.Context, target string, candidates []string, threshold float64) ([]Match, error) {
	th, err := e.Hash(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("hash target: %w", err)
	}
	targetClean := filepath.Clean(target)

	var matches []Match
	for _, c := range candidates {
		if filepath.Clean(c) == targetClean {
			continue
		}
		ch, err := e.Hash(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("skipping unhashable candidate", zap.String("path", c), zap.Error(err))
			continue
		}
		if s := HammingSimilarity(th, ch); s >= threshold {
			matches = append(matches, Match{Path: c, Similarity: s})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Path < matches[j].Path
	})
	return matches, nil
}
