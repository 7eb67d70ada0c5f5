package api

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fruitsalade/mediasync/internal/gallery"
	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/namespace"
	"github.com/fruitsalade/mediasync/internal/similarity"
)

// DefaultSimilarityThreshold is used when a request gives no threshold.
const DefaultSimilarityThreshold = 90.0

// maxDuplicatePaths bounds the candidate set of a duplicate scan.
const maxDuplicatePaths = 5000

// ─── Namespaces ─────────────────────────────────────────────────────────────

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.namespaces.Namespaces())
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.namespaces.List(r.PathValue("name"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, l)
}

func (s *Server) handleMergedListing(w http.ResponseWriter, r *http.Request) {
	var names []string
	if v := r.URL.Query().Get("ns"); v != "" {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	m, err := s.namespaces.ListMerged(names...)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, m)
}

// ─── Media ──────────────────────────────────────────────────────────────────

// handleMedia serves the rendition best suited to a w x h container.
// Without a container size the original is served.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolve(w, r)
	if !ok {
		return
	}
	cw, err := queryInt(r, "w", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := queryInt(r, "h", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		rend gallery.Rendition
		fit  gallery.Fit
	)
	if cw == 0 && ch == 0 {
		rend, err = s.gallery.Optimize(r.Context(), path, gallery.OptimizeOptions{})
	} else {
		rend, fit, err = s.gallery.Serve(r.Context(), path, cw, ch)
	}
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	if fit.Mode != "" {
		w.Header().Set("X-Display-Mode", string(fit.Mode))
	}
	s.sendRendition(w, r, rend)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolve(w, r)
	if !ok {
		return
	}
	size, err := queryInt(r, "size", gallery.ThumbMaxSize)
	if err != nil || size == 0 {
		s.sendError(w, http.StatusBadRequest, "invalid size")
		return
	}
	rend, err := s.gallery.Thumbnail(r.Context(), path, gallery.ThumbOptions{Width: size, Height: size})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendRendition(w, r, rend)
}

func (s *Server) sendRendition(w http.ResponseWriter, r *http.Request, rend gallery.Rendition) {
	rc, size, err := s.gallery.Open(r.Context(), rend)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rend.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if rend.Original {
		w.Header().Set("X-Rendition", "original")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("X-Rendition", string(rend.Artifact.Kind))
		w.Header().Set("ETag", `"`+rend.Artifact.Key+`"`)
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	io.Copy(w, rc)
}

type metaResponse struct {
	Path     string           `json:"path"`
	Kind     media.Kind       `json:"kind"`
	Metadata gallery.Metadata `json:"metadata"`
	Fit      *gallery.Fit     `json:"fit,omitempty"`
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolve(w, r)
	if !ok {
		return
	}
	cw, err := queryInt(r, "w", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := queryInt(r, "h", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta, err := s.gallery.Metadata(path)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	resp := metaResponse{Path: r.PathValue("path"), Kind: media.KindOf(path), Metadata: meta}
	if cw > 0 && ch > 0 {
		fit := gallery.BestFit(meta, cw, ch)
		resp.Fit = &fit
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePalette(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolve(w, r)
	if !ok {
		return
	}
	n, err := queryInt(r, "colors", similarity.DefaultPaletteSize)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.similarity.Palette(r.Context(), path, n)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

// ─── Similarity ─────────────────────────────────────────────────────────────

// namespaceImages returns the images of a namespace listing keyed by
// absolute path, with their namespace-relative paths.
func (s *Server) namespaceImages(name string) (map[string]string, []string, error) {
	l, err := s.namespaces.List(name)
	if err != nil {
		return nil, nil, err
	}
	rels := make(map[string]string)
	var paths []string
	add := func(entries []namespace.Entry) error {
		for _, e := range entries {
			if e.Kind != media.Image {
				continue
			}
			abs, err := s.namespaces.Resolve(name, e.Path)
			if err != nil {
				return err
			}
			rels[abs] = e.Path
			paths = append(paths, abs)
		}
		return nil
	}
	if err := add(l.Files); err != nil {
		return nil, nil, err
	}
	for _, f := range l.Folders {
		if err := add(f.Files); err != nil {
			return nil, nil, err
		}
	}
	return rels, paths, nil
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolve(w, r)
	if !ok {
		return
	}
	threshold, err := queryPercent(r, "threshold", DefaultSimilarityThreshold)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	rels, candidates, err := s.namespaceImages(r.PathValue("ns"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	matches, err := s.similarity.FindSimilar(r.Context(), target, candidates, threshold)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	for i := range matches {
		matches[i].Path = rels[matches[i].Path]
	}
	if matches == nil {
		matches = []similarity.Match{}
	}
	s.sendJSON(w, http.StatusOK, matches)
}

// DuplicatesRequest asks for near-duplicate groups inside a namespace. An
// empty Paths scans every image of the namespace listing.
type DuplicatesRequest struct {
	Namespace string   `json:"namespace"`
	Paths     []string `json:"paths"`
	Threshold float64  `json:"threshold"`
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	var req DuplicatesRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Namespace == "" {
		s.sendError(w, http.StatusBadRequest, "namespace required")
		return
	}
	if req.Threshold == 0 {
		req.Threshold = DefaultSimilarityThreshold
	}
	if req.Threshold < 0 || req.Threshold > 100 {
		s.sendError(w, http.StatusBadRequest, "threshold must be between 0 and 100")
		return
	}
	if len(req.Paths) > maxDuplicatePaths {
		s.sendError(w, http.StatusBadRequest, "too many paths")
		return
	}

	var (
		rels  map[string]string
		paths []string
		err   error
	)
	if len(req.Paths) == 0 {
		rels, paths, err = s.namespaceImages(req.Namespace)
		if err != nil {
			s.sendFailure(w, r, err)
			return
		}
	} else {
		rels = make(map[string]string, len(req.Paths))
		for _, rel := range req.Paths {
			abs, err := s.namespaces.Resolve(req.Namespace, rel)
			if err != nil {
				s.sendFailure(w, r, err)
				return
			}
			if _, dup := rels[abs]; dup {
				continue
			}
			rels[abs] = strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+rel)), "/")
			paths = append(paths, abs)
		}
	}

	groups, err := s.similarity.GroupNearDuplicates(r.Context(), paths, req.Threshold)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	for i := range groups {
		for j, m := range groups[i].Members {
			groups[i].Members[j] = rels[m]
		}
	}
	if groups == nil {
		groups = []similarity.Group{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"namespace": req.Namespace,
		"scanned":   len(paths),
		"groups":    groups,
	})
}

// ─── OCR ────────────────────────────────────────────────────────────────────

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	if s.ocr == nil {
		s.sendError(w, http.StatusServiceUnavailable, "ocr not configured")
		return
	}
	path, ok := s.resolve(w, r)
	if !ok {
		return
	}
	res, err := s.ocr.Recognize(r.Context(), path, r.URL.Query().Get("lang"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}
