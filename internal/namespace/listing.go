package namespace

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
)

// Entry is a media file in a listing. Path is relative to the namespace
// root and slash separated.
type Entry struct {
	Namespace string     `json:"namespace"`
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Kind      media.Kind `json:"kind"`
	Size      int64      `json:"size"`
	ModTime   time.Time  `json:"mod_time"`
}

// Folder is a first-level subfolder and its media files.
type Folder struct {
	Namespace string  `json:"namespace"`
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	Files     []Entry `json:"files"`
}

// Listing is the content of one namespace.
type Listing struct {
	Namespace string   `json:"namespace"`
	App       string   `json:"app"`
	Available bool     `json:"available"`
	Files     []Entry  `json:"files"`
	Folders   []Folder `json:"folders"`
}

// MergedListing combines several namespaces.
type MergedListing struct {
	Namespaces []string `json:"namespaces"`
	Files      []Entry  `json:"files"`
	Folders    []Folder `json:"folders"`
}

// List returns the media files at the top of a namespace plus one level of
// subfolders. A namespace whose root is missing lists as empty; if the root
// has appeared since registration the namespace is activated first.
func (a *Aggregator) List(name string) (Listing, error) {
	st, err := a.lookup(name)
	if err != nil {
		return Listing{}, err
	}

	ns := st.snapshot()
	if !ns.Available {
		st.mu.Lock()
		if !st.ns.Available {
			a.activate(st)
		}
		ns = st.ns
		st.mu.Unlock()
		if ns.Available {
			a.updateGauge()
			a.log.Info("namespace root became available", zap.String("name", ns.Name))
		}
	}
	return a.listState(ns)
}

func (a *Aggregator) listState(ns Namespace) (Listing, error) {
	l := Listing{
		Namespace: ns.Name,
		App:       ns.App,
		Available: ns.Available,
		Files:     []Entry{},
		Folders:   []Folder{},
	}
	if !ns.Available {
		return l, nil
	}

	entries, err := os.ReadDir(ns.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Removed after registration.
			l.Available = false
			return l, nil
		}
		return Listing{}, mediaerr.FromOS("list", ns.Root, err)
	}

	for _, e := range entries {
		if hidden(e.Name()) {
			continue
		}
		if e.IsDir() {
			l.Folders = append(l.Folders, Folder{
				Namespace: ns.Name,
				Name:      e.Name(),
				Path:      e.Name(),
				Files:     a.mediaFiles(ns, e.Name()),
			})
			continue
		}
		if entry, ok := a.entry(ns, "", e); ok {
			l.Files = append(l.Files, entry)
		}
	}
	return l, nil
}

// mediaFiles lists the media files directly inside a subfolder.
func (a *Aggregator) mediaFiles(ns Namespace, rel string) []Entry {
	files := []Entry{}
	entries, err := os.ReadDir(filepath.Join(ns.Root, filepath.FromSlash(rel)))
	if err != nil {
		a.log.Debug("skipping unreadable folder", zap.String("namespace", ns.Name), zap.String("folder", rel), zap.Error(err))
		return files
	}
	for _, e := range entries {
		if e.IsDir() || hidden(e.Name()) {
			continue
		}
		if entry, ok := a.entry(ns, rel, e); ok {
			files = append(files, entry)
		}
	}
	return files
}

func (a *Aggregator) entry(ns Namespace, dir string, e fs.DirEntry) (Entry, bool) {
	if !a.allow.Allows(e.Name()) {
		return Entry{}, false
	}
	info, err := e.Info()
	if err != nil || !info.Mode().IsRegular() {
		return Entry{}, false
	}
	return Entry{
		Namespace: ns.Name,
		Name:      e.Name(),
		Path:      path.Join(dir, e.Name()),
		Kind:      media.KindOf(e.Name()),
		Size:      info.Size(),
		ModTime:   info.ModTime(),
	}, true
}

// ListMerged lists several namespaces (all when names is empty) as one.
// Entries keep their namespace; results are sorted by path, then namespace.
func (a *Aggregator) ListMerged(names ...string) (MergedListing, error) {
	if len(names) == 0 {
		for _, ns := range a.Namespaces() {
			names = append(names, ns.Name)
		}
	}

	m := MergedListing{Namespaces: names, Files: []Entry{}, Folders: []Folder{}}
	for _, name := range names {
		l, err := a.List(name)
		if err != nil {
			return MergedListing{}, err
		}
		m.Files = append(m.Files, l.Files...)
		m.Folders = append(m.Folders, l.Folders...)
	}

	sort.SliceStable(m.Files, func(i, j int) bool {
		if m.Files[i].Path != m.Files[j].Path {
			return m.Files[i].Path < m.Files[j].Path
		}
		return m.Files[i].Namespace < m.Files[j].Namespace
	})
	sort.SliceStable(m.Folders, func(i, j int) bool {
		if m.Folders[i].Path != m.Folders[j].Path {
			return m.Folders[i].Path < m.Folders[j].Path
		}
		return m.Folders[i].Namespace < m.Folders[j].Namespace
	})
	return m, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
