// Package watcher reports debounced changes under a set of directory trees.
//
// Creates and writes to a file are coalesced: a single added or modified
// event fires once the file has been quiet for the stability window, so
// consumers never see a partially written file. Removals fire immediately.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/metrics"
)

// Kind is the type of a change.
type Kind string

const (
	Added         Kind = "added"
	Modified      Kind = "modified"
	Removed       Kind = "removed"
	FolderAdded   Kind = "folderAdded"
	FolderRemoved Kind = "folderRemoved"
)

// Event is a single observed change. Path is absolute. Roots lists every
// watched root whose tree contains Path; nested roots share events.
type Event struct {
	Roots      []string
	Path       string
	Kind       Kind
	ObservedAt time.Time
}

const (
	DefaultStabilityWindow = 500 * time.Millisecond
	DefaultMaxDepth        = 4
	defaultBuffer          = 1024
	goneTTL                = time.Second
)

// Options configures a Watcher.
type Options struct {
	StabilityWindow time.Duration
	Buffer          int
}

type pendingFile struct {
	created bool
	timer   *time.Timer
}

// Watcher watches directory trees with fsnotify.
type Watcher struct {
	fs     *fsnotify.Watcher
	window time.Duration
	events chan Event
	log    *zap.Logger

	mu       sync.Mutex
	closed   bool
	maxDepth map[string]int            // root -> max depth
	dirs     map[string]map[string]int // watched directory -> owning root -> depth below it
	known    map[string]struct{}       // files present or already reported
	pending  map[string]*pendingFile
	// gone remembers directories just reported as removed: the kernel
	// reports their removal both on the directory and on its parent.
	gone map[string]time.Time

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a watcher and starts its event loop.
func New(opts Options) (*Watcher, error) {
	if opts.StabilityWindow <= 0 {
		opts.StabilityWindow = DefaultStabilityWindow
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fw,
		window:   opts.StabilityWindow,
		events:   make(chan Event, opts.Buffer),
		log:      logging.Named("watcher"),
		maxDepth: make(map[string]int),
		dirs:     make(map[string]map[string]int),
		known:    make(map[string]struct{}),
		pending:  make(map[string]*pendingFile),
		gone:     make(map[string]time.Time),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Events returns the channel changes are delivered on. It is closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Add starts watching root and its subdirectories down to maxDepth levels.
// Adding a root twice is a no-op until the root is removed from disk; a
// removed root can be added again once it exists.
func (w *Watcher) Add(root string, maxDepth int) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return mediaerr.New(mediaerr.ErrWatchUnavailable, "watch", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return mediaerr.New(mediaerr.ErrWatchUnavailable, "watch", abs, err)
	}
	if !info.IsDir() {
		return mediaerr.New(mediaerr.ErrWatchUnavailable, "watch", abs, errors.New("not a directory"))
	}
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("watcher closed")
	}
	if _, ok := w.maxDepth[abs]; ok {
		w.mu.Unlock()
		return nil
	}
	w.maxDepth[abs] = maxDepth
	w.mu.Unlock()

	if err := w.watchTree(abs, abs, 0, false); err != nil {
		w.mu.Lock()
		delete(w.maxDepth, abs)
		w.mu.Unlock()
		return mediaerr.New(mediaerr.ErrWatchUnavailable, "watch", abs, err)
	}
	w.log.Info("watching directory tree", zap.String("root", abs), zap.Int("max_depth", maxDepth))
	return nil
}

// watchTree adds watches for dir (at depth below root) and its
// subdirectories. With announce set, files not seen before are reported as
// added: they were created before the watch existed.
func (w *Watcher) watchTree(root, dir string, depth int, announce bool) error {
	w.mu.Lock()
	maxDepth, ok := w.maxDepth[root]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Vanished or unreadable subtree; keep going.
			return nil
		}
		if path != dir && ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		level := depth + relDepth(dir, path)
		if !d.IsDir() {
			if announce {
				if !w.isKnown(path) {
					w.schedule(path, true)
				}
				return nil
			}
			w.mu.Lock()
			w.known[path] = struct{}{}
			w.mu.Unlock()
			return nil
		}
		if level > maxDepth {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			if path == dir {
				return err
			}
			w.log.Warn("failed to watch directory", zap.String("dir", path), zap.Error(err))
			return filepath.SkipDir
		}
		w.mu.Lock()
		owners, ok := w.dirs[path]
		if !ok {
			owners = make(map[string]int, 1)
			w.dirs[path] = owners
		}
		owners[root] = level
		w.mu.Unlock()
		return nil
	})
}

func relDepth(base, path string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// Close stops the watcher and closes the events channel.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()

		err = w.fs.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// owners returns a copy of the roots owning a watched directory.
func (w *Watcher) owners(dir string) map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.dirs[dir]))
	for root, depth := range w.dirs[dir] {
		out[root] = depth
	}
	return out
}

func rootsOf(owners map[string]int) []string {
	roots := make([]string, 0, len(owners))
	for root := range owners {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

func (w *Watcher) handle(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	if ignored(filepath.Base(name)) {
		return
	}

	parent := w.owners(filepath.Dir(name))
	self := w.owners(name)
	wasDir := len(self) > 0
	if len(parent) == 0 && !wasDir {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		if wasDir {
			w.forgetTree(name)
			w.emit(rootsOf(self), name, FolderRemoved)
			return
		}
		if w.wasGone(name) {
			return
		}
		w.cancel(name)
		w.emit(rootsOf(parent), name, Removed)

	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if wasDir {
				return
			}
			for root, depth := range parent {
				if err := w.watchTree(root, name, depth+1, true); err != nil {
					w.log.Warn("failed to watch new directory", zap.String("dir", name), zap.Error(err))
				}
			}
			w.emit(rootsOf(parent), name, FolderAdded)
			return
		}
		// A file renamed over an existing one arrives as a create.
		w.schedule(name, !w.isKnown(name))

	case ev.Op.Has(fsnotify.Write):
		if wasDir {
			return
		}
		w.schedule(name, !w.isKnown(name))
	}
}

func (w *Watcher) isKnown(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.known[path]
	return ok
}

// schedule (re)starts the stability timer of a file.
func (w *Watcher) schedule(path string, created bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	p := &pendingFile{created: created}
	if prev, ok := w.pending[path]; ok {
		prev.timer.Stop()
		p.created = prev.created || created
	}
	p.timer = time.AfterFunc(w.window, func() { w.fire(path, p) })
	w.pending[path] = p
}

// wasGone reports whether path was removed as part of a directory within
// the last goneTTL.
func (w *Watcher) wasGone(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.gone[path]
	delete(w.gone, path)
	return ok && time.Since(at) <= goneTTL
}

// cancel drops a pending timer and forgets the file.
func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
	delete(w.known, path)
}

func (w *Watcher) fire(path string, p *pendingFile) {
	w.mu.Lock()
	if w.pending[path] != p {
		// Superseded by a later write or cancelled.
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	roots := rootsOf(w.owners(filepath.Dir(path)))
	if len(roots) == 0 {
		return
	}

	w.mu.Lock()
	w.known[path] = struct{}{}
	w.mu.Unlock()

	kind := Modified
	if p.created {
		kind = Added
	}
	w.emit(roots, path, kind)
}

// forgetTree drops bookkeeping for a removed directory and everything below
// it. Roots lying in the removed tree are forgotten too, so they can be
// added again once they reappear.
func (w *Watcher) forgetTree(dir string) {
	prefix := dir + string(filepath.Separator)
	under := func(p string) bool { return p == dir || strings.HasPrefix(p, prefix) }

	w.mu.Lock()
	now := time.Now()
	for d, at := range w.gone {
		if now.Sub(at) > goneTTL {
			delete(w.gone, d)
		}
	}
	w.gone[dir] = now

	var stale []string
	for d, owners := range w.dirs {
		if !under(d) {
			continue
		}
		for root, depth := range owners {
			if depth == 0 {
				delete(w.maxDepth, root)
				w.log.Warn("watched root removed", zap.String("root", root))
			}
		}
		delete(w.dirs, d)
		stale = append(stale, d)
	}
	for path, p := range w.pending {
		if under(path) {
			p.timer.Stop()
			delete(w.pending, path)
		}
	}
	for path := range w.known {
		if under(path) {
			delete(w.known, path)
		}
	}
	w.mu.Unlock()

	// Removed directories lose their kernel watch on their own; renamed ones
	// keep it. Drop those off the event loop unless watched again meanwhile.
	go func() {
		for _, d := range stale {
			w.mu.Lock()
			_, again := w.dirs[d]
			w.mu.Unlock()
			if !again {
				_ = w.fs.Remove(d)
			}
		}
	}()
}

// emit delivers an event without ever blocking.
func (w *Watcher) emit(roots []string, path string, kind Kind) {
	ev := Event{Roots: roots, Path: path, Kind: kind, ObservedAt: time.Now()}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
		metrics.RecordWatchEvent(string(kind))
	default:
		metrics.RecordWatchEventDropped()
		w.log.Warn("event buffer full, dropping change", zap.String("path", path), zap.String("kind", string(kind)))
	}
}

// ignored reports whether a file name belongs to a hidden or temporary file.
func ignored(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".crdownload", ".swp":
		return true
	}
	return false
}
