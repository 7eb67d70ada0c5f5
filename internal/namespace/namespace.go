// Package namespace aggregates several physical media roots under logical
// names, lists their contents and turns filesystem changes into change
// events for the application context each namespace is bound to.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/events"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/metrics"
	"github.com/fruitsalade/mediasync/internal/watcher"
)

// Namespace is a registered root.
type Namespace struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	App       string `json:"app"`
	Available bool   `json:"available"`
	Watching  bool   `json:"watching"`
}

// Invalidator drops cached artifacts of a source file.
type Invalidator interface {
	InvalidatePath(absPath string) int
}

// Warmer precomputes artifacts for a source file.
type Warmer interface {
	Enqueue(path string) bool
}

// Publisher delivers change events to subscribers. It must not block.
type Publisher interface {
	Publish(app string, event events.ChangeEvent) int
}

// Options configures an Aggregator. Nil collaborators are skipped.
type Options struct {
	Watcher        *watcher.Watcher
	Cache          Invalidator
	Warmer         Warmer
	Hub            Publisher
	Extensions     *media.AllowList
	MaxDepth       int
	WarmOnRegister bool
}

type state struct {
	mu sync.RWMutex
	ns Namespace
}

func (s *state) snapshot() Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ns
}

// Aggregator owns the namespace registry.
type Aggregator struct {
	opts  Options
	allow *media.AllowList
	log   *zap.Logger

	mu     sync.RWMutex
	byName map[string]*state
}

// New creates an aggregator.
func New(opts Options) *Aggregator {
	allow := opts.Extensions
	if allow == nil {
		allow = media.NewAllowList(nil)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = watcher.DefaultMaxDepth
	}
	return &Aggregator{
		opts:   opts,
		allow:  allow,
		log:    logging.Named("namespace"),
		byName: make(map[string]*state),
	}
}

// Register binds name to root under the app context (name when empty).
// Registering the same name and root again is a no-op; a missing root
// registers an empty namespace.
func (a *Aggregator) Register(name, root, app string) (Namespace, error) {
	if name == "" {
		return Namespace{}, errors.New("namespace name is required")
	}
	if app == "" {
		app = name
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Namespace{}, fmt.Errorf("resolve root %s: %w", root, err)
	}

	a.mu.Lock()
	if existing, ok := a.byName[name]; ok {
		a.mu.Unlock()
		ns := existing.snapshot()
		if ns.Root != abs {
			return Namespace{}, fmt.Errorf("namespace %q already registered with root %s", name, ns.Root)
		}
		return ns, nil
	}
	st := &state{ns: Namespace{Name: name, Root: abs, App: app}}
	// Held until setup completes so concurrent readers see a finished namespace.
	st.mu.Lock()
	a.byName[name] = st
	a.mu.Unlock()

	a.activate(st)
	ns := st.ns
	st.mu.Unlock()

	a.updateGauge()
	a.log.Info("namespace registered",
		zap.String("name", name),
		zap.String("root", abs),
		zap.String("app", app),
		zap.Bool("available", ns.Available),
		zap.Bool("watching", ns.Watching))

	if ns.Available && a.opts.WarmOnRegister && a.opts.Warmer != nil {
		go a.warmExisting(ns)
	}
	return ns, nil
}

// activate checks the root and starts watching it. Callers hold st.mu.
func (a *Aggregator) activate(st *state) {
	info, err := os.Stat(st.ns.Root)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = errors.New("not a directory")
		}
		a.log.Warn("namespace root unavailable, registering empty namespace",
			zap.String("name", st.ns.Name),
			zap.Error(mediaerr.New(mediaerr.ErrWatchUnavailable, "register", st.ns.Root, err)))
		return
	}
	st.ns.Available = true

	if a.opts.Watcher == nil {
		return
	}
	if err := a.opts.Watcher.Add(st.ns.Root, a.opts.MaxDepth); err != nil {
		a.log.Warn("namespace not watched", zap.String("name", st.ns.Name), zap.Error(err))
		return
	}
	st.ns.Watching = true
}

func (a *Aggregator) warmExisting(ns Namespace) {
	l, err := a.listState(ns)
	if err != nil {
		return
	}
	n := 0
	enqueue := func(entries []Entry) {
		for _, e := range entries {
			if e.Kind == media.Image && a.opts.Warmer.Enqueue(filepath.Join(ns.Root, filepath.FromSlash(e.Path))) {
				n++
			}
		}
	}
	enqueue(l.Files)
	for _, f := range l.Folders {
		enqueue(f.Files)
	}
	if n > 0 {
		a.log.Info("queued existing images for warm-up", zap.String("name", ns.Name), zap.Int("count", n))
	}
}

func (a *Aggregator) updateGauge() {
	avail, unavail := 0, 0
	for _, st := range a.states() {
		if st.snapshot().Available {
			avail++
		} else {
			unavail++
		}
	}
	metrics.SetNamespacesRegistered(avail, unavail)
}

func (a *Aggregator) lookup(name string) (*state, error) {
	a.mu.RLock()
	st, ok := a.byName[name]
	a.mu.RUnlock()
	if !ok {
		return nil, mediaerr.New(mediaerr.ErrNotFound, "namespace", name, nil)
	}
	return st, nil
}

// Get returns a registered namespace.
func (a *Aggregator) Get(name string) (Namespace, error) {
	st, err := a.lookup(name)
	if err != nil {
		return Namespace{}, err
	}
	return st.snapshot(), nil
}

// Namespaces returns all registered namespaces sorted by name.
func (a *Aggregator) Namespaces() []Namespace {
	states := a.states()
	out := make([]Namespace, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps a slash-separated path inside a namespace to an absolute
// filesystem path. Paths escaping the root are rejected.
func (a *Aggregator) Resolve(name, rel string) (string, error) {
	st, err := a.lookup(name)
	if err != nil {
		return "", err
	}
	root := st.snapshot().Root

	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", mediaerr.New(mediaerr.ErrAccessDenied, "resolve", rel, errors.New("path escapes namespace root"))
	}
	return filepath.Join(root, clean), nil
}

// Run consumes watcher events until ctx is done or the watcher closes.
func (a *Aggregator) Run(ctx context.Context) {
	if a.opts.Watcher == nil {
		return
	}
	evs := a.opts.Watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			a.dispatch(ev)
		}
	}
}

func (a *Aggregator) dispatch(ev watcher.Event) {
	isFile := ev.Kind == watcher.Added || ev.Kind == watcher.Modified || ev.Kind == watcher.Removed
	if isFile && !a.allow.Allows(ev.Path) {
		return
	}

	targets := a.namespacesFor(ev.Roots)
	lost := make(map[string]bool)
	switch ev.Kind {
	case watcher.FolderRemoved:
		for _, ns := range a.markRemoved(ev.Path) {
			lost[ns.Name] = true
			if !containsName(targets, ns.Name) {
				targets = append(targets, ns)
			}
		}
	case watcher.FolderAdded:
		a.reactivate(ev.Path)
	}
	if len(targets) == 0 {
		return
	}

	mk := media.KindOf(ev.Path)
	if isFile {
		if a.opts.Cache != nil {
			if n := a.opts.Cache.InvalidatePath(ev.Path); n > 0 {
				a.log.Debug("invalidated artifacts", zap.String("path", ev.Path), zap.Int("count", n))
			}
		}
		if ev.Kind != watcher.Removed && mk == media.Image && a.opts.Warmer != nil {
			a.opts.Warmer.Enqueue(ev.Path)
		}
	}

	if a.opts.Hub == nil {
		return
	}
	for _, ns := range targets {
		// The root itself is reported with an empty path.
		path := ""
		if !lost[ns.Name] {
			rel, err := filepath.Rel(ns.Root, ev.Path)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				continue
			}
			if rel != "." {
				path = filepath.ToSlash(rel)
			}
		}
		ce := events.ChangeEvent{
			Type:       events.TypeChange,
			Namespace:  ns.Name,
			App:        ns.App,
			Path:       path,
			Kind:       string(ev.Kind),
			ObservedAt: ev.ObservedAt,
		}
		if isFile {
			ce.MediaKind = mk.String()
		}
		a.opts.Hub.Publish(ns.App, ce)
	}
}

func containsName(list []Namespace, name string) bool {
	for _, ns := range list {
		if ns.Name == name {
			return true
		}
	}
	return false
}

func (a *Aggregator) states() []*state {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*state, 0, len(a.byName))
	for _, st := range a.byName {
		out = append(out, st)
	}
	return out
}

// namespacesFor returns the namespaces rooted at any of roots. Several
// names may share a root and roots may nest.
func (a *Aggregator) namespacesFor(roots []string) []Namespace {
	var out []Namespace
	for _, st := range a.states() {
		ns := st.snapshot()
		for _, root := range roots {
			if ns.Root == root {
				out = append(out, ns)
				break
			}
		}
	}
	return out
}

// markRemoved marks every namespace whose root is dir or lies below it as
// unavailable, returning them. List or a reappearing root activates them
// again.
func (a *Aggregator) markRemoved(dir string) []Namespace {
	prefix := dir + string(filepath.Separator)
	var out []Namespace
	for _, st := range a.states() {
		st.mu.Lock()
		if st.ns.Available && (st.ns.Root == dir || strings.HasPrefix(st.ns.Root, prefix)) {
			st.ns.Available = false
			st.ns.Watching = false
			out = append(out, st.ns)
		}
		st.mu.Unlock()
	}
	for _, ns := range out {
		a.log.Warn("namespace root removed", zap.String("name", ns.Name), zap.String("root", ns.Root))
	}
	if len(out) > 0 {
		a.updateGauge()
	}
	return out
}

// reactivate activates unavailable namespaces rooted at a directory that
// has just appeared.
func (a *Aggregator) reactivate(dir string) {
	activated := false
	for _, st := range a.states() {
		st.mu.Lock()
		if !st.ns.Available && st.ns.Root == dir {
			a.activate(st)
			if st.ns.Available {
				activated = true
				a.log.Info("namespace root became available", zap.String("name", st.ns.Name))
			}
		}
		st.mu.Unlock()
	}
	if activated {
		a.updateGauge()
	}
}
