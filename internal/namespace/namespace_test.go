package namespace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/mediasync/internal/events"
	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/watcher"
)

type fakeCache struct {
	mu    sync.Mutex
	paths []string
}

func (c *fakeCache) InvalidatePath(p string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, p)
	return 1
}

func (c *fakeCache) invalidated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

type fakeWarmer struct {
	mu    sync.Mutex
	paths []string
}

func (w *fakeWarmer) Enqueue(p string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = append(w.paths, p)
	return true
}

func (w *fakeWarmer) queued() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

type published struct {
	app   string
	event events.ChangeEvent
}

type fakeHub struct {
	ch chan published
}

func newFakeHub() *fakeHub {
	return &fakeHub{ch: make(chan published, 100)}
}

func (h *fakeHub) Publish(app string, ev events.ChangeEvent) int {
	h.ch <- published{app: app, event: ev}
	return 1
}

func (h *fakeHub) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-h.ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for published event")
		return published{}
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterMissingRoot(t *testing.T) {
	a := New(Options{})
	ns, err := a.Register("gone", filepath.Join(t.TempDir(), "does-not-exist"), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ns.Available || ns.Watching {
		t.Errorf("missing root should register unavailable, got %+v", ns)
	}
	if ns.App != "gone" {
		t.Errorf("app should default to the name, got %q", ns.App)
	}

	l, err := a.List("gone")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(l.Files) != 0 || len(l.Folders) != 0 || l.Available {
		t.Errorf("expected empty listing, got %+v", l)
	}
}

func TestRootAppearingLater(t *testing.T) {
	root := filepath.Join(t.TempDir(), "later")
	a := New(Options{})
	if _, err := a.Register("later", root, ""); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "a.jpg"))

	l, err := a.List("later")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !l.Available || len(l.Files) != 1 {
		t.Errorf("expected the new root to be picked up, got %+v", l)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	root := t.TempDir()
	a := New(Options{})

	first, err := a.Register("photos", root, "gallery")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Register("photos", root, "other")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first != second {
		t.Errorf("re-register changed namespace: %+v vs %+v", first, second)
	}
	if len(a.Namespaces()) != 1 {
		t.Errorf("expected one namespace, got %d", len(a.Namespaces()))
	}

	if _, err := a.Register("photos", t.TempDir(), ""); err == nil {
		t.Error("expected an error registering a different root under the same name")
	}
	if _, err := a.Register("", root, ""); err == nil {
		t.Error("expected an error for an empty name")
	}
}

func TestListTagsMedia(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.png"))
	writeFile(t, filepath.Join(root, "a.jpg"))
	writeFile(t, filepath.Join(root, "clip.mp4"))
	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, filepath.Join(root, ".hidden.jpg"))
	writeFile(t, filepath.Join(root, "2024", "trip.JPG"))
	writeFile(t, filepath.Join(root, "2024", "deeper", "skipped.jpg"))
	writeFile(t, filepath.Join(root, ".cache", "x.jpg"))

	a := New(Options{})
	if _, err := a.Register("photos", root, ""); err != nil {
		t.Fatal(err)
	}
	l, err := a.List("photos")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := []struct {
		path string
		kind media.Kind
	}{
		{"a.jpg", media.Image},
		{"b.png", media.Image},
		{"clip.mp4", media.Video},
	}
	if len(l.Files) != len(want) {
		t.Fatalf("files = %+v", l.Files)
	}
	for i, w := range want {
		if l.Files[i].Path != w.path || l.Files[i].Kind != w.kind || l.Files[i].Namespace != "photos" {
			t.Errorf("file %d = %+v, want %s (%v)", i, l.Files[i], w.path, w.kind)
		}
	}

	if len(l.Folders) != 1 || l.Folders[0].Name != "2024" {
		t.Fatalf("folders = %+v", l.Folders)
	}
	f := l.Folders[0]
	if len(f.Files) != 1 || f.Files[0].Path != "2024/trip.JPG" || f.Files[0].Kind != media.Image {
		t.Errorf("folder files = %+v", f.Files)
	}

	if _, err := a.List("nope"); !errors.Is(err, mediaerr.ErrNotFound) {
		t.Errorf("unknown namespace: want NotFound, got %v", err)
	}
}

func TestListExtensionOverride(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"))
	writeFile(t, filepath.Join(root, "b.png"))

	a := New(Options{Extensions: media.NewAllowList([]string{"png"})})
	if _, err := a.Register("photos", root, ""); err != nil {
		t.Fatal(err)
	}
	l, err := a.List("photos")
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Files) != 1 || l.Files[0].Name != "b.png" {
		t.Errorf("files = %+v", l.Files)
	}
}

func TestListMerged(t *testing.T) {
	one, two := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(one, "same.jpg"))
	writeFile(t, filepath.Join(two, "same.jpg"))
	writeFile(t, filepath.Join(two, "only.png"))

	a := New(Options{})
	a.Register("one", one, "")
	a.Register("two", two, "")

	m, err := a.ListMerged()
	if err != nil {
		t.Fatalf("ListMerged: %v", err)
	}
	if len(m.Files) != 3 {
		t.Fatalf("files = %+v", m.Files)
	}
	if m.Files[0].Path != "only.png" || m.Files[1].Namespace != "one" || m.Files[2].Namespace != "two" {
		t.Errorf("unexpected order %+v", m.Files)
	}

	if _, err := a.ListMerged("one", "missing"); !errors.Is(err, mediaerr.ErrNotFound) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	a := New(Options{})
	a.Register("photos", root, "")

	tests := []struct {
		rel     string
		want    string
		wantErr error
	}{
		{"a.jpg", filepath.Join(root, "a.jpg"), nil},
		{"/2024/b.jpg", filepath.Join(root, "2024", "b.jpg"), nil},
		{"2024/../c.jpg", filepath.Join(root, "c.jpg"), nil},
		{"../etc/passwd", "", mediaerr.ErrAccessDenied},
		{"..", "", mediaerr.ErrAccessDenied},
		{"a/../../x", "", mediaerr.ErrAccessDenied},
	}
	for _, tt := range tests {
		got, err := a.Resolve("photos", tt.rel)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q): want %v, got %v", tt.rel, tt.wantErr, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q", tt.rel, got, err, tt.want)
		}
	}

	if _, err := a.Resolve("nope", "a.jpg"); !errors.Is(err, mediaerr.ErrNotFound) {
		t.Errorf("unknown namespace: want NotFound, got %v", err)
	}
}

func TestEventFlow(t *testing.T) {
	root := t.TempDir()
	w, err := watcher.New(watcher.Options{StabilityWindow: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cache := &fakeCache{}
	warmer := &fakeWarmer{}
	hub := newFakeHub()
	a := New(Options{Watcher: w, Cache: cache, Warmer: warmer, Hub: hub})

	ns, err := a.Register("camera", root, "photos")
	if err != nil {
		t.Fatal(err)
	}
	if !ns.Watching {
		t.Fatalf("expected namespace to be watched: %+v", ns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	path := filepath.Join(root, "sub", "new.jpg")
	if err := os.Mkdir(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	p := hub.next(t)
	if p.event.Kind != string(watcher.FolderAdded) || p.event.Path != "sub" {
		t.Fatalf("expected folderAdded for sub, got %+v", p.event)
	}

	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, path)

	p = hub.next(t)
	if p.app != "photos" {
		t.Errorf("published under %q, want photos", p.app)
	}
	ev := p.event
	if ev.Namespace != "camera" || ev.Path != "sub/new.jpg" || ev.Kind != string(watcher.Added) || ev.MediaKind != "image" {
		t.Errorf("unexpected event %+v", ev)
	}

	if got := cache.invalidated(); len(got) != 1 || got[0] != path {
		t.Errorf("invalidated = %v", got)
	}
	if got := warmer.queued(); len(got) != 1 || got[0] != path {
		t.Errorf("warm-up queue = %v", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	p = hub.next(t)
	if p.event.Kind != string(watcher.Removed) || p.event.Path != "sub/new.jpg" {
		t.Errorf("expected removal, got %+v", p.event)
	}
	if got := warmer.queued(); len(got) != 1 {
		t.Errorf("removed files must not be warmed, queue = %v", got)
	}
}

func TestNestedRootsBothNotified(t *testing.T) {
	root := t.TempDir()
	kpi := filepath.Join(root, "kpi")
	if err := os.Mkdir(kpi, 0755); err != nil {
		t.Fatal(err)
	}
	w, err := watcher.New(watcher.Options{StabilityWindow: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	hub := newFakeHub()
	a := New(Options{Watcher: w, Hub: hub})
	a.Register("gallery", root, "")
	a.Register("kpi", kpi, "dashboard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	writeFile(t, filepath.Join(kpi, "chart.png"))
	got := map[string]string{}
	for i := 0; i < 2; i++ {
		p := hub.next(t)
		got[p.app+":"+p.event.Namespace] = p.event.Path
	}
	if got["gallery:gallery"] != "kpi/chart.png" || got["dashboard:kpi"] != "chart.png" {
		t.Errorf("published = %v", got)
	}
}

func TestRemovedRootRecovers(t *testing.T) {
	root := filepath.Join(t.TempDir(), "media")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	w, err := watcher.New(watcher.Options{StabilityWindow: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	hub := newFakeHub()
	a := New(Options{Watcher: w, Hub: hub})
	if _, err := a.Register("media", root, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	if err := os.Remove(root); err != nil {
		t.Fatal(err)
	}
	p := hub.next(t)
	if p.event.Kind != string(watcher.FolderRemoved) || p.event.Path != "" || p.event.Namespace != "media" {
		t.Fatalf("expected folderRemoved for the root, got %+v", p.event)
	}
	if ns, _ := a.Get("media"); ns.Available || ns.Watching {
		t.Errorf("removed root should be unavailable, got %+v", ns)
	}

	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	l, err := a.List("media")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !l.Available {
		t.Fatal("recreated root should list as available")
	}
	if ns, _ := a.Get("media"); !ns.Watching {
		t.Errorf("recreated root should be watched again, got %+v", ns)
	}

	writeFile(t, filepath.Join(root, "new.jpg"))
	p = hub.next(t)
	if p.event.Kind != string(watcher.Added) || p.event.Path != "new.jpg" {
		t.Errorf("expected added new.jpg, got %+v", p.event)
	}
}

func TestNestedRootReappears(t *testing.T) {
	root := t.TempDir()
	kpi := filepath.Join(root, "kpi")
	if err := os.Mkdir(kpi, 0755); err != nil {
		t.Fatal(err)
	}
	w, err := watcher.New(watcher.Options{StabilityWindow: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	hub := newFakeHub()
	a := New(Options{Watcher: w, Hub: hub})
	a.Register("gallery", root, "")
	a.Register("kpi", kpi, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	if err := os.Remove(kpi); err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for i := 0; i < 2; i++ {
		p := hub.next(t)
		got[p.event.Namespace] = p.event.Kind + ":" + p.event.Path
	}
	if got["gallery"] != "folderRemoved:kpi" || got["kpi"] != "folderRemoved:" {
		t.Fatalf("published = %v", got)
	}

	if err := os.Mkdir(kpi, 0755); err != nil {
		t.Fatal(err)
	}
	p := hub.next(t)
	if p.event.Namespace != "gallery" || p.event.Kind != string(watcher.FolderAdded) {
		t.Fatalf("expected folderAdded in gallery, got %+v", p.event)
	}
	if ns, _ := a.Get("kpi"); !ns.Available || !ns.Watching {
		t.Errorf("reappearing nested root should be active again, got %+v", ns)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	one, two := t.TempDir(), t.TempDir()
	w, err := watcher.New(watcher.Options{StabilityWindow: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	hub := newFakeHub()
	a := New(Options{Watcher: w, Hub: hub})
	a.Register("one", one, "app-one")
	a.Register("two", two, "app-two")
	a.Register("missing", filepath.Join(one, "nope"), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	writeFile(t, filepath.Join(two, "b.png"))
	p := hub.next(t)
	if p.app != "app-two" || p.event.Namespace != "two" || p.event.Path != "b.png" {
		t.Errorf("unexpected event %+v under %q", p.event, p.app)
	}

	select {
	case extra := <-hub.ch:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}

	names := a.Namespaces()
	if len(names) != 3 || names[0].Name != "missing" || names[1].Name != "one" || names[2].Name != "two" {
		t.Errorf("Namespaces() = %+v", names)
	}
}

func TestWarmOnRegister(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"))
	writeFile(t, filepath.Join(root, "clip.mp4"))
	writeFile(t, filepath.Join(root, "2024", "b.png"))

	warmer := &fakeWarmer{}
	a := New(Options{Warmer: warmer, WarmOnRegister: true})
	if _, err := a.Register("photos", root, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for len(warmer.queued()) != 2 {
		select {
		case <-deadline:
			t.Fatalf("warm-up queue = %v", warmer.queued())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
