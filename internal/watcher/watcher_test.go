package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/mediasync/internal/mediaerr"
)

const testWindow = 100 * time.Millisecond

func newTestWatcher(t *testing.T, root string, maxDepth int) *Watcher {
	t.Helper()
	w, err := New(Options{StabilityWindow: testWindow})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	if err := w.Add(root, maxDepth); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return w
}

// collect gathers events until none arrive for quiet.
func collect(w *Watcher, quiet time.Duration) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(quiet):
			return events
		}
	}
}

func next(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWriteBurstIsDebounced(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, DefaultMaxDepth)
	path := filepath.Join(root, "burst.jpg")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		f.Write([]byte("chunk"))
		f.Sync()
		time.Sleep(10 * time.Millisecond)
	}
	f.Close()

	events := collect(w, 5*testWindow)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Kind != Added || events[0].Path != path || len(events[0].Roots) != 1 || events[0].Roots[0] != root {
		t.Errorf("event = %+v", events[0])
	}

	// A later burst on the now-known file is a modification.
	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte("rewrite"), 0644)
		time.Sleep(10 * time.Millisecond)
	}
	events = collect(w, 5*testWindow)
	if len(events) != 1 || events[0].Kind != Modified {
		t.Fatalf("expected a single modified event, got %+v", events)
	}
}

func TestRemoveFiresImmediately(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "old.png")
	os.WriteFile(path, []byte("x"), 0644)
	w := newTestWatcher(t, root, DefaultMaxDepth)

	start := time.Now()
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev := next(t, w)
	if ev.Kind != Removed || ev.Path != path {
		t.Errorf("event = %+v", ev)
	}
	if time.Since(start) >= testWindow {
		t.Errorf("remove took %v, should not wait for the stability window", time.Since(start))
	}
}

func TestRemoveCancelsPendingWrite(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, DefaultMaxDepth)
	path := filepath.Join(root, "short-lived.jpg")

	os.WriteFile(path, []byte("x"), 0644)
	os.Remove(path)

	events := collect(w, 5*testWindow)
	for _, ev := range events {
		if ev.Kind == Added || ev.Kind == Modified {
			t.Errorf("unexpected %s for a removed file", ev.Kind)
		}
	}
}

func TestFoldersAreWatched(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, DefaultMaxDepth)

	album := filepath.Join(root, "album")
	if err := os.Mkdir(album, 0755); err != nil {
		t.Fatal(err)
	}
	ev := next(t, w)
	if ev.Kind != FolderAdded || ev.Path != album {
		t.Fatalf("event = %+v", ev)
	}

	photo := filepath.Join(album, "photo.jpg")
	os.WriteFile(photo, []byte("x"), 0644)
	ev = next(t, w)
	if ev.Kind != Added || ev.Path != photo {
		t.Fatalf("event = %+v", ev)
	}

	if err := os.RemoveAll(album); err != nil {
		t.Fatal(err)
	}
	var sawFolderRemoved bool
	for _, ev := range collect(w, 5*testWindow) {
		if ev.Kind == FolderRemoved && ev.Path == album {
			sawFolderRemoved = true
		}
	}
	if !sawFolderRemoved {
		t.Error("expected folderRemoved for the album")
	}
}

func TestNestedRootsShareEvents(t *testing.T) {
	outer := t.TempDir()
	inner := filepath.Join(outer, "kpi")
	if err := os.Mkdir(inner, 0755); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t, outer, DefaultMaxDepth)
	if err := w.Add(inner, DefaultMaxDepth); err != nil {
		t.Fatalf("Add inner: %v", err)
	}

	chart := filepath.Join(inner, "chart.png")
	os.WriteFile(chart, []byte("x"), 0644)
	ev := next(t, w)
	if ev.Kind != Added || ev.Path != chart {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Roots) != 2 || ev.Roots[0] != outer || ev.Roots[1] != inner {
		t.Errorf("roots = %v, want [%s %s]", ev.Roots, outer, inner)
	}

	top := filepath.Join(outer, "top.png")
	os.WriteFile(top, []byte("x"), 0644)
	ev = next(t, w)
	if ev.Path != top || len(ev.Roots) != 1 || ev.Roots[0] != outer {
		t.Errorf("event = %+v, want only the outer root", ev)
	}
}

func TestRemovedRootCanBeWatchedAgain(t *testing.T) {
	root := filepath.Join(t.TempDir(), "media")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t, root, DefaultMaxDepth)

	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	var removed bool
	for _, ev := range collect(w, 5*testWindow) {
		if ev.Kind == FolderRemoved && ev.Path == root && len(ev.Roots) == 1 && ev.Roots[0] == root {
			removed = true
		}
	}
	if !removed {
		t.Fatal("expected folderRemoved for the root")
	}

	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(root, DefaultMaxDepth); err != nil {
		t.Fatalf("Add after removal: %v", err)
	}
	photo := filepath.Join(root, "new.jpg")
	os.WriteFile(photo, []byte("x"), 0644)
	ev := next(t, w)
	if ev.Kind != Added || ev.Path != photo {
		t.Errorf("event = %+v", ev)
	}
}

func TestRenameOverExistingIsModified(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "photo.jpg")
	os.WriteFile(path, []byte("v1"), 0644)
	w := newTestWatcher(t, root, DefaultMaxDepth)

	tmp := filepath.Join(root, "photo.jpg.tmp")
	os.WriteFile(tmp, []byte("v2"), 0644)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	events := collect(w, 5*testWindow)
	if len(events) != 1 || events[0].Kind != Modified || events[0].Path != path {
		t.Errorf("events = %+v, want a single modified", events)
	}
}

func TestStaleRemovalMarkerExpires(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "reused")
	os.WriteFile(path, []byte("x"), 0644)
	w := newTestWatcher(t, root, DefaultMaxDepth)

	w.mu.Lock()
	w.gone[path] = time.Now().Add(-2 * goneTTL)
	w.mu.Unlock()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev := next(t, w)
	if ev.Kind != Removed || ev.Path != path {
		t.Errorf("event = %+v", ev)
	}
}

func TestDepthLimit(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t, root, 1)

	os.WriteFile(filepath.Join(deep, "too-deep.jpg"), []byte("x"), 0644)
	shallow := filepath.Join(root, "a", "ok.jpg")
	os.WriteFile(shallow, []byte("x"), 0644)

	events := collect(w, 5*testWindow)
	if len(events) != 1 || events[0].Path != shallow {
		t.Errorf("events = %+v, want only %s", events, shallow)
	}
}

func TestIgnoresHiddenAndTempFiles(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, DefaultMaxDepth)

	for _, name := range []string{".DS_Store", "upload.jpg.part", "draft.tmp", "notes.txt~"} {
		os.WriteFile(filepath.Join(root, name), []byte("x"), 0644)
	}
	if events := collect(w, 5*testWindow); len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

func TestAddMissingRoot(t *testing.T) {
	w, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	err = w.Add(filepath.Join(t.TempDir(), "missing"), 2)
	if !errors.Is(err, mediaerr.ErrWatchUnavailable) {
		t.Errorf("expected ErrWatchUnavailable, got %v", err)
	}
}

func TestCloseClosesEvents(t *testing.T) {
	w, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("expected closed events channel")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
