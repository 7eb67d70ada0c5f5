package config

import (
	"testing"
	"time"
)

func TestParseNamespaces(t *testing.T) {
	specs, err := ParseNamespaces("gallery=/srv/gallery, kpi=/srv/kpi@dashboard,")
	if err != nil {
		t.Fatalf("ParseNamespaces: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 namespaces, got %d", len(specs))
	}
	if specs[0].Name != "gallery" || specs[0].Root != "/srv/gallery" || specs[0].App != "gallery" {
		t.Errorf("unexpected first namespace: %+v", specs[0])
	}
	if specs[1].App != "dashboard" {
		t.Errorf("expected app dashboard, got %q", specs[1].App)
	}
}

func TestParseNamespacesErrors(t *testing.T) {
	tests := []string{
		"gallery",
		"=/srv/x",
		"gallery=",
		"a=/x,a=/y",
	}
	for _, raw := range tests {
		if _, err := ParseNamespaces(raw); err == nil {
			t.Errorf("ParseNamespaces(%q): expected error", raw)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NAMESPACES", "gallery=/tmp/gallery")
	t.Setenv("MEDIA_EXTENSIONS", "JPG, .png")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.WatchDebounce != 500*time.Millisecond {
		t.Errorf("expected 500ms debounce, got %s", cfg.WatchDebounce)
	}
	if !cfg.WarmOnRegister {
		t.Error("expected warm-up on register by default")
	}
	if len(cfg.Namespaces) != 1 {
		t.Fatalf("expected 1 namespace, got %d", len(cfg.Namespaces))
	}
	if len(cfg.MediaExtensions) != 2 || cfg.MediaExtensions[0] != ".jpg" || cfg.MediaExtensions[1] != ".png" {
		t.Errorf("unexpected extensions: %v", cfg.MediaExtensions)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("ARTIFACT_BACKEND", "ftp")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
