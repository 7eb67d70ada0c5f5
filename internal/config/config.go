// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// NamespaceSpec binds a logical namespace name to a physical root and the
// application context its change events are published under.
type NamespaceSpec struct {
	Name string
	Root string
	App  string
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Artifact storage ("local" or "s3", default: "local")
	ArtifactBackend    string
	ArtifactDir        string
	ArtifactMaxEntries int

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Namespaces and watching
	Namespaces      []NamespaceSpec
	MediaExtensions []string
	WatchDebounce   time.Duration
	WatchMaxDepth   int

	// Derivation
	GalleryWorkers int
	WarmOnRegister bool
	ComputeTimeout time.Duration

	// WebSocket
	HeartbeatInterval time.Duration

	// OCR (optional)
	OCRURL  string
	OCRLang string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		ArtifactBackend:    envOr("ARTIFACT_BACKEND", "local"),
		ArtifactDir:        envOr("ARTIFACT_DIR", "/data/artifacts"),
		ArtifactMaxEntries: envInt("ARTIFACT_MAX_ENTRIES", 10000),
		S3Endpoint:         envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:           envOr("S3_BUCKET", "mediasync-artifacts"),
		S3AccessKey:        envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:           envOr("S3_REGION", "us-east-1"),
		S3UseSSL:           envBool("S3_USE_SSL", false),
		MediaExtensions:    envList("MEDIA_EXTENSIONS"),
		WatchDebounce:      envDuration("WATCH_DEBOUNCE", 500*time.Millisecond),
		WatchMaxDepth:      envInt("WATCH_MAX_DEPTH", 4),
		GalleryWorkers:     envInt("GALLERY_WORKERS", 2),
		WarmOnRegister:     envBool("WARM_ON_REGISTER", true),
		ComputeTimeout:     envDuration("COMPUTE_TIMEOUT", 0), // 0 = no timeout
		HeartbeatInterval:  envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		OCRURL:             envOr("OCR_URL", ""),
		OCRLang:            envOr("OCR_LANG", "eng"),
	}

	namespaces, err := ParseNamespaces(os.Getenv("NAMESPACES"))
	if err != nil {
		return nil, err
	}
	cfg.Namespaces = namespaces

	if cfg.ArtifactBackend != "local" && cfg.ArtifactBackend != "s3" {
		return nil, fmt.Errorf("ARTIFACT_BACKEND must be local or s3, got %q", cfg.ArtifactBackend)
	}
	if cfg.ArtifactBackend == "local" && cfg.ArtifactDir == "" {
		return nil, fmt.Errorf("ARTIFACT_DIR is required for the local backend")
	}
	if cfg.WatchDebounce <= 0 {
		return nil, fmt.Errorf("WATCH_DEBOUNCE must be positive")
	}

	return cfg, nil
}

// ParseNamespaces parses "name=root[@app],name=root[@app]". The app context
// defaults to the namespace name.
func ParseNamespaces(raw string) ([]NamespaceSpec, error) {
	var specs []NamespaceSpec
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rest, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid namespace %q: want name=root[@app]", part)
		}
		root, app, _ := strings.Cut(rest, "@")
		root = strings.TrimSpace(root)
		app = strings.TrimSpace(app)
		if app == "" {
			app = name
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate namespace %q", name)
		}
		seen[name] = true
		specs = append(specs, NamespaceSpec{Name: name, Root: filepath.Clean(root), App: app})
	}
	return specs, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if !strings.HasPrefix(item, ".") {
			item = "." + item
		}
		out = append(out, item)
	}
	return out
}
