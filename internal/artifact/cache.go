package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/mediasync/internal/fingerprint"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/metrics"
	"github.com/fruitsalade/mediasync/internal/storage"
)

// ComputeFunc produces the payload of an artifact.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Options configures a Cache.
type Options struct {
	// MaxEntries caps the in-memory index. Entries evicted from the index
	// have their payloads reclaimed. Default 10000.
	MaxEntries int
	// ComputeTimeout bounds a single computation. Zero means no timeout.
	ComputeTimeout time.Duration
	// ReclaimQueue is the capacity of the lazy reclamation queue. Default 1024.
	ReclaimQueue int
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries  int   `json:"entries"`
	Hits     int64 `json:"hits"`
	Adopted  int64 `json:"adopted"`
	Computes int64 `json:"computes"`
	Failures int64 `json:"failures"`
}

type reclaimItem struct {
	key      string
	location string
	reason   string
}

// reclaimDone is the result of a reclamation run in the flight of its key.
type reclaimDone struct{}

// Cache maps (fingerprint, kind, params) to artifacts.
//
// At most one computation per key runs at a time; concurrent callers for the
// same key wait for that computation. A failed computation is reported to
// every waiter and the key stays retryable.
type Cache struct {
	backend storage.Backend
	opts    Options
	log     *zap.Logger

	index   *lru.Cache[string, *Artifact]
	flights singleflight.Group

	mu     sync.Mutex
	byPath map[string]map[string]struct{} // abs source path -> artifact keys

	reclaim   chan reclaimItem
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	hits     atomic.Int64
	adopted  atomic.Int64
	computes atomic.Int64
	failures atomic.Int64
}

// New creates a cache persisting payloads in backend.
func New(backend storage.Backend, opts Options) (*Cache, error) {
	if backend == nil {
		return nil, fmt.Errorf("artifact cache: backend is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.ReclaimQueue <= 0 {
		opts.ReclaimQueue = 1024
	}

	c := &Cache{
		backend: backend,
		opts:    opts,
		log:     logging.Named("artifact"),
		byPath:  make(map[string]map[string]struct{}),
		reclaim: make(chan reclaimItem, opts.ReclaimQueue),
		done:    make(chan struct{}),
	}

	index, err := lru.NewWithEvict[string, *Artifact](opts.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: create index: %w", err)
	}
	c.index = index
	return c, nil
}

// Start launches the background reclaimer.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.reclaimLoop(ctx)
}

// Close stops the reclaimer and waits for it to exit.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// GetOrCompute returns the artifact for req, computing it with compute when
// it is neither indexed nor present in storage.
//
// If ctx is cancelled while waiting, GetOrCompute returns ctx.Err() but the
// shared computation keeps running for the other waiters.
func (c *Cache) GetOrCompute(ctx context.Context, req Request, compute ComputeFunc) (*Artifact, error) {
	key := req.Key()
	if a, ok := c.index.Get(key); ok {
		c.hits.Add(1)
		metrics.RecordArtifactLookup(string(req.Kind), "hit")
		return a, nil
	}

	for {
		ch := c.flights.DoChan(key, func() (any, error) {
			return c.load(req, key, compute)
		})

		select {
		case res := <-ch:
			if _, ok := res.Val.(reclaimDone); ok {
				// Joined the reclamation of a stale payload; load afresh.
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Artifact), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// load runs inside the single flight for key. It is detached from any
// caller's context.
func (c *Cache) load(req Request, key string, compute ComputeFunc) (*Artifact, error) {
	// A previous flight may have finished between the index miss and DoChan.
	if a, ok := c.index.Get(key); ok {
		c.hits.Add(1)
		metrics.RecordArtifactLookup(string(req.Kind), "hit")
		return a, nil
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if c.opts.ComputeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.opts.ComputeTimeout)
		defer cancel()
	}

	location := req.Location()
	exists, err := c.backend.ObjectExists(ctx, location)
	if err != nil {
		c.log.Warn("artifact existence check failed", zap.String("location", location), zap.Error(err))
	}
	if exists {
		c.adopted.Add(1)
		metrics.RecordArtifactLookup(string(req.Kind), "disk")
		a := c.newArtifact(req, key, location, 0)
		c.add(a)
		return a, nil
	}

	metrics.RecordArtifactLookup(string(req.Kind), "miss")
	metrics.AddArtifactsInflight(1)
	defer metrics.AddArtifactsInflight(-1)

	start := time.Now()
	c.computes.Add(1)
	data, err := runCompute(ctx, compute)
	if err == nil {
		err = c.backend.PutObject(ctx, location, bytes.NewReader(data), int64(len(data)))
	}
	metrics.RecordArtifactCompute(string(req.Kind), time.Since(start), err == nil)
	if err != nil {
		c.failures.Add(1)
		c.log.Debug("artifact computation failed",
			zap.String("kind", string(req.Kind)),
			zap.String("path", req.Fingerprint.Path),
			zap.Error(err))
		return nil, mediaerr.Failed(string(req.Kind), req.Fingerprint.Path, err)
	}

	a := c.newArtifact(req, key, location, int64(len(data)))
	c.add(a)
	return a, nil
}

// runCompute calls compute, converting a panic into an error so one bad
// input cannot take down the process.
func runCompute(ctx context.Context, compute ComputeFunc) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()
	return compute(ctx)
}

func (c *Cache) newArtifact(req Request, key, location string, size int64) *Artifact {
	return &Artifact{
		Fingerprint: req.Fingerprint,
		Kind:        req.Kind,
		Params:      req.Params,
		Key:         key,
		Location:    location,
		Size:        size,
		CreatedAt:   time.Now(),
	}
}

func (c *Cache) add(a *Artifact) {
	c.mu.Lock()
	keys, ok := c.byPath[a.Fingerprint.Path]
	if !ok {
		keys = make(map[string]struct{})
		c.byPath[a.Fingerprint.Path] = keys
	}
	keys[a.Key] = struct{}{}
	c.mu.Unlock()

	c.index.Add(a.Key, a)
}

// onEvict runs under the index lock; it must not call back into the index.
func (c *Cache) onEvict(key string, a *Artifact) {
	c.mu.Lock()
	if keys, ok := c.byPath[a.Fingerprint.Path]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byPath, a.Fingerprint.Path)
		}
	}
	c.mu.Unlock()

	select {
	case c.reclaim <- reclaimItem{key: key, location: a.Location, reason: "evicted"}:
	default:
		c.log.Warn("reclaim queue full, leaving orphaned artifact", zap.String("location", a.Location))
	}
}

// Invalidate drops every indexed artifact derived from fp. Payloads are
// reclaimed lazily by the background reclaimer.
func (c *Cache) Invalidate(fp fingerprint.Fingerprint) int {
	// Never touch the index while holding mu: onEvict takes mu under the
	// index lock.
	n := 0
	for _, key := range c.keysFor(fp.Path) {
		if a, ok := c.index.Peek(key); ok && a.Fingerprint.Digest == fp.Digest {
			if c.index.Remove(key) {
				n++
			}
		}
	}
	return n
}

func (c *Cache) keysFor(absPath string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.byPath[absPath]))
	for key := range c.byPath[absPath] {
		keys = append(keys, key)
	}
	return keys
}

// InvalidatePath drops every indexed artifact derived from any version of
// the file at absPath. The watcher uses it because it no longer knows the
// fingerprint a file had before it changed.
func (c *Cache) InvalidatePath(absPath string) int {
	n := 0
	for _, key := range c.keysFor(absPath) {
		if c.index.Remove(key) {
			n++
		}
	}
	return n
}

// Open returns a reader for an artifact's payload.
func (c *Cache) Open(ctx context.Context, a *Artifact) (io.ReadCloser, int64, error) {
	rc, size, err := c.backend.GetObject(ctx, a.Location)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			// Reclaimed underneath us; the next GetOrCompute recomputes it.
			c.index.Remove(a.Key)
			return nil, 0, mediaerr.New(mediaerr.ErrNotFound, "open artifact", a.Location, err)
		}
		return nil, 0, err
	}
	return rc, size, nil
}

// ReadAll returns an artifact's payload bytes.
func (c *Cache) ReadAll(ctx context.Context, a *Artifact) ([]byte, error) {
	rc, _, err := c.Open(ctx, a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// LocalPath returns the filesystem path of an artifact when the backend is
// local, or "" otherwise.
func (c *Cache) LocalPath(a *Artifact) string {
	if l, ok := c.backend.(storage.Locator); ok {
		return l.LocalPath(a.Location)
	}
	return ""
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:  c.index.Len(),
		Hits:     c.hits.Load(),
		Adopted:  c.adopted.Load(),
		Computes: c.computes.Load(),
		Failures: c.failures.Load(),
	}
}

func (c *Cache) reclaimLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case item := <-c.reclaim:
			c.reclaimOne(ctx, item)
		}
	}
}

// reclaimOne deletes a dropped payload inside the flight of its key, so a
// concurrent load can neither adopt it mid-delete nor lose it afterwards.
func (c *Cache) reclaimOne(ctx context.Context, item reclaimItem) {
	v, err, _ := c.flights.Do(item.key, func() (any, error) {
		// Recomputed since it was dropped: the payload is live again.
		if c.index.Contains(item.key) {
			return reclaimDone{}, nil
		}
		if err := c.backend.DeleteObject(ctx, item.location); err != nil {
			return reclaimDone{}, err
		}
		metrics.RecordArtifactReclaimed(item.reason)
		return reclaimDone{}, nil
	})
	if _, ours := v.(reclaimDone); !ours {
		// A load was already running for the key; its payload is live.
		return
	}
	if err != nil {
		c.log.Warn("failed to reclaim artifact", zap.String("location", item.location), zap.Error(err))
	}
}
