package gallery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/metrics"
)

// Processor warms the thumbnail cache in the background so that viewers
// rarely wait on a first-time derivation.
type Processor struct {
	engine  *Engine
	queue   chan string
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int
}

// NewProcessor creates a processor with the given number of workers.
func NewProcessor(engine *Engine, workers int) *Processor {
	if workers <= 0 {
		workers = 2
	}
	return &Processor{
		engine:  engine,
		queue:   make(chan string, 1000),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Info("gallery processor started", zap.Int("workers", p.workers))
}

// Stop signals workers to stop and waits for them to finish. Queued paths
// that were not processed yet are dropped.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logging.Info("gallery processor stopped")
}

// Enqueue schedules a thumbnail for path. Paths the codec cannot decode are
// ignored; a full queue drops the path.
func (p *Processor) Enqueue(path string) bool {
	if !media.Decodable(path) {
		return false
	}
	select {
	case p.queue <- path:
		return true
	default:
		metrics.RecordProcessorDrop()
		logging.Warn("gallery processor queue full, dropping", zap.String("path", path))
		return false
	}
}

// EnqueueAll schedules every decodable path and returns how many were queued.
func (p *Processor) EnqueueAll(paths []string) int {
	n := 0
	for _, path := range paths {
		if p.Enqueue(path) {
			n++
		}
	}
	if n > 0 {
		logging.Info("gallery: enqueued existing images for processing", zap.Int("count", n))
	}
	return n
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-p.queue:
			p.process(ctx, path)
		}
	}
}

func (p *Processor) process(ctx context.Context, path string) {
	r, err := p.engine.Thumbnail(ctx, path, ThumbOptions{})
	if err != nil {
		// The file may have been removed again before its turn came.
		logging.Debug("gallery: warm-up skipped", zap.String("path", path), zap.Error(err))
		return
	}
	logging.Debug("gallery: processed image",
		zap.String("path", path),
		zap.Bool("thumbnail", !r.Original))
}
