package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrEpochDone reports that every batch of the current epoch has been
// delivered.
var ErrEpochDone = errors.New("epoch exhausted")

// LoaderConfig holds configuration for the async loader.
type LoaderConfig struct {
	BatchSize     int     // Samples per micro-batch
	Workers       int     // Background workers (default: 2)
	PrefetchDepth int     // Batches prepared ahead (default: 3)
	Seed          int64   // Shuffle seed; 0 draws from the clock
	Collate       Collate // Entry-to-tensor assembly
}

// Loader streams shuffled micro-batches for one epoch at a time. Reset
// redraws the visit order and restarts the background workers; Next blocks
// until a batch is ready, an error surfaces or the context is cancelled.
type Loader struct {
	dataset       Dataset
	batchSize     int
	workers       int
	prefetchDepth int
	collate       Collate
	rng           *rand.Rand

	mu       sync.Mutex
	order    []int
	position int

	batchChannel chan *Batch
	errorChannel chan error
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
}

// NewLoader creates a loader over the dataset. The first epoch starts on
// Reset.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Collate == nil {
		return nil, fmt.Errorf("collate function is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 3
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}

	return &Loader{
		dataset:       ds,
		batchSize:     cfg.BatchSize,
		workers:       cfg.Workers,
		prefetchDepth: cfg.PrefetchDepth,
		collate:       cfg.Collate,
		rng:           rand.New(rand.NewSource(seed)),
		order:         order,
	}, nil
}

// NumBatches returns batches per epoch, counting a trailing short batch.
func (l *Loader) NumBatches() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Reset shuffles the visit order and starts workers for a fresh epoch. Any
// epoch still in flight is stopped first.
func (l *Loader) Reset(ctx context.Context) {
	l.Stop()

	l.mu.Lock()
	l.rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
	l.position = 0
	l.mu.Unlock()

	epochCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.batchChannel = make(chan *Batch, l.prefetchDepth)
	l.errorChannel = make(chan error, l.workers)
	l.running = true

	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker(epochCtx)
	}
	// Close the batch channel once every worker has drained its spans so
	// Next can distinguish completion from cancellation.
	go func(ch chan *Batch) {
		l.wg.Wait()
		close(ch)
	}(l.batchChannel)
}

// Stop cancels the in-flight epoch and waits for the workers to exit.
func (l *Loader) Stop() {
	if !l.running {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.running = false
}

// Next returns the next micro-batch of the current epoch. It returns
// ErrEpochDone once the epoch is fully delivered.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	select {
	case batch, ok := <-l.batchChannel:
		if !ok {
			// Workers are done; surface a pending failure if one exists.
			select {
			case err := <-l.errorChannel:
				return nil, fmt.Errorf("loader worker failed: %w", err)
			default:
				return nil, ErrEpochDone
			}
		}
		return batch, nil
	case err := <-l.errorChannel:
		return nil, fmt.Errorf("loader worker failed: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// nextSpan claims the next contiguous run of shuffled indices.
func (l *Loader) nextSpan() ([]int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position >= len(l.order) {
		return nil, false
	}
	lo := l.position
	hi := lo + l.batchSize
	if hi > len(l.order) {
		hi = len(l.order)
	}
	l.position = hi
	span := make([]int, hi-lo)
	copy(span, l.order[lo:hi])
	return span, true
}

// worker claims spans, assembles batches and feeds the prefetch channel
// until the epoch is exhausted or the context is cancelled.
func (l *Loader) worker(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		span, ok := l.nextSpan()
		if !ok {
			return
		}

		entries := make([]Entry, len(span))
		var err error
		for i, idx := range span {
			entries[i], err = l.dataset.GetItem(idx)
			if err != nil {
				l.reportError(ctx, fmt.Errorf("failed to get item %d: %w", idx, err))
				return
			}
		}

		batch, err := l.collate(entries)
		if err != nil {
			l.reportError(ctx, err)
			return
		}

		select {
		case l.batchChannel <- batch:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loader) reportError(ctx context.Context, err error) {
	select {
	case l.errorChannel <- err:
	case <-ctx.Done():
	}
}
