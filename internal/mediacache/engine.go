// Package mediacache resolves media descriptors to decoded images through a
// memory tier, a disk tier and finally the network, one Engine per asset kind.
package mediacache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JWIMaster/Neocord-sub000/internal/cache"
	"github.com/JWIMaster/Neocord-sub000/internal/fetcher"
	"github.com/JWIMaster/Neocord-sub000/internal/flight"
	"github.com/JWIMaster/Neocord-sub000/internal/image_processor"
	"github.com/JWIMaster/Neocord-sub000/internal/media"
	"github.com/JWIMaster/Neocord-sub000/internal/metrics"
)

// Scheduler runs blocking work off the caller's goroutine. Schedule may wait
// for a free worker and is only used from background goroutines. Enqueue
// never blocks and is what request paths use.
type Scheduler interface {
	Schedule(task func()) error
	Enqueue(task func(), onErr func(error))
}

var errProcessingAborted = errors.New("processing aborted")

type Options struct {
	Kind       Kind
	BaseURL    string
	Memory     cache.MemoryTier[media.Key, media.Entry]
	Disk       cache.DiskTier
	Fetcher    fetcher.Fetcher
	Processor  *image_processor.Processor
	Queue      Scheduler
	Dispatcher Dispatcher
}

type Engine struct {
	kind       Kind
	baseURL    string
	memory     cache.MemoryTier[media.Key, media.Entry]
	disk       cache.DiskTier
	fetcher    fetcher.Fetcher
	processor  *image_processor.Processor
	queue      Scheduler
	dispatcher Dispatcher
	flights    flight.Group[fetched]
	logger     *zap.Logger
}

// fetched is the shared outcome of one coordinated fetch.
type fetched struct {
	entry  media.Entry
	source media.Source
}

type Stats struct {
	Kind          string
	MemoryEntries int
	InFlight      int
	Disk          *cache.Usage
}

func NewEngine(opts Options, log *zap.Logger) (*Engine, error) {
	if opts.Kind.Name == "" || opts.Kind.URL == nil {
		return nil, errors.New("kind needs a name and a url builder")
	}
	if opts.Memory == nil || opts.Disk == nil || opts.Fetcher == nil || opts.Processor == nil || opts.Queue == nil {
		return nil, fmt.Errorf("incomplete engine options for %s", opts.Kind.Name)
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = Inline{}
	}

	return &Engine{
		kind:       opts.Kind,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		memory:     opts.Memory,
		disk:       opts.Disk,
		fetcher:    opts.Fetcher,
		processor:  opts.Processor,
		queue:      opts.Queue,
		dispatcher: opts.Dispatcher,
		logger:     log.With(zap.String("kind", opts.Kind.Name)),
	}, nil
}

func (e *Engine) Kind() Kind {
	return e.kind
}

// Resolve looks d up and calls completion exactly once through the engine's
// Dispatcher, unless ctx is done by then, in which case the result is
// dropped. Failures of any tier are delivered as a miss. A memory hit is
// resolved on the calling goroutine; everything else runs on the queue.
func (e *Engine) Resolve(ctx context.Context, d media.Descriptor, completion func(media.Result)) {
	e.resolve(ctx, d, func(res media.Result) {
		e.dispatcher.Dispatch(func() {
			if ctx.Err() != nil {
				e.logger.Debug("Dropping completion of abandoned request", zap.String("entity", d.EntityID))
				return
			}
			completion(res)
		})
	})
}

// Get blocks until d is resolved or ctx is done. It does not go through the
// Dispatcher, so it is safe to call from the dispatch goroutine itself.
func (e *Engine) Get(ctx context.Context, d media.Descriptor) (media.Result, error) {
	ch := make(chan media.Result, 1)
	e.resolve(ctx, d, func(res media.Result) {
		ch <- res
	})

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return media.Result{}, ctx.Err()
	}
}

func (e *Engine) resolve(ctx context.Context, d media.Descriptor, deliver func(media.Result)) {
	key, ok := e.keyFor(d)
	if !ok {
		deliver(media.Result{})
		return
	}

	if entry, ok := e.memory.Get(key); ok {
		metrics.CacheHits.WithLabelValues(e.kind.Name, "memory").Inc()
		deliver(media.ResultOf(entry, media.SourceMemory))
		return
	}
	metrics.CacheMisses.WithLabelValues(e.kind.Name, "memory").Inc()

	// Tier I/O must outlive a caller that gives up; ctx is only consulted
	// again at delivery.
	bg := context.WithoutCancel(ctx)
	e.queue.Enqueue(func() {
		e.resolveSlow(bg, key, d, deliver)
	}, func(err error) {
		e.logger.Warn("Failed to schedule lookup", zap.String("key", key.String()), zap.Error(err))
		deliver(media.Result{})
	})
}

func (e *Engine) resolveSlow(ctx context.Context, key media.Key, d media.Descriptor, deliver func(media.Result)) {
	// Another request may have filled memory while this one was queued.
	if entry, ok := e.memory.Get(key); ok {
		deliver(media.ResultOf(entry, media.SourceMemory))
		return
	}

	name := key.String()
	if data, ok := e.disk.Read(ctx, name); ok {
		entry, err := e.processor.Decode(data, e.processOptions(key))
		if err == nil {
			metrics.CacheHits.WithLabelValues(e.kind.Name, "disk").Inc()
			e.memory.Put(key, entry)
			deliver(media.ResultOf(entry, media.SourceDisk))
			return
		}
		e.logger.Debug("Discarding unreadable disk entry", zap.String("key", name), zap.Error(err))
		if err := e.disk.Delete(ctx, name); err != nil {
			e.logger.Debug("Failed to delete unreadable disk entry", zap.String("key", name), zap.Error(err))
		}
	}
	metrics.CacheMisses.WithLabelValues(e.kind.Name, "disk").Inc()

	e.flights.Do(name, func() (fetched, error) {
		return e.fetch(ctx, key, d)
	}, func(f fetched, err error) {
		if err != nil {
			deliver(media.Result{})
			return
		}
		deliver(media.ResultOf(f.entry, f.source))
	})
}

// fetch runs once per key at a time, shared by every waiter. It runs on the
// flight's own goroutine and hands decoding and encoding to the queue.
func (e *Engine) fetch(ctx context.Context, key media.Key, d media.Descriptor) (fetched, error) {
	if entry, ok := e.memory.Get(key); ok {
		return fetched{entry: entry, source: media.SourceMemory}, nil
	}

	gauge := metrics.FetchesInFlight.WithLabelValues(e.kind.Name)
	gauge.Inc()
	defer gauge.Dec()

	url := e.kind.URL(e.baseURL, d, e.effectiveSize(key))
	raw, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.Fetches.WithLabelValues(e.kind.Name, "error").Inc()
		e.logger.Debug("Fetch failed", zap.String("url", url), zap.Error(err))
		return fetched{}, err
	}

	entry, encoded, err := e.process(raw, key)
	if err != nil {
		metrics.Fetches.WithLabelValues(e.kind.Name, "invalid").Inc()
		e.logger.Debug("Processing failed", zap.String("url", url), zap.Error(err))
		return fetched{}, err
	}
	metrics.Fetches.WithLabelValues(e.kind.Name, "ok").Inc()

	e.memory.Put(key, entry)
	e.persist(ctx, key.String(), encoded)

	return fetched{entry: entry, source: media.SourceNetwork}, nil
}

type processed struct {
	entry   media.Entry
	encoded []byte
	err     error
}

// process runs the pipeline on a worker and waits for it.
func (e *Engine) process(raw []byte, key media.Key) (media.Entry, []byte, error) {
	done := make(chan processed, 1)
	err := e.queue.Schedule(func() {
		// A panic still reaches the pool's handler; the waiter sees an error.
		p := processed{err: errProcessingAborted}
		defer func() { done <- p }()

		start := time.Now()
		p.entry, p.encoded, p.err = e.processor.Process(raw, e.processOptions(key))
		metrics.ProcessingTime.WithLabelValues(e.kind.Name).Observe(time.Since(start).Seconds())
	})
	if err != nil {
		return media.Entry{}, nil, fmt.Errorf("failed to schedule processing: %w", err)
	}
	p := <-done
	return p.entry, p.encoded, p.err
}

// persist writes to disk in the background. Delivery never waits on it and
// failures only cost a future network fetch.
func (e *Engine) persist(ctx context.Context, name string, data []byte) {
	err := e.queue.Schedule(func() {
		if err := e.disk.Write(ctx, name, data); err != nil {
			metrics.DiskWrites.WithLabelValues(e.kind.Name, "error").Inc()
			e.logger.Warn("Failed to persist entry", zap.String("key", name), zap.Error(err))
			return
		}
		metrics.DiskWrites.WithLabelValues(e.kind.Name, "ok").Inc()
	})
	if err != nil {
		e.logger.Warn("Failed to schedule disk write", zap.String("key", name), zap.Error(err))
	}
}

// Clear empties both tiers on the queue and waits for it. Fetches already in
// flight are unaffected and repopulate the cache when they finish.
func (e *Engine) Clear(ctx context.Context) error {
	done := make(chan error, 1)
	bg := context.WithoutCancel(ctx)
	err := e.queue.Schedule(func() {
		e.memory.Clear()
		done <- e.disk.ClearAll(bg)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule clear of %s: %w", e.kind.Name, err)
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to clear %s disk tier: %w", e.kind.Name, err)
		}
		e.logger.Info("Cache cleared")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearMemory drops only the memory tier, as a process restart would.
func (e *Engine) ClearMemory() {
	e.memory.Clear()
}

// Encode renders a resolved image in the disk encoding, for serving it.
func (e *Engine) Encode(img image.Image) ([]byte, error) {
	return e.processor.Encode(img)
}

func (e *Engine) Stats(ctx context.Context) Stats {
	s := Stats{
		Kind:          e.kind.Name,
		MemoryEntries: e.memory.Len(),
		InFlight:      e.flights.InFlight(),
	}
	if r, ok := e.disk.(cache.UsageReporter); ok {
		u, err := r.Usage(ctx)
		if err != nil {
			e.logger.Debug("Failed to read disk usage", zap.Error(err))
		} else {
			s.Disk = &u
		}
	}
	return s
}

func (e *Engine) keyFor(d media.Descriptor) (media.Key, bool) {
	if e.kind.Scoped && d.Scope == "" {
		return media.Key{}, false
	}
	return media.KeyFor(e.kind.Name, d, e.kind.DefaultSize)
}

func (e *Engine) effectiveSize(key media.Key) int {
	if key.Size > 0 {
		return key.Size
	}
	return e.kind.DefaultSize
}

func (e *Engine) processOptions(key media.Key) image_processor.Options {
	return image_processor.Options{
		Mask:    e.kind.Mask,
		Accent:  e.kind.Accent,
		MaxSize: e.effectiveSize(key),
	}
}
