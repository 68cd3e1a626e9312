package mediacache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JWIMaster/Neocord-sub000/internal/cache"
	"github.com/JWIMaster/Neocord-sub000/internal/fetcher"
	"github.com/JWIMaster/Neocord-sub000/internal/image_processor"
	"github.com/JWIMaster/Neocord-sub000/internal/media"
)

type RegistryOptions struct {
	BaseURL       string
	MemoryEntries int
	Disk          cache.DiskOptions
	Fetcher       fetcher.Fetcher
	Processor     *image_processor.Processor
	Queue         Scheduler
	Dispatcher    Dispatcher
	// Kinds defaults to every built-in kind.
	Kinds []Kind
}

// Registry owns one Engine per asset kind. Each engine has its own memory
// tier and disk namespace; the fetcher, processor and queue are shared.
type Registry struct {
	engines map[string]*Engine
	names   []string
}

func NewRegistry(opts RegistryOptions, log *zap.Logger) (*Registry, error) {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = Kinds()
	}

	r := &Registry{engines: make(map[string]*Engine, len(kinds))}
	for _, k := range kinds {
		if _, dup := r.engines[k.Name]; dup {
			return nil, fmt.Errorf("duplicate kind %q", k.Name)
		}

		memory, err := cache.NewMemoryCache[media.Key, media.Entry](k.Name, opts.MemoryEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory tier for %s: %w", k.Name, err)
		}
		disk, err := cache.NewDiskTier(opts.Disk, k.Name, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk tier for %s: %w", k.Name, err)
		}

		e, err := NewEngine(Options{
			Kind:       k,
			BaseURL:    opts.BaseURL,
			Memory:     memory,
			Disk:       disk,
			Fetcher:    opts.Fetcher,
			Processor:  opts.Processor,
			Queue:      opts.Queue,
			Dispatcher: opts.Dispatcher,
		}, log)
		if err != nil {
			return nil, err
		}
		r.engines[k.Name] = e
		r.names = append(r.names, k.Name)
	}
	sort.Strings(r.names)

	log.Info("Media caches ready", zap.Strings("kinds", r.names), zap.String("disk", opts.Disk.Type))
	return r, nil
}

func (r *Registry) Engine(kind string) (*Engine, bool) {
	e, ok := r.engines[kind]
	return e, ok
}

// Names lists the registered kinds in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// ClearAll clears every kind, continuing past failures.
func (r *Registry) ClearAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.names {
		if err := r.engines[name].Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Stats(ctx context.Context) []Stats {
	stats := make([]Stats, 0, len(r.names))
	for _, name := range r.names {
		stats = append(stats, r.engines[name].Stats(ctx))
	}
	return stats
}
