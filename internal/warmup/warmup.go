// Package warmup pre-resolves a known set of media so the first real
// requests are served from the cache.
package warmup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JWIMaster/Neocord-sub000/internal/media"
	"github.com/JWIMaster/Neocord-sub000/internal/mediacache"
)

type Entry struct {
	Kind     string `json:"kind" yaml:"kind"`
	EntityID string `json:"entity_id" yaml:"entity_id"`
	Scope    string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Hash     string `json:"hash" yaml:"hash"`
	Size     int    `json:"size,omitempty" yaml:"size,omitempty"`
}

func (e Entry) Descriptor() media.Descriptor {
	return media.Descriptor{
		EntityID:    e.EntityID,
		Scope:       e.Scope,
		ContentHash: e.Hash,
		Size:        e.Size,
	}
}

type Report struct {
	Resolved int
	Missed   int
	Skipped  int
}

// LoadManifest reads a list of entries from a JSON file, or YAML when the
// file has a .yaml or .yml extension.
func LoadManifest(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return entries, nil
}

// Run resolves every entry with at most workers in parallel. Entries for
// unknown kinds are skipped. It stops scheduling new work once ctx is done.
func Run(ctx context.Context, entries []Entry, workers int, registry *mediacache.Registry, log *zap.Logger) Report {
	if len(entries) == 0 {
		return Report{}
	}

	log.Info("Starting media warmup", zap.Int("entries", len(entries)), zap.Int("workers", workers))

	if workers <= 0 {
		workers = 1
	}

	var resolved, missed, skipped atomic.Int64
	workerChan := make(chan struct{}, workers)
	var wg sync.WaitGroup

loop:
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		engine, ok := registry.Engine(entry.Kind)
		if !ok {
			log.Warn("Unknown kind in warmup manifest, skipping", zap.String("kind", entry.Kind), zap.String("entity", entry.EntityID))
			skipped.Add(1)
			continue
		}

		select {
		case workerChan <- struct{}{}: // Acquire worker slot
		case <-ctx.Done():
			break loop
		}

		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()
			defer func() { <-workerChan }() // Release worker slot

			res, err := engine.Get(ctx, entry.Descriptor())
			if err != nil || !res.Found() {
				log.Debug("Warmup entry missed", zap.String("kind", entry.Kind), zap.String("entity", entry.EntityID), zap.String("hash", entry.Hash), zap.Error(err))
				missed.Add(1)
				return
			}
			resolved.Add(1)
		}(entry)
	}

	wg.Wait()

	report := Report{
		Resolved: int(resolved.Load()),
		Missed:   int(missed.Load()),
		Skipped:  int(skipped.Load()),
	}
	log.Info("Media warmup completed",
		zap.Int("resolved", report.Resolved),
		zap.Int("missed", report.Missed),
		zap.Int("skipped", report.Skipped),
	)
	return report
}
