package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/raredx/orchestrator/internal/embeddings"
	"github.com/raredx/orchestrator/internal/vectordb"
)

// Upserter receives each embedded batch, e.g. a Qdrant collection.
type Upserter interface {
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, points []vectordb.UpsertItem) (*vectordb.UpsertResponse, error)
}

// BuilderConfig paces index construction.
type BuilderConfig struct {
	BatchSize    int
	BatchDelay   time.Duration
	FailureDelay time.Duration
	Concurrency  int
}

// BuildStats summarizes a build.
type BuildStats struct {
	Total         int
	Indexed       int
	FailedBatches int
}

// Builder embeds a disease catalogue in batches. A failing batch is skipped
// after FailureDelay and the build continues.
type Builder struct {
	cfg    BuilderConfig
	emb    Embedder
	model  string
	sink   Upserter
	logger *zap.Logger
}

func NewBuilder(cfg BuilderConfig, emb Embedder, model string, sink Upserter, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Builder{cfg: cfg, emb: emb, model: model, sink: sink, logger: logger}
}

// LoadCatalogue reads a JSON object of disease id to label.
func LoadCatalogue(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	return out, nil
}

// Build embeds every label of catalogue and returns the resulting index in id
// order. Each id stays paired with its own vector even when batches fail.
func (b *Builder) Build(ctx context.Context, catalogue map[string]string) (*Index, BuildStats, error) {
	ids := make([]string, 0, len(catalogue))
	for id := range catalogue {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	stats := BuildStats{Total: len(ids)}

	var batches [][]string
	for start := 0; start < len(ids); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}

	var pace *rate.Limiter
	if b.cfg.BatchDelay > 0 {
		pace = rate.NewLimiter(rate.Every(b.cfg.BatchDelay), 1)
	}
	results := make([][]Entry, len(batches))
	var mu sync.Mutex
	var ensured bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if pace != nil {
				if err := pace.Wait(gctx); err != nil {
					return err
				}
			}
			labels := make([]string, len(batch))
			for j, id := range batch {
				labels[j] = catalogue[id]
			}
			vecs, err := b.emb.EmbedBatch(gctx, labels, embeddings.TaskDocument)
			if err == nil && len(vecs) != len(batch) {
				err = fmt.Errorf("got %d vectors for %d labels", len(vecs), len(batch))
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.logger.Warn("Embedding batch failed, skipping",
					zap.Int("batch", i),
					zap.Int("size", len(batch)),
					zap.Error(err))
				mu.Lock()
				stats.FailedBatches++
				mu.Unlock()
				return sleep(gctx, b.cfg.FailureDelay)
			}

			entries := make([]Entry, len(batch))
			for j, id := range batch {
				entries[j] = Entry{ID: id, Label: labels[j], Vector: vecs[j]}
			}
			if b.sink != nil {
				mu.Lock()
				if !ensured {
					if err := b.sink.EnsureCollection(gctx, len(vecs[0])); err != nil {
						mu.Unlock()
						return err
					}
					ensured = true
				}
				mu.Unlock()
				if _, err := b.sink.Upsert(gctx, toPoints(entries)); err != nil {
					return fmt.Errorf("upsert batch %d: %w", i, err)
				}
			}
			results[i] = entries
			b.logger.Info("Embedded batch", zap.Int("batch", i+1), zap.Int("of", len(batches)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	var all []Entry
	for _, r := range results {
		all = append(all, r...)
	}
	idx, err := NewIndex(b.model, all)
	if err != nil {
		return nil, stats, err
	}
	stats.Indexed = idx.Len()
	return idx, stats, nil
}

func toPoints(entries []Entry) []vectordb.UpsertItem {
	pts := make([]vectordb.UpsertItem, len(entries))
	for i, e := range entries {
		pts[i] = vectordb.UpsertItem{
			ID:      vectordb.PointID(e.ID),
			Vector:  e.Vector,
			Payload: map[string]interface{}{"id": e.ID, "label": e.Label},
		}
	}
	return pts
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
