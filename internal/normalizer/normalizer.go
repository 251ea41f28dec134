package normalizer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/embeddings"
	"github.com/raredx/orchestrator/internal/vectordb"
)

// Embedder produces query and document vectors.
type Embedder interface {
	Embed(ctx context.Context, text, task string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, task string) ([][]float32, error)
}

// Local matches names against an in-memory Index. It implements diagnosis.NameNormalizer.
type Local struct {
	emb    Embedder
	index  *Index
	logger *zap.Logger
}

func NewLocal(emb Embedder, index *Index, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{emb: emb, index: index, logger: logger}
}

func (l *Local) Normalize(ctx context.Context, name string) (*diagnosis.Match, error) {
	name = strings.TrimSpace(name)
	if name == "" || l.index == nil || l.index.Len() == 0 {
		return nil, nil
	}
	q, err := l.emb.Embed(ctx, name, embeddings.TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embed %q: %w", name, err)
	}
	best, sim, ok, err := l.index.Nearest(q)
	if err != nil || !ok {
		return nil, err
	}
	d := chordDistance(sim)
	l.logger.Debug("Normalized disease name",
		zap.String("name", name),
		zap.String("id", best.ID),
		zap.Float64("similarity", sim))
	return &diagnosis.Match{ID: best.ID, Label: best.Label, Similarity: sim, Distance: &d}, nil
}

// Searcher is the vector store query used by Remote.
type Searcher interface {
	Search(ctx context.Context, vec []float32, limit int, threshold float64) ([]vectordb.Point, error)
}

// Remote matches names against a Qdrant collection whose points carry id and
// label payloads. It implements diagnosis.NameNormalizer.
type Remote struct {
	emb    Embedder
	store  Searcher
	logger *zap.Logger
}

func NewRemote(emb Embedder, store Searcher, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{emb: emb, store: store, logger: logger}
}

func (r *Remote) Normalize(ctx context.Context, name string) (*diagnosis.Match, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	q, err := r.emb.Embed(ctx, name, embeddings.TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embed %q: %w", name, err)
	}
	pts, err := r.store.Search(ctx, q, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, nil
	}
	id, _ := pts[0].Payload["id"].(string)
	label, _ := pts[0].Payload["label"].(string)
	if id == "" || label == "" {
		r.logger.Warn("Vector hit without id or label payload", zap.Any("point", pts[0].ID))
		return nil, nil
	}
	d := chordDistance(pts[0].Score)
	return &diagnosis.Match{ID: id, Label: label, Similarity: pts[0].Score, Distance: &d}, nil
}
