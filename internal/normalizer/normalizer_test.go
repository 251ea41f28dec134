package normalizer

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/embeddings"
	"github.com/raredx/orchestrator/internal/vectordb"
)

// tableEmbedder returns fixed vectors per text and fails batches containing "FAIL".
type tableEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	tasks   []string
}

func (e *tableEmbedder) Embed(ctx context.Context, text, task string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text}, task)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *tableEmbedder) EmbedBatch(_ context.Context, texts []string, task string) ([][]float32, error) {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "FAIL") {
			return nil, errors.New("quota exceeded")
		}
		v, ok := e.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func TestIndex_NearestUsesCosine(t *testing.T) {
	idx, err := NewIndex("m", []Entry{
		{ID: "OMIM:1", Label: "long", Vector: []float32{10, 0}},
		{ID: "OMIM:2", Label: "diag", Vector: []float32{1, 1}},
		{ID: "OMIM:3", Label: "zero", Vector: []float32{0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len(), "zero vectors are dropped")

	best, sim, ok, err := idx.Nearest([]float32{0.2, 0.25})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "OMIM:2", best.ID)
	assert.InDelta(t, (0.2+0.25)/math.Sqrt(2)/math.Sqrt(0.04+0.0625), sim, 1e-5)

	_, _, _, err = idx.Nearest([]float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimension)
}

func TestIndex_NearestNonFiniteQuery(t *testing.T) {
	idx, err := NewIndex("m", []Entry{{ID: "OMIM:1", Label: "a", Vector: []float32{1, 0}}})
	require.NoError(t, err)

	for _, q := range [][]float32{
		{float32(math.NaN()), 1},
		{float32(math.Inf(1)), 0},
	} {
		var (
			ok  bool
			err error
		)
		require.NotPanics(t, func() { _, _, ok, err = idx.Nearest(q) })
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestIndex_SaveLoad(t *testing.T) {
	idx, err := NewIndex("embedding-001", []Entry{{ID: "OMIM:1", Label: "a", Vector: []float32{3, 4}}})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "index", "omim.json")
	require.NoError(t, idx.Save(path))

	loaded, err := LoadIndex(path)
	require.NoError(t, err)
	assert.Equal(t, "embedding-001", loaded.Model)
	assert.Equal(t, 2, loaded.Dim)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, loaded.Entries[0].Vector, 1e-6)
}

func TestLocal_Normalize(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{
		"Dravet syndrome": {1, 0.1, 0},
	}}
	idx, err := NewIndex("m", []Entry{
		{ID: "OMIM:607208", Label: "DRAVET SYNDROME", Vector: []float32{1, 0, 0}},
		{ID: "OMIM:312750", Label: "RETT SYNDROME", Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	l := NewLocal(emb, idx, zaptest.NewLogger(t))

	m, err := l.Normalize(context.Background(), " Dravet syndrome ")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "OMIM:607208", m.ID)
	assert.Greater(t, m.Similarity, 0.99)
	require.NotNil(t, m.Distance)
	assert.Less(t, *m.Distance, 0.2)
	assert.Equal(t, []string{embeddings.TaskQuery}, emb.tasks)

	m, err = NewLocal(emb, &Index{}, zaptest.NewLogger(t)).Normalize(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, m)
}

type fakeSearcher struct{ points []vectordb.Point }

func (f fakeSearcher) Search(context.Context, []float32, int, float64) ([]vectordb.Point, error) {
	return f.points, nil
}

func TestRemote_Normalize(t *testing.T) {
	emb := &tableEmbedder{}
	r := NewRemote(emb, fakeSearcher{points: []vectordb.Point{
		{ID: "p", Score: 0.8, Payload: map[string]interface{}{"id": "OMIM:1", "label": "A"}},
	}}, zaptest.NewLogger(t))
	m, err := r.Normalize(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "OMIM:1", m.ID)
	assert.InDelta(t, 0.8, m.Similarity, 1e-9)

	m, err = NewRemote(emb, fakeSearcher{}, zaptest.NewLogger(t)).Normalize(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, m)
}

type recordingSink struct {
	mu     sync.Mutex
	dim    int
	points []vectordb.UpsertItem
}

func (s *recordingSink) EnsureCollection(_ context.Context, dim int) error {
	s.dim = dim
	return nil
}

func (s *recordingSink) Upsert(_ context.Context, pts []vectordb.UpsertItem) (*vectordb.UpsertResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, pts...)
	return &vectordb.UpsertResponse{Status: "completed"}, nil
}

func TestBuilder_SkipsFailedBatchesKeepingAlignment(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"delta": {1, 1, 0},
	}}
	catalogue := map[string]string{
		"OMIM:1": "alpha",
		"OMIM:2": "beta",
		"OMIM:3": "FAIL gamma",
		"OMIM:4": "delta",
	}
	sink := &recordingSink{}
	b := NewBuilder(BuilderConfig{BatchSize: 2, Concurrency: 2}, emb, "m", sink, zaptest.NewLogger(t))

	idx, stats, err := b.Build(context.Background(), catalogue)
	require.NoError(t, err)
	assert.Equal(t, BuildStats{Total: 4, Indexed: 2, FailedBatches: 1}, stats)
	require.Equal(t, 2, idx.Len())
	assert.Equal(t, "OMIM:1", idx.Entries[0].ID)
	assert.Equal(t, "alpha", idx.Entries[0].Label)
	assert.InDeltaSlice(t, []float32{1, 0, 0}, idx.Entries[0].Vector, 1e-6)
	assert.Equal(t, "OMIM:2", idx.Entries[1].ID)
	assert.InDeltaSlice(t, []float32{0, 1, 0}, idx.Entries[1].Vector, 1e-6)

	assert.Equal(t, 3, sink.dim)
	assert.Len(t, sink.points, 2)
	for _, task := range emb.tasks {
		assert.Equal(t, embeddings.TaskDocument, task)
	}
}

func TestBuilder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuilder(BuilderConfig{BatchSize: 1, BatchDelay: 1}, &tableEmbedder{}, "m", nil, zaptest.NewLogger(t))
	_, _, err := b.Build(ctx, map[string]string{"OMIM:1": "a"})
	assert.ErrorIs(t, err, context.Canceled)
}
