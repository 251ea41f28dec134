package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

func newClient(t *testing.T, h http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	c := NewClient(Config{BaseURL: srv.URL, Collection: "omim_diseases"}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	return c, srv.Close
}

func TestSearch_QueryEndpoint(t *testing.T) {
	c, done := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/omim_diseases/points/query", r.URL.Path)
		var req qdrantQueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1, req.Limit)
		assert.True(t, req.WithPayload)
		assert.Nil(t, req.ScoreThreshold)
		_, _ = w.Write([]byte(`{"result":{"points":[{"id":"p1","score":0.91,"payload":{"id":"OMIM:607208","label":"Dravet syndrome"}}]},"status":"ok"}`))
	})
	defer done()

	pts, err := c.Search(context.Background(), []float32{0.1, 0.2}, 1, 0)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.InDelta(t, 0.91, pts[0].Score, 1e-9)
	assert.Equal(t, "Dravet syndrome", pts[0].Payload["label"])
}

func TestSearch_FallsBackToLegacyEndpoint(t *testing.T) {
	c, done := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/omim_diseases/points/query":
			http.NotFound(w, r)
		case "/collections/omim_diseases/points/search":
			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.InDelta(t, 0.5, req["score_threshold"], 1e-9)
			_, _ = w.Write([]byte(`{"result":[{"id":"p2","score":0.7,"payload":{"id":"OMIM:1"}}],"status":"ok"}`))
		}
	})
	defer done()

	pts, err := c.Search(context.Background(), []float32{1}, 3, 0.5)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "OMIM:1", pts[0].Payload["id"])
}

func TestUpsert(t *testing.T) {
	c, done := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/omim_diseases/points", r.URL.Path)
		var body struct {
			Points []UpsertItem `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Points, 2)
		_, _ = w.Write([]byte(`{"result":{"status":"completed"},"time":0.002}`))
	})
	defer done()

	res, err := c.Upsert(context.Background(), []UpsertItem{
		{ID: PointID("OMIM:1"), Vector: []float32{1, 0}, Payload: map[string]interface{}{"id": "OMIM:1"}},
		{ID: PointID("OMIM:2"), Vector: []float32{0, 1}, Payload: map[string]interface{}{"id": "OMIM:2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
}

func TestEnsureCollection_CreatesWhenMissing(t *testing.T) {
	created := false
	c, done := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.NotFound(w, r)
		case http.MethodPut:
			var body map[string]map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Cosine", body["vectors"]["distance"])
			assert.EqualValues(t, 768, body["vectors"]["size"])
			created = true
			_, _ = w.Write([]byte(`{"result":true}`))
		}
	})
	defer done()

	require.NoError(t, c.EnsureCollection(context.Background(), 768))
	assert.True(t, created)
}

func TestEnsureCollection_DimensionMismatch(t *testing.T) {
	c, done := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"points_count":10,"config":{"params":{"vectors":{"size":1536,"distance":"Cosine"}}}}}`))
	})
	defer done()

	err := c.EnsureCollection(context.Background(), 768)
	var mismatch DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1536, mismatch.ReceivedDimension)
}

func TestPointID_Stable(t *testing.T) {
	assert.Equal(t, PointID("OMIM:607208"), PointID("OMIM:607208"))
	assert.NotEqual(t, PointID("OMIM:607208"), PointID("OMIM:312750"))
}
