package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

func newWiki(t *testing.T, titles []string, extracts map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/w/api.php":
			assert.Equal(t, "search", r.URL.Query().Get("list"))
			var items []string
			for _, title := range titles {
				items = append(items, `{"title":"`+title+`"}`)
			}
			_, _ = w.Write([]byte(`{"query":{"search":[` + strings.Join(items, ",") + `]}}`))
		case strings.HasPrefix(r.URL.Path, "/api/rest_v1/page/summary/"):
			title := strings.ReplaceAll(strings.TrimPrefix(r.URL.Path, "/api/rest_v1/page/summary/"), "_", " ")
			extract, ok := extracts[title]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(`{"title":"` + title + `","extract":"` + extract + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestSearchKnowledge_JoinsPageSummaries(t *testing.T) {
	srv := newWiki(t, []string{"Dravet syndrome", "Epilepsy", "Missing page"}, map[string]string{
		"Dravet syndrome": "A severe epilepsy of infancy.",
		"Epilepsy":        "A group of neurological disorders.",
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	entries, err := c.SearchKnowledge(context.Background(), "HP:0001250")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "HP:0001250", entries[0].Title)
	assert.Equal(t,
		"Page: Dravet syndrome\nSummary: A severe epilepsy of infancy.\n\nPage: Epilepsy\nSummary: A group of neurological disorders.",
		entries[0].Summary)
}

func TestSearchKnowledge_NoHits(t *testing.T) {
	srv := newWiki(t, nil, nil)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	entries, err := c.SearchKnowledge(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchKnowledge_TruncatesLongSummaries(t *testing.T) {
	srv := newWiki(t, []string{"Long"}, map[string]string{"Long": strings.Repeat("x", 100)})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxChars: 20}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	entries, err := c.SearchKnowledge(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Summary, 20)
}

func TestSearchKnowledge_SearchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	_, err := c.SearchKnowledge(context.Background(), "q")
	assert.Error(t, err)
}

func TestNewClient_ExpandsLanguage(t *testing.T) {
	c := NewClient(Config{Language: "ja"}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	assert.Equal(t, "https://ja.wikipedia.org", c.baseURL)
}
