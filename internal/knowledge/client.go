// Package knowledge looks up encyclopedic background for a phenotype query.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/util"
)

// Config configures the encyclopedia client. BaseURL may contain a %s verb
// that is replaced by Language.
type Config struct {
	BaseURL   string
	Language  string
	UserAgent string
	TopK      int
	MaxChars  int
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://%s.wikipedia.org",
		Language:  "en",
		UserAgent: "raredx-orchestrator/1.0",
		TopK:      3,
		MaxChars:  4000,
		Timeout:   30 * time.Second,
	}
}

// Client implements diagnosis.KnowledgeSearcher against the MediaWiki API.
type Client struct {
	cfg     Config
	baseURL string
	httpw   *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

type summaryResponse struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
}

func NewClient(cfg Config, breaker circuitbreaker.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	base := cfg.BaseURL
	if strings.Contains(base, "%s") {
		base = fmt.Sprintf(base, cfg.Language)
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(base, "/"),
		httpw:   circuitbreaker.NewHTTPWrapper(hc, "wikipedia", "knowledge", breaker, logger),
		logger:  logger,
	}
}

// SearchKnowledge returns a single entry titled after the query whose summary
// concatenates the top matching pages. No hits yields an empty slice.
func (c *Client) SearchKnowledge(ctx context.Context, query string) ([]diagnosis.KnowledgeEntry, error) {
	titles, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(titles) == 0 {
		return []diagnosis.KnowledgeEntry{}, nil
	}

	parts := make([]string, 0, len(titles))
	for _, title := range titles {
		extract, err := c.summary(ctx, title)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("Skipping page without summary", zap.String("title", title), zap.Error(err))
			continue
		}
		parts = append(parts, fmt.Sprintf("Page: %s\nSummary: %s", title, extract))
	}
	if len(parts) == 0 {
		return []diagnosis.KnowledgeEntry{}, nil
	}

	text := util.TruncateRunes(strings.Join(parts, "\n\n"), c.cfg.MaxChars)
	return []diagnosis.KnowledgeEntry{{Title: query, Summary: text}}, nil
}

func (c *Client) search(ctx context.Context, query string) ([]string, error) {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("list", "search")
	q.Set("srsearch", query)
	q.Set("srlimit", fmt.Sprint(c.cfg.TopK))
	q.Set("format", "json")

	var out searchResponse
	if err := c.getJSON(ctx, c.baseURL+"/w/api.php?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	titles := make([]string, 0, len(out.Query.Search))
	for _, s := range out.Query.Search {
		if s.Title != "" {
			titles = append(titles, s.Title)
		}
	}
	return titles, nil
}

func (c *Client) summary(ctx context.Context, title string) (string, error) {
	path := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	var out summaryResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/rest_v1/page/summary/"+path, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Extract) == "" {
		return "", fmt.Errorf("empty summary for %q", title)
	}
	return out.Extract, nil
}

func (c *Client) getJSON(ctx context.Context, u string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
