// Package phenotype ranks candidate diseases for a set of HPO codes and
// renders codes with their labels.
package phenotype

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
)

// PubCaseFinderConfig configures the ranked list API client.
type PubCaseFinderConfig struct {
	BaseURL string
	Target  string
	TopN    int
	Timeout time.Duration
}

// PubCaseFinder fetches phenotype driven disease rankings.
type PubCaseFinder struct {
	cfg    PubCaseFinderConfig
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewPubCaseFinder(cfg PubCaseFinderConfig, breaker circuitbreaker.Config, logger *zap.Logger) *PubCaseFinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://pubcasefinder.dbcls.jp"
	}
	if cfg.Target == "" {
		cfg.Target = "omim"
	}
	if cfg.TopN <= 0 {
		cfg.TopN = diagnosis.MaxCandidates
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := &http.Client{Timeout: cfg.Timeout}
	return &PubCaseFinder{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(hc, "pubcasefinder", "ranker", breaker, logger),
		logger: logger,
	}
}

// Rank returns the top ranked diseases for codes, keeping only name,
// description and score.
func (p *PubCaseFinder) Rank(ctx context.Context, codes []string) ([]diagnosis.RankedDisease, error) {
	q := url.Values{}
	q.Set("target", p.cfg.Target)
	q.Set("format", "json")
	q.Set("hpo_id", strings.Join(codes, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/api/pcf_get_ranked_list?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pubcasefinder request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pubcasefinder status %d", resp.StatusCode)
	}

	var items []diagnosis.RankedDisease
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode pubcasefinder response: %w", err)
	}
	if len(items) > p.cfg.TopN {
		items = items[:p.cfg.TopN]
	}
	if items == nil {
		items = []diagnosis.RankedDisease{}
	}
	return items, nil
}
