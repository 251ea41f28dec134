package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var errUnavailable = errors.New("service unavailable")

type fakeKnowledge struct {
	mu      sync.Mutex
	entries []KnowledgeEntry
	err     error
	queries []string
}

func (f *fakeKnowledge) SearchKnowledge(_ context.Context, q string) ([]KnowledgeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func (f *fakeKnowledge) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakeCases struct {
	cases []CaseRecord
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeCases) SearchCases(_ context.Context, _ string) ([]CaseRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.cases, nil
}

type fakeRanker struct {
	res RankedCandidates
	err error
}

func (f *fakeRanker) RankCandidates(_ context.Context, _ PhenotypeSet) (RankedCandidates, error) {
	if f.err != nil {
		return RankedCandidates{}, f.err
	}
	return f.res, nil
}

// fakeNormalizer resolves names found in table, case-insensitively.
type fakeNormalizer struct {
	table map[string]Match
	err   error
}

func (f *fakeNormalizer) Normalize(_ context.Context, name string) (*Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.table[strings.ToLower(name)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// scriptedGenerator answers synthesis prompts with reports in order and
// judgment prompts through judge.
type scriptedGenerator struct {
	mu        sync.Mutex
	reports   []string
	judge     func(prompt string) (string, error)
	synthErr  error
	synthesis []string
	judgments []string
}

func isJudgmentPrompt(p string) bool {
	return strings.Contains(p, "evaluate whether the proposed diagnosis is correct")
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if isJudgmentPrompt(prompt) {
		g.judgments = append(g.judgments, prompt)
		if g.judge == nil {
			return "DIAGNOSIS ASSESSMENT: [Incorrect]", nil
		}
		return g.judge(prompt)
	}
	g.synthesis = append(g.synthesis, prompt)
	if g.synthErr != nil {
		return "", g.synthErr
	}
	if len(g.reports) == 0 {
		return "", errors.New("no scripted report")
	}
	i := len(g.synthesis) - 1
	if i >= len(g.reports) {
		i = len(g.reports) - 1
	}
	return g.reports[i], nil
}

func (g *scriptedGenerator) counts() (synthesis, judgments int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.synthesis), len(g.judgments)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) Observe(_ string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type mapLabeler map[string]string

func (m mapLabeler) Label(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		label, ok := m[c]
		if !ok {
			label = "Unknown"
		}
		out = append(out, c+":"+label)
	}
	return out
}

type denyLimiter struct{}

func (denyLimiter) Wait(context.Context) error { return errors.New("rate: wait would exceed deadline") }

// buildReport renders a well formed report with one section per name.
func buildReport(names ...string) string {
	var b strings.Builder
	for i, n := range names {
		fmt.Fprintf(&b, "## **%s** (Rank #%d/5)\n### Diagnostic Reasoning:\n- %s fits the phenotype [%d].\n\n", n, i+1, n, i+1)
	}
	b.WriteString("## References:\n[1] literature\n")
	return b.String()
}
