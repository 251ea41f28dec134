// Package normalizer maps free-text disease names to canonical disease
// identifiers by embedding similarity.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("vector dimension does not match index")

// Entry is one canonical disease of the index.
type Entry struct {
	ID     string    `json:"id"`
	Label  string    `json:"label"`
	Vector []float32 `json:"vector"`
}

// Index is an in-memory set of unit length disease vectors. It is read only
// after construction.
type Index struct {
	Model   string  `json:"model"`
	Dim     int     `json:"dim"`
	Entries []Entry `json:"entries"`
}

// NewIndex normalizes every vector and drops zero vectors.
func NewIndex(model string, entries []Entry) (*Index, error) {
	idx := &Index{Model: model, Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		if idx.Dim == 0 {
			idx.Dim = len(e.Vector)
		}
		if len(e.Vector) != idx.Dim {
			return nil, fmt.Errorf("%w: %s has %d, want %d", ErrDimension, e.ID, len(e.Vector), idx.Dim)
		}
		v, ok := unit(e.Vector)
		if !ok {
			continue
		}
		idx.Entries = append(idx.Entries, Entry{ID: e.ID, Label: e.Label, Vector: v})
	}
	return idx, nil
}

// Len returns the number of indexed diseases.
func (idx *Index) Len() int { return len(idx.Entries) }

// Nearest returns the entry with the highest cosine similarity to q.
// ok is false when the index is empty, q is a zero vector or no similarity
// is comparable (NaN or infinite components).
func (idx *Index) Nearest(q []float32) (best Entry, similarity float64, ok bool, err error) {
	if len(idx.Entries) == 0 {
		return Entry{}, 0, false, nil
	}
	if len(q) != idx.Dim {
		return Entry{}, 0, false, fmt.Errorf("%w: query has %d, want %d", ErrDimension, len(q), idx.Dim)
	}
	qn, nonZero := unit(q)
	if !nonZero {
		return Entry{}, 0, false, nil
	}
	bestIdx := -1
	similarity = math.Inf(-1)
	for i, e := range idx.Entries {
		if s := dot(qn, e.Vector); s > similarity {
			similarity, bestIdx = s, i
		}
	}
	if bestIdx < 0 {
		return Entry{}, 0, false, nil
	}
	return idx.Entries[bestIdx], similarity, true, nil
}

// Save writes the index as JSON.
func (idx *Index) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadIndex reads an index written by Save and re-normalizes its vectors.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var raw Index
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	return NewIndex(raw.Model, raw.Entries)
}

func unit(v []float32) ([]float32, bool) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return nil, false
	}
	n := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out, true
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// chordDistance is the euclidean distance between unit vectors with the given cosine.
func chordDistance(cos float64) float64 {
	d := 2 - 2*cos
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d)
}
