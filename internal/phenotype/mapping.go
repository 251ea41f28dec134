package phenotype

import (
	"encoding/json"
	"fmt"
	"os"
)

// UnknownLabel is used for codes missing from the mapping.
const UnknownLabel = "Unknown"

// Mapping renders HPO codes as "code:label". It implements diagnosis.PhenotypeLabeler.
type Mapping struct {
	labels map[string]string
}

// LoadMapping reads a JSON object of code to label.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phenotype mapping: %w", err)
	}
	labels := map[string]string{}
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("parse phenotype mapping %s: %w", path, err)
	}
	return NewMapping(labels), nil
}

func NewMapping(labels map[string]string) *Mapping {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return &Mapping{labels: cp}
}

func (m *Mapping) Label(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		label, ok := m.labels[c]
		if !ok {
			label = UnknownLabel
		}
		out[i] = c + ":" + label
	}
	return out
}

// Len returns the number of known codes.
func (m *Mapping) Len() int { return len(m.labels) }
