// Package validation checks phenotype input before a run is accepted.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var hpoPattern = regexp.MustCompile(`^HP:\d{7}$`)

// InvalidCodesError lists the codes that are not HPO term identifiers.
type InvalidCodesError struct {
	Codes []string
}

func (e *InvalidCodesError) Error() string {
	return fmt.Sprintf("invalid HPO codes: %s (expected HP:nnnnnnn)", strings.Join(e.Codes, ", "))
}

// NormalizeCode upper-cases code and accepts the HP_nnnnnnn spelling used by
// ontology exports.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if strings.HasPrefix(code, "HP_") {
		code = "HP:" + strings.TrimPrefix(code, "HP_")
	}
	return code
}

// Phenotypes normalizes codes, drops blanks and duplicates (first occurrence
// wins) and reports every malformed code at once.
func Phenotypes(codes []string) ([]string, error) {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	var bad []string
	for _, c := range codes {
		c = NormalizeCode(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if !hpoPattern.MatchString(c) {
			bad = append(bad, c)
			continue
		}
		out = append(out, c)
	}
	if len(bad) > 0 {
		return nil, &InvalidCodesError{Codes: bad}
	}
	return out, nil
}
