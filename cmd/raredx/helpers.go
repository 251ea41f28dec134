package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/streaming"
	"github.com/raredx/orchestrator/internal/util"
	"github.com/raredx/orchestrator/internal/validation"
)

// parsePhenotypes accepts codes as separate arguments, comma separated, or both.
func parsePhenotypes(args []string) (diagnosis.PhenotypeSet, error) {
	var raw []string
	for _, a := range args {
		raw = append(raw, strings.Split(a, ",")...)
	}
	codes, err := validation.Phenotypes(raw)
	if err != nil {
		return nil, err
	}
	return diagnosis.PhenotypeSet(codes), nil
}

const eventMessageLimit = 200

func formatEvent(ev streaming.Event) string {
	var b strings.Builder
	if ev.Round > 0 {
		fmt.Fprintf(&b, "[round %d] ", ev.Round)
	}
	b.WriteString(ev.Type)
	if ev.Message != "" {
		b.WriteString(": ")
		b.WriteString(util.TruncateString(ev.Message, eventMessageLimit, true))
	}
	return b.String()
}

func writeResult(w io.Writer, res *diagnosis.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "Run %s: %s after %d round(s)\n\n", res.RunID, res.Status, res.Rounds)
	if report := strings.TrimSpace(string(res.Report)); report != "" {
		fmt.Fprintln(w, report)
		fmt.Fprintln(w)
	}
	switch {
	case res.Reflection == nil:
		fmt.Fprintln(w, "Candidates were not verified.")
	case len(res.Reflection.Accepted) == 0:
		fmt.Fprintln(w, "No candidate was confirmed.")
	default:
		fmt.Fprintln(w, "Confirmed diagnoses:")
		for i, c := range res.Reflection.Accepted {
			fmt.Fprintf(w, "  %d. %s (%s, similarity %.2f)\n", i+1, c.Disease.Label, c.Disease.ID, c.Disease.Similarity)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
