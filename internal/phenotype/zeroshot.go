package phenotype

import (
	"context"
	"fmt"
	"strings"

	"github.com/raredx/orchestrator/internal/diagnosis"
)

// ZeroShotPurpose labels zero-shot generation calls in metrics.
const ZeroShotPurpose = "zero_shot"

const zeroShotPrompt = "You are a specialist in the field of rare diseases. " +
	"Patient's HPO terms: %s. " +
	"List the top 5 most likely rare disease diagnoses. " +
	"Be precise, and try to cover many unique possibilities. " +
	"Each diagnosis should be a rare disease. " +
	"For each diagnosis, write the disease name enclosed in **(double asterisks) (e.g., **Disease Name**) at the beginning of the line. " +
	"Make sure to reorder the diagnoses from most likely to least likely. " +
	"Now, list the top 5 diagnoses."

// NameResolver maps free-text names to canonical references, dropping misses.
type NameResolver interface {
	ResolveAll(ctx context.Context, names []string) []diagnosis.DiseaseRef
}

// ZeroShot asks a generative model for likely diagnoses and keeps the ones
// that resolve to a canonical disease.
type ZeroShot struct {
	gen      diagnosis.TextGenerator
	resolver NameResolver
}

func NewZeroShot(gen diagnosis.TextGenerator, resolver NameResolver) *ZeroShot {
	return &ZeroShot{gen: gen, resolver: resolver}
}

// Prompt builds the zero-shot prompt for codes.
func Prompt(codes []string) string {
	return fmt.Sprintf(zeroShotPrompt, strings.Join(codes, ", "))
}

// Rank generates candidate names and resolves them in model order.
func (z *ZeroShot) Rank(ctx context.Context, codes []string) ([]diagnosis.DiseaseRef, error) {
	out, err := z.gen.Generate(ctx, Prompt(codes))
	if err != nil {
		return nil, fmt.Errorf("zero-shot generation failed: %w", err)
	}
	names := diagnosis.ExtractBoldNames(strings.Split(out, "\n"))
	if z.resolver == nil || len(names) == 0 {
		return []diagnosis.DiseaseRef{}, nil
	}
	return z.resolver.ResolveAll(ctx, names), nil
}
