package diagnosis

import (
	"strings"
	"time"
)

// PhenotypeSet is the ordered list of HPO codes describing a patient.
type PhenotypeSet []string

// String joins the codes the way every query and prompt expects them.
func (p PhenotypeSet) String() string {
	return strings.Join(p, ", ")
}

// Codes returns a copy of the codes with surrounding whitespace removed and empty entries dropped.
func (p PhenotypeSet) Codes() []string {
	out := make([]string, 0, len(p))
	for _, c := range p {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// KnowledgeEntry is one free-text knowledge search hit.
type KnowledgeEntry struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// CaseRecord is an opaque similar-case record as returned by the case search service.
type CaseRecord map[string]interface{}

// RankedDisease is one entry of the external phenotype ranker.
type RankedDisease struct {
	DiseaseNameEn string   `json:"omim_disease_name_en"`
	Description   string   `json:"description"`
	Score         *float64 `json:"score"`
}

// DiseaseRef is a normalized disease reference.
type DiseaseRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// RankedCandidates groups candidate lists from both ranker sources.
type RankedCandidates struct {
	External   []RankedDisease `json:"pubcasefinder"`
	Generative []DiseaseRef    `json:"generative"`
}

// EvidenceBundle is the evidence gathered for one orchestration round.
// A bundle is never mutated after Gather returns.
type EvidenceBundle struct {
	Knowledge  []KnowledgeEntry `json:"knowledge"`
	Cases      []CaseRecord     `json:"cases"`
	Candidates RankedCandidates `json:"candidates"`
}

func newEmptyBundle() *EvidenceBundle {
	return &EvidenceBundle{
		Knowledge: []KnowledgeEntry{},
		Cases:     []CaseRecord{},
		Candidates: RankedCandidates{
			External:   []RankedDisease{},
			Generative: []DiseaseRef{},
		},
	}
}

// DiagnosticReport is the formatted report produced by the synthesizer.
type DiagnosticReport string

// DiagnosisCandidateBlock is one ranked section of a report.
type DiagnosisCandidateBlock struct {
	Rank          int    `json:"rank"`
	Name          string `json:"name"`
	RationaleText string `json:"rationale_text"`
}

// ResolvedIdentity is a canonical disease identity. A nil *ResolvedIdentity means no confident match.
type ResolvedIdentity struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

// EvaluationVerdict is the judgment for one candidate.
type EvaluationVerdict struct {
	Correct       bool   `json:"correct"`
	RationaleText string `json:"rationale_text"`
}

// AcceptedClaim is a candidate that survived evaluation.
type AcceptedClaim struct {
	Disease   ResolvedIdentity  `json:"disease"`
	Eval      EvaluationVerdict `json:"eval"`
	BlockText string            `json:"block_text"`
}

// ReflectionOutcome is the terminal artifact of one self-reflection pass.
type ReflectionOutcome struct {
	Accepted         []AcceptedClaim `json:"accepted"`
	ReflectionRounds int             `json:"reflection_rounds"`
}

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	StatusAccepted    RunStatus = "accepted"
	StatusUnconfirmed RunStatus = "unconfirmed"
	StatusUnverified  RunStatus = "unverified"
	StatusCancelled   RunStatus = "cancelled"
)

// RunResult is the externally visible output of a run. Reflection is nil when
// self-reflection is disabled.
type RunResult struct {
	RunID      string             `json:"run_id"`
	Phenotypes PhenotypeSet       `json:"phenotypes"`
	Report     DiagnosticReport   `json:"diagnosis_report"`
	Evidence   *EvidenceBundle    `json:"evidence"`
	Reflection *ReflectionOutcome `json:"self_reflection"`
	Rounds     int                `json:"rounds"`
	Status     RunStatus          `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// RoundContext holds everything produced by one orchestration round.
// Nothing in it is carried into the next round.
type RoundContext struct {
	Attempt     int
	PatientInfo string
	Evidence    *EvidenceBundle
	Report      DiagnosticReport
	Reflection  *ReflectionOutcome
}
