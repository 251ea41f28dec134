package diagnosis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const synthesisTemplate = `
You are a specialist in the field of rare diseases.
You have access to the following context:
- **Online knowledge** (with titles and URLs): {{.Knowledge}}
- **LLM-generated diagnoses**: {{.Generative}}
- **Diagnosis API results**: {{.External}}
- **Similar cases**: {{.Cases}}
- **Prompt details**: {{.PatientInfo}}

Based on the above and your knowledge, enumerate the **top 5 most likely rare disease diagnoses** for this patient.

**For each diagnosis, use the following format:**

## **DIAGNOSIS NAME** (Rank #X/5)
### Diagnostic Reasoning:
- Provide 2-3 concise sentences explaining why this rare disease fits the clinical picture.
- Integrate evidence from all available sources (online knowledge, similar cases, LLM outputs, and API results).
- Support your reasoning with specific, in-text citations in [X] format, referencing the most relevant sources (including specific similar cases, articles, or diagnostic tools).
- Briefly discuss the pathophysiological basis for the diagnosis, citing relevant literature or case evidence.

**After listing all 5 diagnoses, include a reference section:**
## References:
- Number each reference in the order it is first cited ([1], [2], ...).
- Only include sources you directly cited in your diagnostic reasoning above.
- For each reference, provide:
  a. Source type (e.g., medical guideline, similar case, literature, diagnosis assistant tool...)
  b. 3-4 sentences describing the content and its relevance.
  c. For articles or literature, the title and URL if provided.
- Every in-text citation [X] in your reasoning must correspond to a numbered entry in your reference list.
- Do not repeat references.

**Key Instructions:**
1. Always use in-text citations in [X] format, matching only the references you actually cite in your reasoning.
2. Each diagnosis must be a rare disease (**bolded** using markdown).
3. Rank from most (#1) to least (#5) likely.
4. Integrate information from all provided sources wherever appropriate.
5. Do **not** copy or invent references; only include those present in the provided materials.
6. Use bold formatting (**) only for the 'DIAGNOSIS NAME'. Do not use it anywhere else in the output.
`

const judgmentTemplate = `
Assume you are a doctor specialized in rare disease diagnosis.
Based on the patient information, similar case diagnoses, and disease knowledge, evaluate whether the proposed diagnosis is correct for this patient.
Begin with a clear 'DIAGNOSIS ASSESSMENT: [Correct/Incorrect]' statement, followed by your reasoning.
Structure your analysis as follows:
1. PATIENT SUMMARY: Briefly summarize the patient's key symptoms
2. PROPOSED DIAGNOSIS ANALYSIS: Evaluate the proposed diagnosis ({{.Candidate}}) in relation to the patient's symptoms
3. REFERENCES: Extract and number the most relevant evidence from the provided medical literature that supports your conclusion
Patient phenotype: {{.PatientInfo}}
Similar cases: {{.Cases}}
Medical literature: {{.Knowledge}}
`

// Template file names looked up in a prompt override directory.
const (
	SynthesisTemplateFile = "synthesis.tmpl"
	JudgmentTemplateFile  = "judgment.tmpl"
)

// PromptSet holds the two generation prompts of the loop.
type PromptSet struct {
	Synthesis *template.Template
	Judgment  *template.Template
}

// SynthesisData is available to the synthesis template.
type SynthesisData struct {
	Knowledge   string
	Generative  string
	External    string
	Cases       string
	PatientInfo string
}

// JudgmentData is available to the judgment template.
type JudgmentData struct {
	Candidate   string
	PatientInfo string
	Cases       string
	Knowledge   string
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() PromptSet {
	return PromptSet{
		Synthesis: template.Must(template.New("synthesis").Parse(synthesisTemplate)),
		Judgment:  template.Must(template.New("judgment").Parse(judgmentTemplate)),
	}
}

// LoadPrompts returns the built-in prompts with any template found in dir
// replacing its default. An empty dir returns the defaults.
func LoadPrompts(dir string) (PromptSet, error) {
	set := DefaultPrompts()
	if dir == "" {
		return set, nil
	}
	load := func(name string) (*template.Template, error) {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", path, err)
		}
		t, err := template.New(name).Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", path, err)
		}
		return t, nil
	}
	if t, err := load(SynthesisTemplateFile); err != nil {
		return set, err
	} else if t != nil {
		set.Synthesis = t
	}
	if t, err := load(JudgmentTemplateFile); err != nil {
		return set, err
	} else if t != nil {
		set.Judgment = t
	}
	return set, nil
}

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// asJSON renders evidence for prompts. Nil slices render as [].
func asJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
