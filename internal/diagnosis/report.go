package diagnosis

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxCandidates is the number of ranked sections a report must contain.
const MaxCandidates = 5

// candidateHeader matches "## **<name>** (Rank #<k>/5)".
var candidateHeader = regexp.MustCompile(`## \*\*(.+?)\*\* \(Rank #([0-9]+)/5\)`)

// boldName matches the first **...** span on a line.
var boldName = regexp.MustCompile(`\*\*(.+?)\*\*`)

// ParseReport splits a report into its ranked candidate blocks in header order.
// Each block's rationale runs from the end of its header to the next header or
// the end of the report. Malformed input yields no blocks, never an error.
func ParseReport(report DiagnosticReport) []DiagnosisCandidateBlock {
	text := string(report)
	locs := candidateHeader.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	blocks := make([]DiagnosisCandidateBlock, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		rank, err := strconv.Atoi(text[loc[4]:loc[5]])
		if err != nil {
			rank = i + 1
		}
		blocks = append(blocks, DiagnosisCandidateBlock{
			Rank:          rank,
			Name:          strings.TrimSpace(text[loc[2]:loc[3]]),
			RationaleText: text[loc[1]:end],
		})
	}
	return blocks
}

// ExtractBoldNames returns disease names tagged with ** in a zero-shot answer,
// one per line, cut before any ':' or opening parenthesis.
func ExtractBoldNames(lines []string) []string {
	var names []string
	for _, line := range lines {
		m := boldName.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if i := strings.IndexAny(name, ":(（"); i >= 0 {
			name = name[:i]
		}
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
