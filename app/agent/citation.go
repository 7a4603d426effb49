package agent

import (
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"docqa/types"
)

var (
	bracketRe  = regexp.MustCompile(`\[([^\[\]]+)\]`)
	documentRe = regexp.MustCompile(`(?i)\bdocument\s+#?(\d+)`)
)

// references returns every ordinal cited inside square brackets, in order of
// appearance. Unparsable numbers are skipped.
func references(answer string) []int {
	var refs []int
	for _, m := range bracketRe.FindAllStringSubmatch(answer, -1) {
		for _, d := range documentRe.FindAllStringSubmatch(m[1], -1) {
			n, err := strconv.Atoi(d[1])
			if err != nil {
				continue
			}
			refs = append(refs, n)
		}
	}
	return refs
}

// ExtractCitations maps "[Document N, ...]" references in answer to the
// passages with ordinal N. References to unknown ordinals are ignored, each
// chunk is cited once, and citations follow first-mention order.
func ExtractCitations(answer string, passages []types.Passage) []types.Citation {
	byOrdinal := make(map[int]types.Passage, len(passages))
	for _, p := range passages {
		byOrdinal[p.Ordinal] = p
	}

	var citations []types.Citation
	seen := make(map[uuid.UUID]struct{})
	for _, n := range references(answer) {
		p, ok := byOrdinal[n]
		if !ok {
			continue
		}
		if _, dup := seen[p.Chunk.ID]; dup {
			continue
		}
		seen[p.Chunk.ID] = struct{}{}
		citations = append(citations, types.Citation{
			ChunkID:    p.Chunk.ID,
			DocID:      p.Chunk.DocID,
			Title:      p.Chunk.Meta.Title,
			Page:       p.Chunk.Page,
			Similarity: p.Similarity,
		})
	}
	return citations
}

// CitationReport describes how well an answer followed the citation format.
type CitationReport struct {
	References int
	Unresolved []int
}

// FollowsConvention reports whether the answer cited at least one excerpt it
// was given.
func (r CitationReport) FollowsConvention() bool {
	return r.References > len(r.Unresolved)
}

func ValidateCitations(answer string, passages []types.Passage) CitationReport {
	known := make(map[int]struct{}, len(passages))
	for _, p := range passages {
		known[p.Ordinal] = struct{}{}
	}
	refs := references(answer)
	report := CitationReport{References: len(refs)}
	for _, n := range refs {
		if _, ok := known[n]; !ok {
			report.Unresolved = append(report.Unresolved, n)
		}
	}
	return report
}
