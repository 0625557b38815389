package graph

import (
	"strings"

	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/session"
)

// turnState is the mutable state threaded through one graph traversal. It
// lives for a single turn and is never shared across goroutines.
type turnState struct {
	query      string
	history    []session.Turn
	candidates []retrieval.Candidate

	// contextParts accumulates the evidence each branch contributes; the
	// synthesis prompt is assembled from it in branch execution order.
	contextParts []contextPart
	citations    []session.Citation
	cited        map[string]bool
	trace        []session.NodeRecord
	degraded     []string
}

type contextPart struct {
	label string
	text  string
}

// cite records a citation for a chunk that made it into the synthesis
// context, deduplicated by chunk ID.
func (st *turnState) cite(c retrieval.Candidate) {
	if st.cited == nil {
		st.cited = make(map[string]bool)
	}
	rec := c.Chunk
	if st.cited[rec.ID] {
		return
	}
	st.cited[rec.ID] = true
	st.citations = append(st.citations, session.Citation{
		ChunkID:    rec.ID,
		Source:     rec.Source,
		DocumentID: rec.DocumentID,
		Position:   rec.Position,
		Page:       rec.Page,
		Section:    rec.Section,
		Snippet:    snippet(rec.Text, 160),
	})
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func joinParts(parts []contextPart) string {
	if len(parts) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if p.label != "" {
			b.WriteString("## ")
			b.WriteString(p.label)
			b.WriteString("\n")
		}
		b.WriteString(p.text)
	}
	return b.String()
}
