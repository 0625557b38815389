package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/ragd/internal/convert"
	"github.com/kalambet/ragd/internal/provider"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/vectorstore"
)

var defaultDocIntentTerms = []string{
	"summarize",
	"summary",
	"overview",
	"whole document",
	"entire document",
	"document structure",
	"table of contents",
	"what is this document about",
	"main points",
}

// hasTableCandidate reports whether any of the top-ranked candidates is a
// table chunk.
func (e *Executor) hasTableCandidate(st *turnState) bool {
	n := e.cfg.RouterTopN
	if n > len(st.candidates) {
		n = len(st.candidates)
	}
	for _, c := range st.candidates[:n] {
		if c.Chunk.Type == string(convert.SegmentTable) {
			return true
		}
	}
	return false
}

// hasDocumentIntent matches the query against the configured document-level
// phrasing terms.
func (e *Executor) hasDocumentIntent(query string) bool {
	q := strings.ToLower(query)
	for _, term := range e.cfg.DocIntentTerms {
		if strings.Contains(q, term) {
			return true
		}
	}
	return false
}

// textRetrieval assembles a token-bounded context window from the fused
// candidate list, dropping the lowest-ranked candidates first. Only chunks
// that fit become citations.
func (e *Executor) textRetrieval(st *turnState) (string, error) {
	budget := e.cfg.ContextBudget
	var b strings.Builder
	included := 0
	for _, c := range st.candidates {
		cost := e.tokens.CountTokens(c.Chunk.Text)
		if cost > budget {
			break
		}
		budget -= cost
		if included > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(formatChunk(c.Chunk))
		st.cite(c)
		included++
	}
	if included == 0 {
		return "", fmt.Errorf("no candidate fits the %d token context budget", e.cfg.ContextBudget)
	}
	st.contextParts = append(st.contextParts, contextPart{
		label: "Retrieved passages",
		text:  b.String(),
	})
	return snapshotRef(b.String()), nil
}

// tableAnalysis reformats the table chunks among the top candidates into an
// explicit rows-and-columns representation the completion model handles
// better than raw pipe text.
func (e *Executor) tableAnalysis(st *turnState) (string, error) {
	n := e.cfg.RouterTopN
	if n > len(st.candidates) {
		n = len(st.candidates)
	}
	var b strings.Builder
	found := 0
	for _, c := range st.candidates[:n] {
		if c.Chunk.Type != string(convert.SegmentTable) {
			continue
		}
		if found > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(renderTable(c.Chunk))
		st.cite(c)
		found++
	}
	if found == 0 {
		return "", fmt.Errorf("no table chunk among top %d candidates", n)
	}
	st.contextParts = append(st.contextParts, contextPart{
		label: "Tables",
		text:  b.String(),
	})
	return snapshotRef(b.String()), nil
}

// renderTable expands a pipe table into labelled rows so each cell carries
// its column header. Malformed tables pass through unchanged.
func renderTable(rec vectorstore.Record) string {
	lines := strings.Split(strings.TrimSpace(rec.Text), "\n")
	if len(lines) < 2 {
		return rec.Text
	}
	headers := splitRow(lines[0])
	if len(headers) == 0 {
		return rec.Text
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Table (document %s", rec.DocumentID)
	if rec.Section != "" {
		fmt.Fprintf(&b, ", section %q", rec.Section)
	}
	b.WriteString("):\n")

	row := 0
	for _, line := range lines[1:] {
		if isSeparatorRow(line) {
			continue
		}
		cells := splitRow(line)
		if len(cells) == 0 {
			continue
		}
		row++
		fmt.Fprintf(&b, "Row %d:", row)
		for i, cell := range cells {
			name := fmt.Sprintf("col%d", i+1)
			if i < len(headers) {
				name = headers[i]
			}
			fmt.Fprintf(&b, " %s=%q", name, cell)
		}
		b.WriteString("\n")
	}
	if row == 0 {
		return rec.Text
	}
	return strings.TrimRight(b.String(), "\n")
}

func splitRow(line string) []string {
	line = strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(line, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func isSeparatorRow(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, r := range line {
		switch r {
		case '|', '-', ':', ' ':
		default:
			return false
		}
	}
	return strings.ContainsRune(line, '-')
}

// documentAnalysis widens context for document-level questions: it walks the
// sibling chunks of the top candidate's document in position order and packs
// them under the token budget, sampling evenly when the document is larger
// than the walk bound.
func (e *Executor) documentAnalysis(ctx context.Context, st *turnState) (string, error) {
	if len(st.candidates) == 0 {
		return "", fmt.Errorf("no candidates to anchor document walk")
	}
	top := st.candidates[0].Chunk

	records, err := e.siblings.DocumentChunks(ctx, top.Source, top.DocumentID)
	if err != nil {
		return "", fmt.Errorf("loading document %s/%s: %w", top.Source, top.DocumentID, err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("document %s/%s has no chunks", top.Source, top.DocumentID)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Position < records[j].Position })
	records = sampleEvenly(records, e.cfg.MaxSiblingChunks)

	budget := e.cfg.ContextBudget
	var b strings.Builder
	included := 0
	for _, rec := range records {
		cost := e.tokens.CountTokens(rec.Text)
		if cost > budget {
			break
		}
		budget -= cost
		if included > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(formatChunk(rec))
		st.cite(retrieval.Candidate{Chunk: rec})
		included++
	}
	if included == 0 {
		return "", fmt.Errorf("no sibling chunk fits the context budget")
	}
	st.contextParts = append(st.contextParts, contextPart{
		label: fmt.Sprintf("Document %s", top.DocumentID),
		text:  b.String(),
	})
	return snapshotRef(b.String()), nil
}

// sampleEvenly keeps at most max records, always including the first and
// last and spacing the rest uniformly.
func sampleEvenly(records []vectorstore.Record, max int) []vectorstore.Record {
	if len(records) <= max {
		return records
	}
	out := make([]vectorstore.Record, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		out = append(out, records[int(float64(i)*step+0.5)])
	}
	return out
}

func formatChunk(rec vectorstore.Record) string {
	var meta []string
	meta = append(meta, fmt.Sprintf("source=%s", rec.Source))
	meta = append(meta, fmt.Sprintf("document=%s", rec.DocumentID))
	if rec.Section != "" {
		meta = append(meta, fmt.Sprintf("section=%q", rec.Section))
	}
	if rec.Page > 0 {
		meta = append(meta, fmt.Sprintf("page=%d", rec.Page))
	}
	return fmt.Sprintf("[%s]\n%s", strings.Join(meta, " "), rec.Text)
}

const synthesisSystemPrompt = `You are a careful assistant answering questions about the user's documents.
Ground every claim in the provided context. When the context does not contain
the answer, say so plainly instead of guessing. Keep answers concise.`

// buildMessages assembles the synthesis prompt: system instructions, the
// bounded recent conversation, then the turn's context and query.
func (e *Executor) buildMessages(st *turnState) []provider.Message {
	messages := []provider.Message{{Role: "system", Content: synthesisSystemPrompt}}

	for _, turn := range st.history {
		messages = append(messages,
			provider.Message{Role: "user", Content: turn.Query},
			provider.Message{Role: "assistant", Content: turn.Answer},
		)
	}

	var b strings.Builder
	if ctx := joinParts(st.contextParts); ctx != "" {
		b.WriteString("Context:\n\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	} else {
		b.WriteString("No document context is available for this question; answer from the conversation so far, and say when you cannot.\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(st.query)
	messages = append(messages, provider.Message{Role: "user", Content: b.String()})
	return messages
}
