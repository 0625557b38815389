// Package chunking splits normalized document segments into retrieval-sized
// chunks. Splitting is structure-first: tables and image captions are never
// divided, text is packed sentence-by-sentence under a token budget with a
// configurable overlap between adjacent chunks. The same document and policy
// always produce the same chunk boundaries, which ingestion relies on for
// idempotent re-ingestion.
package chunking

import (
	"iter"
	"strings"

	"github.com/kalambet/ragd/internal/convert"
)

// Policy controls chunk sizing for one source.
type Policy struct {
	MaxTokens     int // hard budget per text chunk
	OverlapTokens int // target overlap carried into the next text chunk
	MinTokens     int // text shorter than this is merged into the previous chunk
}

// DefaultPolicy returns the sizing used when a source declares none.
func DefaultPolicy() Policy {
	return Policy{MaxTokens: 512, OverlapTokens: 64, MinTokens: 16}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxTokens <= 0 {
		p.MaxTokens = d.MaxTokens
	}
	if p.OverlapTokens < 0 || p.OverlapTokens >= p.MaxTokens {
		p.OverlapTokens = p.MaxTokens / 8
	}
	if p.MinTokens <= 0 {
		p.MinTokens = d.MinTokens
	}
	return p
}

// Document is the chunker's input: converter segments in original order.
type Document struct {
	ID       string
	Source   string
	Segments []convert.Segment
}

// Chunk is one retrieval unit cut from a document. Position is the chunk's
// 0-based index within the document and is stable across re-ingestion.
type Chunk struct {
	DocumentID string
	Source     string
	Text       string
	Type       convert.SegmentType
	Position   int
	Oversized  bool // table larger than the budget, kept whole
	Page       int
	Section    string
}

// TokenCount reports the chunk's size under the given tokenizer.
func (c Chunk) TokenCount(t Tokenizer) int { return t.CountTokens(c.Text) }

// Chunker applies a Policy to documents.
type Chunker struct {
	policy Policy
	tokens Tokenizer
}

// New creates a Chunker. A nil tokenizer falls back to the chars/4 estimate.
func New(policy Policy, tokens Tokenizer) *Chunker {
	if tokens == nil {
		tokens = NewEstimateCounter()
	}
	return &Chunker{policy: policy.withDefaults(), tokens: tokens}
}

// Chunk lazily yields the document's chunks in order. The sequence is finite
// and may be ranged over multiple times; each pass yields identical chunks.
func (c *Chunker) Chunk(doc Document) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		pos := 0
		emit := func(text string, typ convert.SegmentType, oversized bool, page int, section string) bool {
			ch := Chunk{
				DocumentID: doc.ID,
				Source:     doc.Source,
				Text:       text,
				Type:       typ,
				Position:   pos,
				Oversized:  oversized,
				Page:       page,
				Section:    section,
			}
			pos++
			return yield(ch)
		}

		for _, seg := range doc.Segments {
			switch seg.Type {
			case convert.SegmentTable:
				oversized := c.tokens.CountTokens(seg.Text) > c.policy.MaxTokens
				if !emit(seg.Text, seg.Type, oversized, seg.Page, seg.Section) {
					return
				}
			case convert.SegmentImageCaption:
				if !emit(seg.Text, seg.Type, false, seg.Page, seg.Section) {
					return
				}
			default:
				for _, piece := range c.splitText(seg.Text) {
					if !emit(piece, convert.SegmentText, false, seg.Page, seg.Section) {
						return
					}
				}
			}
		}
	}
}

// ChunkAll collects the full chunk sequence into a slice.
func (c *Chunker) ChunkAll(doc Document) []Chunk {
	var chunks []Chunk
	for ch := range c.Chunk(doc) {
		chunks = append(chunks, ch)
	}
	return chunks
}

// splitText packs sentences into chunks under the token budget, carrying
// roughly OverlapTokens of trailing sentences into the next chunk.
func (c *Chunker) splitText(text string) []string {
	total := c.tokens.CountTokens(text)
	if total <= c.policy.MaxTokens {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	sentences := splitSentences(text)
	var (
		out     []string
		current []string
		curTok  int
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		piece := strings.TrimSpace(strings.Join(current, " "))
		if piece != "" {
			out = append(out, piece)
		}
		// Seed the next chunk with trailing sentences up to the overlap budget.
		var carry []string
		carryTok := 0
		for i := len(current) - 1; i >= 0; i-- {
			n := c.tokens.CountTokens(current[i])
			if carryTok+n > c.policy.OverlapTokens || i == 0 {
				break
			}
			carry = append([]string{current[i]}, carry...)
			carryTok += n
		}
		current = carry
		curTok = carryTok
	}

	for _, s := range sentences {
		n := c.tokens.CountTokens(s)
		if curTok+n > c.policy.MaxTokens && curTok > 0 {
			flush()
		}
		if n > c.policy.MaxTokens {
			// A single sentence over budget is split on word boundaries.
			for _, piece := range c.splitWords(s) {
				out = append(out, piece)
			}
			current = nil
			curTok = 0
			continue
		}
		current = append(current, s)
		curTok += n
	}

	// The tail is merged backwards when it is too small to stand alone.
	if len(current) > 0 {
		piece := strings.TrimSpace(strings.Join(current, " "))
		if piece != "" {
			if c.tokens.CountTokens(piece) < c.policy.MinTokens && len(out) > 0 && curTok > 0 {
				out[len(out)-1] = out[len(out)-1] + " " + piece
			} else {
				out = append(out, piece)
			}
		}
	}
	return out
}

// splitWords divides an over-budget sentence on whitespace.
func (c *Chunker) splitWords(s string) []string {
	words := strings.Fields(s)
	var (
		out     []string
		current []string
		curTok  int
	)
	for _, w := range words {
		n := c.tokens.CountTokens(w)
		if curTok+n > c.policy.MaxTokens && len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current = nil
			curTok = 0
		}
		current = append(current, w)
		curTok += n
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, " "))
	}
	return out
}

// sentenceEnders terminate a sentence when followed by whitespace.
var sentenceEnders = map[rune]bool{'.': true, '!': true, '?': true, '\n': true}

// splitSentences divides text at paragraph breaks first, then at sentence
// boundaries. Whitespace-only pieces are dropped.
func splitSentences(text string) []string {
	var sentences []string
	for _, para := range strings.Split(text, "\n\n") {
		var sb strings.Builder
		runes := []rune(para)
		for i, r := range runes {
			sb.WriteRune(r)
			if sentenceEnders[r] {
				atEnd := i == len(runes)-1
				nextIsSpace := !atEnd && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t')
				if atEnd || nextIsSpace {
					if s := strings.TrimSpace(sb.String()); s != "" {
						sentences = append(sentences, s)
					}
					sb.Reset()
				}
			}
		}
		if s := strings.TrimSpace(sb.String()); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
