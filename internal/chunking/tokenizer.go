package chunking

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens in text. Chunk budgets are expressed in tokens, so
// the same tokenizer must be used at chunking and context-assembly time.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenCounter counts tokens with a tiktoken BPE encoding, falling back to
// a chars/4 estimate when the encoding is unavailable (e.g. offline first
// run). The fallback keeps chunking deterministic either way.
type TiktokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the given encoding name.
// If encoding is empty, cl100k_base is used.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) CountTokens(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using estimate", "encoding", t.encoding, "error", err)
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimateTokens approximates the token count as len/4, the usual rule of
// thumb for BPE encodings over English text.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// estimateCounter is the pure-estimate tokenizer used by tests and as the
// zero-config default.
type estimateCounter struct{}

func (estimateCounter) CountTokens(text string) int { return EstimateTokens(text) }

// NewEstimateCounter returns a Tokenizer that uses only the chars/4 estimate.
func NewEstimateCounter() Tokenizer { return estimateCounter{} }
