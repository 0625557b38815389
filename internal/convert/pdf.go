package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFConverter extracts per-page plain text from PDF files. The extractor has
// no notion of table geometry, so every page yields text segments only.
type PDFConverter struct{}

// Convert reads the whole PDF into memory (the parser needs random access)
// and emits one text segment per paragraph with its page number attached.
func (PDFConverter) Convert(ctx context.Context, name string, r io.Reader) ([]Segment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	var segments []Segment
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting page %d of %s: %w", pageNum, name, err)
		}

		for _, para := range strings.Split(text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			segments = append(segments, Segment{Type: SegmentText, Text: para, Page: pageNum})
		}
	}

	return segments, nil
}
