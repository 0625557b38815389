package convert

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// MarkdownConverter segments markdown (and plain text) documents. Pipe tables
// and fenced code blocks are kept whole; headings update the current section;
// image lines produce image-caption segments from their alt text.
type MarkdownConverter struct{}

// Convert splits the input into ordered text, table, and image-caption
// segments. Paragraphs are separated by blank lines.
func (MarkdownConverter) Convert(ctx context.Context, name string, r io.Reader) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		segments []Segment
		para     strings.Builder
		table    strings.Builder
		code     strings.Builder
		section  string
		inCode   bool
	)

	flushPara := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text != "" {
			segments = append(segments, Segment{Type: SegmentText, Text: text, Section: section})
		}
	}
	flushTable := func() {
		text := strings.TrimRight(table.String(), "\n")
		table.Reset()
		if text != "" {
			segments = append(segments, Segment{Type: SegmentTable, Text: text, Section: section})
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inCode {
				code.WriteString(line)
				segments = append(segments, Segment{Type: SegmentText, Text: code.String(), Section: section})
				code.Reset()
				inCode = false
			} else {
				flushPara()
				flushTable()
				code.WriteString(line + "\n")
				inCode = true
			}
			continue
		}
		if inCode {
			code.WriteString(line + "\n")
			continue
		}

		switch {
		case isTableRow(line):
			flushPara()
			table.WriteString(line + "\n")
		case strings.HasPrefix(line, "#"):
			flushPara()
			flushTable()
			section = strings.TrimSpace(strings.TrimLeft(line, "# "))
			para.WriteString(line + "\n")
		case isImageLine(line):
			flushPara()
			flushTable()
			if alt := imageAltText(line); alt != "" {
				segments = append(segments, Segment{Type: SegmentImageCaption, Text: alt, Section: section})
			}
		case strings.TrimSpace(line) == "":
			flushPara()
			flushTable()
		default:
			flushTable()
			para.WriteString(line + "\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	if inCode {
		// Unterminated fence; emit what we have as text.
		segments = append(segments, Segment{Type: SegmentText, Text: strings.TrimRight(code.String(), "\n"), Section: section})
	}
	flushPara()
	flushTable()

	return segments, nil
}

// isTableRow reports whether the line looks like a markdown pipe-table row.
func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

// isImageLine reports whether the line is a standalone markdown image.
func isImageLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "![") && strings.Contains(trimmed, "](")
}

// imageAltText extracts the alt text from a markdown image line.
func imageAltText(line string) string {
	trimmed := strings.TrimSpace(line)
	start := strings.Index(trimmed, "![")
	end := strings.Index(trimmed, "](")
	if start < 0 || end < 0 || end <= start+2 {
		return ""
	}
	return strings.TrimSpace(trimmed[start+2 : end])
}
