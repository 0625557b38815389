package convert

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// HTMLConverter segments HTML documents. <table> subtrees are rendered whole
// as pipe tables, <img alt> attributes become image captions, headings set
// the current section, and remaining block text becomes text segments.
type HTMLConverter struct{}

// Convert parses the document and walks its body in order.
func (HTMLConverter) Convert(ctx context.Context, name string, r io.Reader) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	w := &htmlWalker{}
	w.walk(root)
	w.flushText()
	return w.segments, nil
}

type htmlWalker struct {
	segments []Segment
	text     strings.Builder
	section  string
}

func (w *htmlWalker) flushText() {
	t := strings.TrimSpace(w.text.String())
	w.text.Reset()
	if t != "" {
		w.segments = append(w.segments, Segment{Type: SegmentText, Text: t, Section: w.section})
	}
}

func (w *htmlWalker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "head":
			return
		case "table":
			w.flushText()
			if t := renderTable(n); t != "" {
				w.segments = append(w.segments, Segment{Type: SegmentTable, Text: t, Section: w.section})
			}
			return
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				w.flushText()
				w.segments = append(w.segments, Segment{Type: SegmentImageCaption, Text: alt, Section: w.section})
			}
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			w.flushText()
			w.section = strings.TrimSpace(textContent(n))
			w.text.WriteString(w.section + "\n")
			return
		case "p", "div", "li", "br", "section", "article":
			w.flushText()
		}
	}
	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			if w.text.Len() > 0 {
				w.text.WriteString(" ")
			}
			w.text.WriteString(t)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

// renderTable flattens a <table> subtree into a markdown-style pipe table,
// one line per <tr>.
func renderTable(table *html.Node) string {
	var rows []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.TrimSpace(textContent(c)))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(table)
	return strings.Join(rows, "\n")
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
