// Package convert turns raw document files into normalized segments that the
// ingestion pipeline can chunk and embed. Converters are format-specific;
// callers pick one via ForFile or supply their own implementation.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// SegmentType classifies a normalized segment of document content.
type SegmentType string

const (
	SegmentText         SegmentType = "text"
	SegmentTable        SegmentType = "table"
	SegmentImageCaption SegmentType = "image-caption"
)

// Segment is one structural unit of a converted document: a run of prose, a
// whole table, or an image caption. Segments keep their original order.
type Segment struct {
	Type    SegmentType
	Text    string
	Page    int    // 1-based page number; 0 when the format has no pages
	Section string // nearest enclosing heading, "" when unknown
}

// Converter extracts normalized segments from a document file.
type Converter interface {
	// Convert reads the document and returns its segments in order.
	Convert(ctx context.Context, name string, r io.Reader) ([]Segment, error)
}

// ErrUnsupportedFormat is returned by ForFile for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ForFile returns the Converter for the given file name based on its
// extension. Markdown and plain text share one converter.
func ForFile(name string) (Converter, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown", ".txt", "":
		return &MarkdownConverter{}, nil
	case ".pdf":
		return &PDFConverter{}, nil
	case ".html", ".htm":
		return &HTMLConverter{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
}
