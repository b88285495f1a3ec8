// Package ingest holds the document processing bodies run by ingestion
// jobs: extractors that turn raw bytes into plain text, a markdown-aware
// chunker, and the pipeline that feeds extracted chunks to the indexing
// collaborator. The job queue itself stays content-agnostic.
package ingest

import (
	"bytes"
	"fmt"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// Extractor converts raw content to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ContentType identifies the MIME type of content for extraction.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeMarkdown  ContentType = "text/markdown"
	TypeHTML      ContentType = "text/html"
	TypePDF       ContentType = "application/pdf"
)

// ContentTypeFromExtension maps file extensions to content types.
func ContentTypeFromExtension(ext string) ContentType {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	default:
		return TypePlainText
	}
}

// ForContentType returns the extractor for a content type.
func ForContentType(ct ContentType) Extractor {
	switch ct {
	case TypeHTML:
		return HTMLExtractor{}
	case TypePDF:
		return PDFExtractor{}
	default:
		// Markdown stays raw; the chunker understands its structure.
		return PlainTextExtractor{}
	}
}

// PlainTextExtractor returns content as-is.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return string(content), nil
}

// HTMLExtractor extracts readable article text from an HTML page,
// dropping navigation, ads, and boilerplate.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(content []byte) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(content), nil)
	if err != nil {
		return "", fmt.Errorf("extract html: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if article.Title != "" {
		return article.Title + "\n\n" + text, nil
	}
	return text, nil
}

// PDFExtractor extracts plain text from a PDF document page by page.
type PDFExtractor struct{}

func (PDFExtractor) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// Compile-time interface checks.
var (
	_ Extractor = PlainTextExtractor{}
	_ Extractor = HTMLExtractor{}
	_ Extractor = PDFExtractor{}
)
