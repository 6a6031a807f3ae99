// Package ingest converts uploaded documents to markdown for providers
// without native document support. It implements atlas.MarkdownConverter
// with per-extension backends: PDF text extraction, readability-based HTML
// article extraction, and goldmark-normalized markdown.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	gmtext "github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"

	"github.com/nevindra/atlas"
)

// Converter dispatches on the original file extension.
type Converter struct{}

var _ atlas.MarkdownConverter = (*Converter)(nil)

// NewConverter creates a document-to-markdown converter.
func NewConverter() *Converter { return &Converter{} }

// Convert reads the file at path and returns its markdown rendering.
// originalName carries the extension that selects the backend. All output
// is NFC-normalized.
func (c *Converter) Convert(ctx context.Context, path, originalName string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", originalName, err)
	}

	var out string
	switch strings.ToLower(filepath.Ext(originalName)) {
	case ".pdf":
		out, err = pdfToMarkdown(data)
	case ".html", ".htm":
		out, err = htmlToMarkdown(data, originalName)
	case ".md", ".markdown":
		out = normalizeMarkdown(data)
	default:
		out = string(data)
	}
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return norm.NFC.String(strings.TrimSpace(out)), nil
}

// pdfToMarkdown extracts plain text page by page, one section per page.
func pdfToMarkdown(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// htmlToMarkdown extracts the readable article from an HTML page.
func htmlToMarkdown(content []byte, originalName string) (string, error) {
	pageURL := &url.URL{Scheme: "file", Path: "/" + originalName}
	article, err := readability.FromReader(bytes.NewReader(content), pageURL)
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}
	var b strings.Builder
	if article.Title != "" {
		b.WriteString("# " + article.Title + "\n\n")
	}
	b.WriteString(strings.TrimSpace(article.TextContent))
	return b.String(), nil
}

// normalizeMarkdown reparses markdown and re-emits a cleaned rendering:
// consistent heading markers, dashed list bullets, fenced code blocks.
func normalizeMarkdown(src []byte) string {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := gm.Parser().Parse(gmtext.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *ast.Heading, *ast.Paragraph:
				b.WriteString("\n\n")
			case *ast.TextBlock:
				// Tight list items end in a TextBlock, one item per line.
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Heading:
			b.WriteString(strings.Repeat("#", v.Level) + " ")
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.ListItem:
			b.WriteString("- ")
		case *ast.FencedCodeBlock:
			b.WriteString("```")
			if lang := v.Language(src); lang != nil {
				b.Write(lang)
			}
			b.WriteString("\n")
			for i := 0; i < v.Lines().Len(); i++ {
				line := v.Lines().At(i)
				b.Write(line.Value(src))
			}
			b.WriteString("```\n\n")
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	// Collapse runs of blank lines left by block boundaries.
	out := b.String()
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return out
}
