// Package extract pulls plain text out of uploaded resumes.
package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// Format is a supported resume file format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatText Format = "txt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyDocument     = errors.New("document contains no text")
	ErrCorruptDocument   = errors.New("document could not be read")
)

// Document is the text of one resume
type Document struct {
	Format    Format `json:"format"`
	Text      string `json:"text"`
	Pages     int    `json:"pages,omitempty"`
	WordCount int    `json:"word_count"`
}

var extensions = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".txt":  FormatText,
	".md":   FormatText,
}

// DetectFormat picks a format from the file name and checks it against the
// leading bytes of data
func DetectFormat(filename string, data []byte) (Format, error) {
	format, ok := extensions[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}

	switch format {
	case FormatPDF:
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			return "", fmt.Errorf("%w: not a PDF", ErrCorruptDocument)
		}
	case FormatDOCX:
		if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
			return "", fmt.Errorf("%w: not a DOCX archive", ErrCorruptDocument)
		}
	case FormatText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: text is not UTF-8", ErrCorruptDocument)
		}
	}
	return format, nil
}

// SupportedExtensions lists the accepted file extensions
func SupportedExtensions() []string {
	return []string{".pdf", ".docx", ".txt", ".md"}
}

// Extract returns the text of an uploaded file
func Extract(ctx context.Context, filename string, data []byte) (*Document, error) {
	format, err := DetectFormat(filename, data)
	if err != nil {
		return nil, err
	}

	doc := &Document{Format: format}
	switch format {
	case FormatPDF:
		doc.Text, doc.Pages, err = extractPDF(ctx, data)
	case FormatDOCX:
		doc.Text, err = extractDOCX(data)
	default:
		doc.Text = string(data)
	}
	if err != nil {
		return nil, err
	}

	doc.Text = normalize(doc.Text)
	if doc.Text == "" {
		return nil, ErrEmptyDocument
	}
	doc.WordCount = len(strings.Fields(doc.Text))
	return doc, nil
}

func extractPDF(ctx context.Context, data []byte) (string, int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}

	var parts []string
	pages := reader.NumPage()
	for n := 1; n <= pages; n++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", 0, fmt.Errorf("%w: page %d: %v", ErrCorruptDocument, n, err)
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, "\n\n"), pages, nil
}

func extractDOCX(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	defer doc.Close()

	return wordText(doc.Editable().GetContent())
}

// wordText flattens WordprocessingML into text, one line per paragraph
func wordText(content string) (string, error) {
	var (
		b      strings.Builder
		inText bool
	)
	decoder := xml.NewDecoder(strings.NewReader(content))

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// normalize trims trailing space from every line and collapses runs of
// blank lines
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
