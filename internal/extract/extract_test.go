package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Jane Doe</w:t></w:r></w:p>
    <w:p><w:r><w:t>Senior</w:t></w:r><w:r><w:t xml:space="preserve"> Engineer</w:t></w:r></w:p>
    <w:p></w:p>
    <w:p></w:p>
    <w:p><w:r><w:t>Go</w:t><w:tab/><w:t>Kubernetes</w:t><w:br/><w:t>PostgreSQL &amp; Redis</w:t></w:r></w:p>
  </w:body>
</w:document>`

func buildDocx(t *testing.T, document string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"[Content_Types].xml":          `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`,
		"word/_rels/document.xml.rels": `<?xml version="1.0" encoding="UTF-8"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`,
		"word/document.xml":            document,
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		want     Format
		wantErr  error
	}{
		{"pdf", "resume.PDF", []byte("%PDF-1.7\n"), FormatPDF, nil},
		{"docx", "resume.docx", []byte("PK\x03\x04rest"), FormatDOCX, nil},
		{"text", "resume.txt", []byte("plain"), FormatText, nil},
		{"markdown", "resume.md", []byte("# Jane"), FormatText, nil},
		{"pdf extension with other content", "resume.pdf", []byte("PK\x03\x04"), "", ErrCorruptDocument},
		{"docx extension with other content", "resume.docx", []byte("%PDF-1.4"), "", ErrCorruptDocument},
		{"invalid utf-8", "resume.txt", []byte{0xff, 0xfe, 0x00}, "", ErrCorruptDocument},
		{"unsupported", "resume.exe", []byte("MZ"), "", ErrUnsupportedFormat},
		{"no extension", "resume", []byte("text"), "", ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.filename, tt.data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractText(t *testing.T) {
	doc, err := Extract(context.Background(), "resume.txt", []byte("Jane Doe  \r\n\r\n\r\n\r\nSenior Engineer\n"))
	require.NoError(t, err)

	assert.Equal(t, FormatText, doc.Format)
	assert.Equal(t, "Jane Doe\n\nSenior Engineer", doc.Text)
	assert.Equal(t, 4, doc.WordCount)
	assert.Zero(t, doc.Pages)
}

func TestExtractEmpty(t *testing.T) {
	_, err := Extract(context.Background(), "resume.txt", []byte(" \n\t\n"))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestExtractDOCX(t *testing.T) {
	doc, err := Extract(context.Background(), "resume.docx", buildDocx(t, documentXML))
	require.NoError(t, err)

	assert.Equal(t, FormatDOCX, doc.Format)
	assert.Equal(t, "Jane Doe\nSenior Engineer\n\nGo\tKubernetes\nPostgreSQL & Redis", doc.Text)
	assert.Equal(t, 9, doc.WordCount)
}

func TestExtractCorruptDOCX(t *testing.T) {
	_, err := Extract(context.Background(), "resume.docx", []byte("PK\x03\x04 truncated"))
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestExtractCorruptPDF(t *testing.T) {
	_, err := Extract(context.Background(), "resume.pdf", []byte("%PDF-1.7\nnot really a pdf"))
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestWordTextMalformed(t *testing.T) {
	_, err := wordText(`<w:p><w:t>unterminated`)
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestSupportedExtensions(t *testing.T) {
	for _, ext := range SupportedExtensions() {
		_, ok := extensions[ext]
		assert.True(t, ok, ext)
	}
}
