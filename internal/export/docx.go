package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// exportDOCX writes a minimal OOXML package: the content types manifest, the
// package relationships, and a word/document.xml built from the opinion data.
// Word and LibreOffice both open it without any external converter.
func exportDOCX(data TemplateData, title string) (*Result, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	parts := []struct {
		name    string
		content string
	}{
		{"[Content_Types].xml", docxContentTypes},
		{"_rels/.rels", docxRels},
		{"word/document.xml", docxDocument(data)},
	}
	for _, part := range parts {
		f, err := w.Create(part.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", part.name, err)
		}
		if _, err := f.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize docx: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(title) + ".docx",
		MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}, nil
}

const docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const docxRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// docxDocument lays the opinion out in reading order: title, meta line, the
// titled sections split into paragraphs, and the signature block when signed.
func docxDocument(data TemplateData) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	writeDocxHeading(&b, data.Title, 32)
	meta := fmt.Sprintf("%s | Version %d | Prepared by %s", data.RequestNumber, data.VersionNumber, data.LawyerName)
	writeDocxParagraph(&b, meta, false)

	for _, section := range data.Sections {
		writeDocxHeading(&b, strings.ToUpper(section.Heading), 24)
		for _, p := range splitParagraphs(section.Body) {
			writeDocxParagraph(&b, p, false)
		}
	}

	if data.SignedAt != nil {
		writeDocxParagraph(&b, "Digitally signed by "+data.SignerName+" on "+
			data.SignedAt.Format("January 2, 2006 at 15:04 MST"), true)
		writeDocxParagraph(&b, "Content digest: "+data.ContentHash, false)
	}

	b.WriteString(`<w:sectPr/></w:body></w:document>`)
	return b.String()
}

// halfPoints is the w:sz unit, so 32 renders at 16pt.
func writeDocxHeading(b *strings.Builder, text string, halfPoints int) {
	fmt.Fprintf(b, `<w:p><w:r><w:rPr><w:b/><w:sz w:val="%d"/></w:rPr><w:t xml:space="preserve">%s</w:t></w:r></w:p>`,
		halfPoints, docxEscape(text))
}

func writeDocxParagraph(b *strings.Builder, text string, bold bool) {
	b.WriteString(`<w:p><w:r>`)
	if bold {
		b.WriteString(`<w:rPr><w:b/></w:rPr>`)
	}
	fmt.Fprintf(b, `<w:t xml:space="preserve">%s</w:t>`, docxEscape(text))
	b.WriteString(`</w:r></w:p>`)
}

func docxEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
