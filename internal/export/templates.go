package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var opinionTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t *time.Time, layout string) string {
			if t == nil {
				return ""
			}
			return t.Format(layout)
		},
		"paragraphs": splitParagraphs,
	}
	opinionTemplate = template.Must(template.New("opinion").Funcs(funcMap).Parse(opinionHTML))
}

func splitParagraphs(s string) []string {
	parts := strings.Split(s, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// TemplateData holds data for opinion template rendering
type TemplateData struct {
	RequestNumber string
	Title         string
	VersionNumber int
	Sections      []TemplateSection
	LawyerName    string
	SignerName    string
	SignedAt      *time.Time
	ContentHash   string
}

// TemplateSection is one titled block of the rendered opinion.
type TemplateSection struct {
	Heading string
	Body    string
}

// RenderOpinionHTML renders the opinion template with provided data
func RenderOpinionHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := opinionTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const opinionHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; font-size: 1.1em; text-transform: uppercase; letter-spacing: 0.05em; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .signature { margin-top: 3rem; padding: 1rem; border: 1px solid #333; }
    .signature .hash { font-family: monospace; font-size: 0.8em; color: #666; word-break: break-all; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.RequestNumber}} | Version {{.VersionNumber}} | Prepared by {{.LawyerName}}</div>
  {{range .Sections}}
  <h2>{{.Heading}}</h2>
  {{range paragraphs .Body}}<p>{{.}}</p>
  {{end}}
  {{end}}
  {{if .SignedAt}}
  <div class="signature">
    <p>Digitally signed by <strong>{{.SignerName}}</strong> on {{formatDate .SignedAt "January 2, 2006 at 15:04 MST"}}</p>
    <p class="hash">Content digest: {{.ContentHash}}</p>
  </div>
  {{end}}
</body>
</html>`
