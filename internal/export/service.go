package export

import (
	"fmt"
)

// Service renders signed opinions into downloadable artifacts.
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export generates an export in the requested format
func (s *Service) Export(op Opinion, format Format) (*Result, error) {
	data := TemplateData{
		RequestNumber: op.RequestNumber,
		Title:         op.Title,
		VersionNumber: op.VersionNumber,
		LawyerName:    op.LawyerName,
		SignerName:    op.SignerName,
		SignedAt:      op.SignedAt,
		ContentHash:   op.ContentHash,
		Sections:      opinionSections(op),
	}

	name := op.RequestNumber
	if name == "" {
		name = op.Title
	}

	switch format {
	case FormatPDF:
		html, err := RenderOpinionHTML(data)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return exportPDF(html, name)
	case FormatDOCX:
		return exportDOCX(data, name)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// opinionSections lays out the five opinion sections in reading order,
// skipping any left empty.
func opinionSections(op Opinion) []TemplateSection {
	all := []TemplateSection{
		{Heading: "Statement of Facts", Body: op.Facts},
		{Heading: "Issues Presented", Body: op.Issues},
		{Heading: "Legal Analysis", Body: op.Analysis},
		{Heading: "Conclusion", Body: op.Conclusion},
		{Heading: "References", Body: op.References},
	}
	sections := make([]TemplateSection, 0, len(all))
	for _, s := range all {
		if s.Body != "" {
			sections = append(sections, s)
		}
	}
	return sections
}
