// Package export renders signed legal opinions as PDF and DOCX artifacts.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Opinion is the fully resolved content handed to the renderer. The caller
// loads the version and signature rows; export only formats them.
type Opinion struct {
	RequestNumber string
	Title         string
	VersionNumber int
	Facts         string
	Issues        string
	Analysis      string
	Conclusion    string
	References    string
	LawyerName    string
	SignerName    string
	SignedAt      *time.Time
	ContentHash   string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
