package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	pdflib "github.com/ledongthuc/pdf"

	"document-pipeline/internal/models"
)

// extractPDF pulls page text and the Info dictionary out of a PDF.
// Documents encrypted with an empty user password open transparently and
// are flagged in the metadata; a real password is a terminal failure.
func extractPDF(data []byte) (models.Extraction, error) {
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdflib.ErrInvalidPassword) {
			return models.Extraction{}, &ValidationError{Reason: "pdf is password-protected"}
		}
		return models.Extraction{}, fmt.Errorf("open pdf: %w", err)
	}

	var buf strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		// Pages with odd font programs fail individually; keep the rest.
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if i > 1 {
			buf.WriteString("\f")
		}
		buf.WriteString(text)
	}

	return models.Extraction{
		PageCount: numPages,
		Text:      strings.TrimSpace(buf.String()),
		Metadata:  pdfMetadata(reader),
	}, nil
}

func pdfMetadata(r *pdflib.Reader) *models.DocumentMetadata {
	trailer := r.Trailer()
	meta := &models.DocumentMetadata{
		Encrypted: !trailer.Key("Encrypt").IsNull(),
	}
	if layout := trailer.Key("Root").Key("PageLayout"); !layout.IsNull() {
		meta.PageLayout = layout.Name()
	}

	info := trailer.Key("Info")
	if info.IsNull() {
		return meta
	}
	meta.Title = info.Key("Title").Text()
	meta.Author = info.Key("Author").Text()
	meta.Subject = info.Key("Subject").Text()
	meta.Creator = info.Key("Creator").Text()
	meta.Producer = info.Key("Producer").Text()
	meta.Keywords = splitKeywords(info.Key("Keywords").Text())
	meta.CreationDate = parsePDFDate(info.Key("CreationDate").Text())
	meta.ModificationDate = parsePDFDate(info.Key("ModDate").Text())
	return meta
}

// Keywords arrive as one string, comma or semicolon separated.
func splitKeywords(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePDFDate reads the "D:YYYYMMDDHHmmSS" date form with its optional
// timezone suffixes (+07'00', -0500, Z). Returns nil when unparseable.
func parsePDFDate(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "D:")
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "'", "")
	if i := strings.IndexByte(s, 'Z'); i >= 0 {
		s = s[:i]
	}
	for _, layout := range []string{
		"20060102150405-0700",
		"20060102150405-07",
		"20060102150405",
		"200601021504",
		"2006010215",
		"20060102",
		"200601",
		"2006",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
