package extract

import (
	"strings"

	"document-pipeline/internal/models"
)

// extractText handles plain text and markdown identically. Form feeds are
// the only page signal text carries, so page count is feeds + 1.
func extractText(data []byte) models.Extraction {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSpace(text)
	return models.Extraction{
		PageCount: strings.Count(text, "\f") + 1,
		Text:      text,
	}
}
