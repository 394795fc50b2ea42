package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"

	"github.com/disintegration/imaging"

	"document-pipeline/internal/models"
)

const previewWidth = 320

// extractImage records dimensions and writes a thumbnail preview back to
// blob storage. Images count as a single page and carry no text.
func (e *Extractor) extractImage(ctx context.Context, rec models.DocumentRecord, data []byte) (models.Extraction, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return models.Extraction{}, &ValidationError{Reason: fmt.Sprintf("decode image: %v", err)}
	}

	bounds := img.Bounds()
	meta := &models.DocumentMetadata{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}

	previewPath, err := e.writePreview(ctx, rec, img, format)
	if err != nil {
		// The document itself extracted fine; losing the preview is not fatal.
		e.log.Warn("preview generation failed", "document_id", rec.ID, "error", err.Error())
		previewPath = ""
	}

	return models.Extraction{
		PageCount:   1,
		Metadata:    meta,
		PreviewPath: previewPath,
	}, nil
}

func (e *Extractor) writePreview(ctx context.Context, rec models.DocumentRecord, img image.Image, format string) (string, error) {
	thumb := imaging.Resize(img, previewWidth, 0, imaging.Lanczos)

	outFormat := imaging.JPEG
	contentType := "image/jpeg"
	ext := "jpg"
	if strings.EqualFold(format, "png") {
		outFormat = imaging.PNG
		contentType = "image/png"
		ext = "png"
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, outFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}

	key := path.Join("previews", rec.ID+"."+ext)
	loc, err := e.blobs.Put(ctx, key, buf.Bytes(), contentType)
	if err != nil {
		return "", fmt.Errorf("store preview: %w", err)
	}
	return loc, nil
}
