package worker

import (
	"context"

	"document-pipeline/internal/extract"
	"document-pipeline/internal/models"
)

// ExtractHandler adapts the extractor to the processor's handler
// contract. Fresh extractions and operator retries run the same code;
// only the pool they occupy differs.
func ExtractHandler(ex *extract.Extractor) Handler {
	return func(ctx context.Context, job models.Job) (models.Extraction, error) {
		return ex.Process(ctx, job.DocumentID)
	}
}
