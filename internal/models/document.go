package models

import "time"

// Document processing states persisted on the record by the status tracker.
const (
	DocPending    = "pending"
	DocProcessing = "processing"
	DocCompleted  = "completed"
	DocFailed     = "failed"
)

// DocumentRecord mirrors the persistence layer's view of an uploaded
// document. The pipeline never creates or deletes records; it only
// transitions Status and attaches extraction output.
type DocumentRecord struct {
	ID           string            `json:"id"`
	Filename     string            `json:"filename"`
	StoragePath  string            `json:"storage_path"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	Status       string            `json:"status"`
	PageCount    int               `json:"page_count"`
	Text         string            `json:"text,omitempty"`
	Metadata     *DocumentMetadata `json:"metadata,omitempty"`
	PreviewPath  string            `json:"preview_path,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	UploadedAt   time.Time         `json:"uploaded_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
}

// DocumentMetadata is the normalized metadata record an extraction yields.
// PDF fields come from the trailer Info dictionary; image documents fill
// Width/Height instead.
type DocumentMetadata struct {
	Title            string     `json:"title,omitempty"`
	Author           string     `json:"author,omitempty"`
	Subject          string     `json:"subject,omitempty"`
	Keywords         []string   `json:"keywords,omitempty"`
	Creator          string     `json:"creator,omitempty"`
	Producer         string     `json:"producer,omitempty"`
	CreationDate     *time.Time `json:"creation_date,omitempty"`
	ModificationDate *time.Time `json:"modification_date,omitempty"`
	Encrypted        bool       `json:"encrypted"`
	PageLayout       string     `json:"page_layout,omitempty"`
	Width            int        `json:"width,omitempty"`
	Height           int        `json:"height,omitempty"`
}

// Extraction is the successful output of processing one document.
type Extraction struct {
	PageCount   int               `json:"page_count"`
	Text        string            `json:"text"`
	Metadata    *DocumentMetadata `json:"metadata,omitempty"`
	PreviewPath string            `json:"preview_path,omitempty"`
}
