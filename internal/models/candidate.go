package models

import "time"

// UploadStatus represents the state of a tracked upload.
type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusSuccess   UploadStatus = "success"
	UploadStatusError     UploadStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusSuccess || s == UploadStatusError
}

// UploadCandidate is a file selected for upload that is not yet confirmed stored.
type UploadCandidate struct {
	ID          string          `json:"id"`
	BatchID     string          `json:"batchId"`
	OwnerID     string          `json:"ownerId,omitempty"` // User that submitted the batch
	Name        string          `json:"name"`
	Size        int64           `json:"size"`
	ContentType string          `json:"contentType"`
	Type        string          `json:"type"` // Display type derived from the extension
	Bucket      string          `json:"bucket"`
	Status      UploadStatus    `json:"status"`
	Progress    float64         `json:"progress"` // 0-100
	BytesSent   int64           `json:"bytesSent"`
	Retries     int             `json:"retries"`
	Error       string          `json:"error,omitempty"`
	File        *StoredDocument `json:"file,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}
